package sdfat

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/afero"
)

// AferoFs exposes a mounted FS as afero.Fs so it can be used with the afero
// helpers, e.g. afero.Walk, afero.ReadFile or afero.NewIOFS.
// Operations which need to change the directory tree beyond creating files
// fail with ErrNotSupported.
type AferoFs struct {
	fs *FS
}

var _ afero.Fs = (*AferoFs)(nil)

func NewAferoFs(fs *FS) *AferoFs {
	return &AferoFs{fs: fs}
}

func notSupported(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: ErrNotSupported}
}

func (a *AferoFs) Create(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (a *AferoFs) Mkdir(name string, perm os.FileMode) error {
	return notSupported("mkdir", name)
}

func (a *AferoFs) MkdirAll(path string, perm os.FileMode) error {
	return notSupported("mkdir", path)
}

func (a *AferoFs) Open(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile maps the os flags to a Mode. The permissions are ignored.
func (a *AferoFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	mode := ModeRead
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		mode = ModeReadWrite
		if flag&os.O_APPEND != 0 {
			mode = ModeAppend
		}
	}

	if mode.writable() && flag&(os.O_CREATE|os.O_EXCL) != os.O_CREATE {
		_, err := a.fs.Stat(name)
		switch {
		case err == nil && flag&os.O_EXCL != 0:
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		case err != nil && (flag&os.O_CREATE == 0 || !errors.Is(err, ErrNotFound)):
			return nil, &os.PathError{Op: "open", Path: name, Err: err}
		}
	}

	f, err := a.fs.Open(name, mode)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}

	if mode.writable() && flag&os.O_TRUNC != 0 {
		if err := f.Truncate(0); err != nil {
			_ = f.Close()
			return nil, &os.PathError{Op: "truncate", Path: name, Err: err}
		}
	}
	return f, nil
}

func (a *AferoFs) Remove(name string) error {
	return notSupported("remove", name)
}

func (a *AferoFs) RemoveAll(path string) error {
	return notSupported("remove", path)
}

func (a *AferoFs) Rename(oldname, newname string) error {
	return notSupported("rename", oldname)
}

func (a *AferoFs) Stat(name string) (os.FileInfo, error) {
	info, err := a.fs.Stat(name)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

func (a *AferoFs) Name() string {
	return "sdfat"
}

func (a *AferoFs) Chmod(name string, mode os.FileMode) error {
	return notSupported("chmod", name)
}

func (a *AferoFs) Chown(name string, uid, gid int) error {
	return notSupported("chown", name)
}

func (a *AferoFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return notSupported("chtimes", name)
}
