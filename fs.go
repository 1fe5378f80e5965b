package sdfat

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aligator/sdfat/checkpoint"
	log "github.com/sirupsen/logrus"
)

// Buffering selects how open files get their sector buffer.
type Buffering uint8

const (
	// BufferDedicated gives every open file its own sector buffer.
	BufferDedicated Buffering = iota
	// BufferGlobal lets all files share the single buffer of the FS.
	// It needs the least memory but every switch between files reloads the sector.
	BufferGlobal
)

// DefaultMaxOpenFiles is used if Config.MaxOpenFiles is 0.
const DefaultMaxOpenFiles = 4

// Mode is the access mode of an open file.
type Mode uint8

const (
	// ModeRead opens an existing file for reading.
	ModeRead Mode = iota
	// ModeReadWrite opens a file for reading and writing at the current
	// position. The file is created if it does not exist.
	ModeReadWrite
	// ModeAppend is like ModeReadWrite but every write goes to the end of the file.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeReadWrite:
		return "r+"
	case ModeAppend:
		return "a+"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) writable() bool {
	return m != ModeRead
}

// Config of an FS.
type Config struct {
	Buffering Buffering
	// MaxOpenFiles limits the number of dedicated buffers and therefore the
	// number of files open at the same time. It is ignored with BufferGlobal.
	MaxOpenFiles int
	// Logger defaults to a logger which discards everything.
	Logger log.FieldLogger
	// Now provides the timestamps of directory entries. Defaults to time.Now.
	Now func() time.Time
}

// FS is a FAT12, FAT16 or FAT32 volume on a BlockDevice.
// All methods of FS and of its files may be used concurrently; they are
// serialized by one lock.
type FS struct {
	lock sync.Mutex

	dev   BlockDevice
	cfg   Config
	log   log.FieldLogger
	cache cache
	info  Info

	// fat holds the current FAT sector. It is shared by all files.
	fat *Buffer
	// global holds directory, boot and FSInfo sectors. With BufferGlobal it
	// also holds the data of every file.
	global *Buffer

	mounted bool
	// mountID changes with every mount so handles of earlier mounts can be detected.
	mountID uint32

	cwd     uint32
	cwdPath string

	lastAlloc   uint32
	fsInfoValid bool

	files map[*File]struct{}
}

// New creates an FS on the given device. Mount has to be called before use.
func New(dev BlockDevice, cfg Config) *FS {
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		discard := log.New()
		discard.Out = ioutil.Discard
		cfg.Logger = discard
	}

	return &FS{
		dev: dev,
		cfg: cfg,
		log: cfg.Logger,
		cache: cache{
			dev: dev,
			log: cfg.Logger,
		},
	}
}

func (fs *FS) now() time.Time {
	return fs.cfg.Now()
}

// Mount reads the boot sector and makes the volume usable.
// It fails with ErrNotFatFormatted if the device holds no FAT volume and
// with ErrAlreadyMounted if the FS is already mounted.
func (fs *FS) Mount() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.mounted {
		return ErrAlreadyMounted
	}

	fs.fat = newBuffer(false)
	fs.global = newBuffer(fs.cfg.Buffering == BufferGlobal)
	fs.cache.mirrors = nil

	info, err := fs.readVolume()
	if err != nil {
		fs.log.WithError(err).Warn("mount failed")
		return err
	}

	fs.info = info
	fs.cache.mirrors = fs.fatMirrors
	fs.cwd, fs.cwdPath = rootDir, "/"
	fs.lastAlloc = 1
	fs.fsInfoValid = info.FSInfoSector != 0
	fs.files = make(map[*File]struct{})
	fs.mountID++
	fs.mounted = true

	fs.log.WithFields(log.Fields{
		"type":     info.FSType,
		"clusters": info.ClusterCount,
		"cluster":  info.ClusterSize(),
		"start":    info.VolumeStart,
		"label":    info.Label,
	}).Debug("mounted volume")
	return nil
}

// Unmount closes all open files and writes every dirty buffer back.
// Handles of the volume fail with ErrNotMounted afterwards.
// If anything could not be written the FS stays mounted and the error is
// returned, so Unmount may be retried.
func (fs *FS) Unmount() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return ErrNotMounted
	}

	var firstErr error
	for f := range fs.files {
		if err := fs.closeFile(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := fs.cache.flush(fs.fat); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := fs.cache.flush(fs.global); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		fs.log.WithError(firstErr).Warn("unmount incomplete")
		return firstErr
	}

	fs.mounted = false
	fs.files = nil
	fs.log.WithFields(log.Fields{
		"loads":    fs.cache.loads,
		"switches": fs.cache.switches,
	}).Debug("unmounted volume")
	return nil
}

// Mounted reports whether the volume is mounted.
func (fs *FS) Mounted() bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.mounted
}

// Info returns the geometry of the mounted volume.
func (fs *FS) Info() (Info, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return Info{}, ErrNotMounted
	}
	return fs.info, nil
}

// Chdir changes the working directory. Relative paths of all other
// operations start there. On failure the working directory is unchanged.
func (fs *FS) Chdir(p string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return ErrNotMounted
	}

	dir, wd, err := fs.resolveDir(p)
	if err != nil {
		return err
	}

	fs.cwd, fs.cwdPath = dir, wd
	return nil
}

// Getwd returns the absolute path of the working directory.
func (fs *FS) Getwd() (string, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return "", ErrNotMounted
	}
	return fs.cwdPath, nil
}

// isDirPath reports whether the last element of p always names a directory.
func isDirPath(name string) bool {
	return name == "" || name == "." || name == ".."
}

// Stat returns the FileInfo of the file or directory at p.
func (fs *FS) Stat(p string) (os.FileInfo, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return nil, ErrNotMounted
	}

	dirPath, name := splitPath(p)
	if isDirPath(name) {
		_, wd, err := fs.resolveDir(p)
		if err != nil {
			return nil, err
		}
		return dirFileInfo(wd), nil
	}

	entry, err := fs.lookup(dirPath, name)
	if err != nil {
		return nil, err
	}

	// A writer may not have updated the entry yet.
	for f := range fs.files {
		if !f.isDirectory && f.mode.writable() && f.entryLBA == entry.lba && f.entryOffset == entry.offset {
			return f.fileInfo(), nil
		}
	}
	return entryFileInfo(entry.EntryHeader), nil
}

// ReadDir returns the entries of the directory at p.
func (fs *FS) ReadDir(p string) ([]os.FileInfo, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return nil, ErrNotMounted
	}

	dir, _, err := fs.resolveDir(p)
	if err != nil {
		return nil, err
	}

	entries, err := fs.readDir(dir)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, len(entries))
	for i, entry := range entries {
		result[i] = entryFileInfo(entry)
	}
	return result, nil
}

// lookup finds the entry name in the directory dirPath.
func (fs *FS) lookup(dirPath, name string) (dirEntry, error) {
	dir, _, err := fs.resolveDir(dirPath)
	if err != nil {
		return dirEntry{}, err
	}

	short, err := shortName(name)
	if err != nil {
		return dirEntry{}, err
	}
	return fs.find(dir, short)
}

// Open opens the file at p. ModeRead fails with ErrNotFound for missing
// files, the other modes create them.
//
// A file may be opened several times for reading, but a writable handle
// excludes every other handle of the same file. With BufferDedicated at most
// Config.MaxOpenFiles files may be open. Both conflicts are reported as
// ErrAlreadyOpenConflict.
//
// Directories can be opened with ModeRead to list them with Readdir.
func (fs *FS) Open(p string, mode Mode) (*File, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return nil, ErrNotMounted
	}
	if mode > ModeAppend {
		return nil, checkpoint.Wrap(fmt.Errorf("invalid mode %v", mode), ErrNotSupported)
	}

	dirPath, name := splitPath(p)
	if isDirPath(name) {
		if mode.writable() {
			return nil, checkpoint.Wrap(fmt.Errorf("%q", p), ErrIsDirectory)
		}
		dir, wd, err := fs.resolveDir(p)
		if err != nil {
			return nil, err
		}
		return fs.openDir(dir, wd, EntryHeader{}), nil
	}

	dir, wd, err := fs.resolveDir(dirPath)
	if err != nil {
		return nil, err
	}
	short, err := shortName(name)
	if err != nil {
		return nil, err
	}

	entry, err := fs.find(dir, short)
	exists := err == nil
	switch {
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	case !exists && !mode.writable():
		return nil, err
	}

	if exists && entry.IsDir() {
		if mode.writable() {
			return nil, checkpoint.Wrap(fmt.Errorf("%q", p), ErrIsDirectory)
		}
		return fs.openDir(entry.Cluster(), joinPath(wd, displayName(entry.Name)), entry.EntryHeader), nil
	}

	if exists {
		if err := fs.checkConflict(entry, mode); err != nil {
			return nil, err
		}
	}

	var buf *Buffer
	if fs.cfg.Buffering == BufferGlobal {
		buf = fs.global
	} else {
		if fs.openDataFiles() >= fs.cfg.MaxOpenFiles {
			return nil, checkpoint.Wrap(fmt.Errorf("all %d file buffers in use", fs.cfg.MaxOpenFiles), ErrAlreadyOpenConflict)
		}
		buf = newBuffer(false)
	}

	if !exists {
		if entry, err = fs.createEntry(dir, short, AttrArchive); err != nil {
			return nil, err
		}
	}

	f := &File{
		fs:           fs,
		mountID:      fs.mountID,
		name:         joinPath(wd, displayName(entry.Name)),
		mode:         mode,
		entryLBA:     entry.lba,
		entryOffset:  entry.offset,
		header:       entry.EntryHeader,
		firstCluster: entry.Cluster(),
		size:         entry.FileSize,
		buf:          buf,
		open:         true,
		entryDirty:   !exists,
	}
	if mode == ModeAppend {
		f.offset = f.size
	}
	fs.files[f] = struct{}{}

	fs.log.WithFields(log.Fields{
		"name": f.name,
		"mode": mode,
		"size": f.size,
	}).Debug("opened file")
	return f, nil
}

func (fs *FS) openDir(cluster uint32, name string, header EntryHeader) *File {
	f := &File{
		fs:          fs,
		mountID:     fs.mountID,
		name:        name,
		mode:        ModeRead,
		isDirectory: true,
		dirCluster:  cluster,
		header:      header,
		open:        true,
	}
	fs.files[f] = struct{}{}
	return f
}

// checkConflict enforces one writer or many readers per file.
func (fs *FS) checkConflict(entry dirEntry, mode Mode) error {
	for other := range fs.files {
		if other.isDirectory || other.entryLBA != entry.lba || other.entryOffset != entry.offset {
			continue
		}
		if mode.writable() || other.mode.writable() {
			return checkpoint.Wrap(fmt.Errorf("%q is open with mode %v", other.name, other.mode), ErrAlreadyOpenConflict)
		}
	}
	return nil
}

func (fs *FS) openDataFiles() int {
	count := 0
	for f := range fs.files {
		if !f.isDirectory {
			count++
		}
	}
	return count
}

// closeFile writes back everything the file changed. If its data cannot be
// written the file stays open with its buffer dirty. A failure to update
// the directory entry is returned but the file is closed anyway, its entry
// may then be stale. Read only files are only released.
func (fs *FS) closeFile(f *File) error {
	var entryErr error
	if !f.isDirectory && f.mode.writable() {
		if err := fs.cache.flush(f.buf); err != nil {
			return err
		}
		if err := fs.cache.flush(fs.fat); err != nil {
			return err
		}
		entryErr = f.writeEntry()
	}
	if !f.isDirectory {
		fs.cache.release(f.buf, f)
	}

	f.open = false
	delete(fs.files, f)

	if entryErr != nil {
		fs.log.WithError(entryErr).WithField("name", f.name).Warn("directory entry may be stale")
		return entryErr
	}
	fs.log.WithField("name", f.name).Debug("closed file")
	return nil
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
