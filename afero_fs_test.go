package sdfat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestAferoFs(t *testing.T) *AferoFs {
	fs, _ := newTestFS(t, geometryFAT16, Config{})
	writeTestFile(t, fs, "HELLO.TXT", []byte("Hello World"))
	writeTestFile(t, fs, "EMPTY", nil)
	mkdir(t, fs, "/", "SUB")
	writeTestFile(t, fs, "SUB/INNER.TXT", testData(1300, 2))
	return NewAferoFs(fs)
}

// TestIOFS tests the use with the afero.IOFS compatibility layer to io.FS.
func TestIOFS(t *testing.T) {
	iofs := afero.IOFS{Fs: newTestAferoFs(t)}
	if err := fstest.TestFS(iofs, "HELLO.TXT", "EMPTY", "SUB/INNER.TXT"); err != nil {
		t.Fatal(err)
	}
}

func TestAferoFs_ReadWriteFile(t *testing.T) {
	a := newTestAferoFs(t)

	data, err := afero.ReadFile(a, "/SUB/INNER.TXT")
	require.NoError(t, err)
	require.Equal(t, testData(1300, 2), data)

	require.NoError(t, afero.WriteFile(a, "NEW.TXT", []byte("a longer content"), 0644))
	require.NoError(t, afero.WriteFile(a, "NEW.TXT", []byte("short"), 0644))

	data, err = afero.ReadFile(a, "NEW.TXT")
	require.NoError(t, err)
	require.Equal(t, []byte("short"), data)
}

func TestAferoFs_OpenFile(t *testing.T) {
	a := newTestAferoFs(t)

	tests := []struct {
		name    string
		path    string
		flag    int
		wantErr error
	}{
		{name: "read existing", path: "HELLO.TXT", flag: os.O_RDONLY},
		{name: "read missing", path: "MISSING", flag: os.O_RDONLY, wantErr: os.ErrNotExist},
		{name: "write missing without create", path: "MISSING", flag: os.O_WRONLY, wantErr: os.ErrNotExist},
		{name: "write existing", path: "HELLO.TXT", flag: os.O_RDWR},
		{name: "exclusive create of existing", path: "HELLO.TXT", flag: os.O_RDWR | os.O_CREATE | os.O_EXCL, wantErr: os.ErrExist},
		{name: "exclusive create", path: "EXCL.TXT", flag: os.O_RDWR | os.O_CREATE | os.O_EXCL},
		{name: "create in missing directory", path: "NODIR/NEW.TXT", flag: os.O_RDWR | os.O_CREATE, wantErr: ErrPathNotFound},
		{name: "append", path: "HELLO.TXT", flag: os.O_WRONLY | os.O_APPEND},
		{name: "open directory", path: "SUB", flag: os.O_RDONLY},
		{name: "write directory", path: "SUB", flag: os.O_RDWR, wantErr: ErrIsDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := a.OpenFile(tt.path, tt.flag, 0644)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil) != (err == nil) {
				t.Errorf("AferoFs.OpenFile() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				var pathErr *os.PathError
				require.True(t, errors.As(err, &pathErr))
				require.Equal(t, tt.path, pathErr.Path)
				return
			}
			require.NoError(t, f.Close())
		})
	}
}

func TestAferoFs_Walk(t *testing.T) {
	a := newTestAferoFs(t)

	var paths []string
	err := afero.Walk(a, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(path))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/EMPTY", "/HELLO.TXT", "/SUB", "/SUB/INNER.TXT"}, paths)
}

func TestAferoFs_NotSupported(t *testing.T) {
	a := newTestAferoFs(t)

	for name, err := range map[string]error{
		"Mkdir":     a.Mkdir("DIR", 0755),
		"MkdirAll":  a.MkdirAll("DIR/SUB", 0755),
		"Remove":    a.Remove("HELLO.TXT"),
		"RemoveAll": a.RemoveAll("SUB"),
		"Rename":    a.Rename("HELLO.TXT", "BYE.TXT"),
		"Chmod":     a.Chmod("HELLO.TXT", 0444),
		"Chown":     a.Chown("HELLO.TXT", 1, 1),
		"Chtimes":   a.Chtimes("HELLO.TXT", testNow(), testNow()),
	} {
		require.True(t, errors.Is(err, ErrNotSupported), "%s returned %v", name, err)
	}

	require.Equal(t, "sdfat", a.Name())
}
