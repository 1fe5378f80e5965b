package sdfat

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/spf13/afero"
)

// maxFileSize is the largest size a directory entry can store.
const maxFileSize = 0xFFFFFFFF

var _ afero.File = (*File)(nil)

// File is an open file or directory of an FS.
// Data is only read and written through the sector buffer of the file, so
// written data reaches the device when the buffer moves to another sector,
// on Sync and on Close.
type File struct {
	fs      *FS
	mountID uint32
	name    string
	mode    Mode
	open    bool

	isDirectory bool
	dirCluster  uint32
	dirOffset   int

	entryLBA    uint32
	entryOffset uint32
	header      EntryHeader
	// entryDirty is set if size or first cluster differ from the directory entry.
	entryDirty bool

	firstCluster uint32
	size         uint32
	offset       uint32

	// cluster is the cluster with index clusterIndex in the chain of the
	// file. It caches the position so sequential access does not walk the
	// chain again. 0 means unknown.
	cluster      uint32
	clusterIndex uint32

	buf *Buffer
}

// check makes sure the handle can be used. The FS lock has to be held.
func (f *File) check() error {
	if !f.fs.mounted || f.mountID != f.fs.mountID {
		return ErrNotMounted
	}
	if !f.open {
		return ErrFileClosed
	}
	return nil
}

func (f *File) checkData() error {
	if err := f.check(); err != nil {
		return err
	}
	if f.isDirectory {
		return checkpoint.Wrap(fmt.Errorf("%q", f.name), ErrIsDirectory)
	}
	return nil
}

func (f *File) checkWrite() error {
	if err := f.checkData(); err != nil {
		return err
	}
	if !f.mode.writable() {
		return checkpoint.Wrap(fmt.Errorf("%q", f.name), ErrReadOnly)
	}
	return nil
}

// locate returns the lba of the sector holding the byte at the current
// offset. With extend set, missing clusters are allocated; otherwise a chain
// shorter than the file size is reported as corrupt.
func (f *File) locate(extend bool) (uint32, error) {
	fs := f.fs
	clusterSize := fs.info.ClusterSize()
	index := f.offset / clusterSize

	if f.firstCluster == 0 {
		if !extend {
			return 0, checkpoint.Wrap(fmt.Errorf("%q has size %d but no cluster", f.name, f.size), ErrCorruptFilesystem)
		}

		cluster, err := fs.allocCluster(0)
		if err != nil {
			return 0, err
		}
		f.firstCluster = cluster
		f.cluster, f.clusterIndex = cluster, 0
		f.entryDirty = true
	}

	if f.cluster == 0 || index < f.clusterIndex {
		f.cluster, f.clusterIndex = f.firstCluster, 0
	}

	for f.clusterIndex < index {
		next, err := fs.nextCluster(f.cluster)
		if err == ErrEndOfChain {
			if !extend {
				return 0, checkpoint.Wrap(fmt.Errorf("chain of %q ends before offset %d", f.name, f.offset), ErrCorruptFilesystem)
			}
			next, err = fs.allocCluster(f.cluster)
		}
		if err != nil {
			return 0, err
		}

		f.cluster = next
		f.clusterIndex++
	}

	sector := f.offset % clusterSize / SectorSize
	return fs.info.clusterLBA(f.cluster) + sector, nil
}

func (f *File) read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if f.offset >= f.size {
			if n == 0 {
				return 0, io.EOF
			}
			break
		}

		lba, err := f.locate(false)
		if err != nil {
			return n, err
		}
		if err := f.fs.cache.fetch(f.buf, lba); err != nil {
			return n, err
		}
		f.fs.cache.acquire(f.buf, f)

		start := f.offset % SectorSize
		chunk := minUint32(SectorSize-start, f.size-f.offset, uint32(len(p)-n))
		copy(p[n:], f.buf.data[start:start+chunk])

		n += int(chunk)
		f.offset += chunk
	}
	return n, nil
}

func (f *File) write(p []byte) (int, error) {
	if f.mode == ModeAppend {
		f.offset = f.size
	}

	n := 0
	for n < len(p) {
		if f.offset == maxFileSize {
			return n, checkpoint.Wrap(fmt.Errorf("%q reached the maximum file size", f.name), ErrDeviceFull)
		}

		lba, err := f.locate(true)
		if err != nil {
			return n, err
		}

		start := f.offset % SectorSize
		chunk := minUint32(SectorSize-start, maxFileSize-f.offset, uint32(len(p)-n))
		src := p[n : n+int(chunk)]
		err = f.fs.cache.modify(f.buf, lba, func(data []byte) {
			copy(data[start:], src)
		})
		if err != nil {
			return n, err
		}
		f.fs.cache.acquire(f.buf, f)

		n += int(chunk)
		f.offset += chunk
		if f.offset > f.size {
			f.size = f.offset
			f.entryDirty = true
		}
	}
	return n, nil
}

func minUint32(values ...uint32) uint32 {
	result := values[0]
	for _, v := range values[1:] {
		if v < result {
			result = v
		}
	}
	return result
}

// ReadByte reads the byte at the current position.
// It returns io.EOF once all bytes have been read.
func (f *File) ReadByte() (byte, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkData(); err != nil {
		return 0, err
	}

	var b [1]byte
	if _, err := f.read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes one byte at the current position, which may extend the file.
func (f *File) WriteByte(c byte) error {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkWrite(); err != nil {
		return err
	}

	_, err := f.write([]byte{c})
	return err
}

func (f *File) Read(p []byte) (int, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkData(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	return f.read(p)
}

// ReadAt reads from off without moving the current position.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkData(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, checkpoint.Wrap(fmt.Errorf("offset %d", off), afero.ErrOutOfRange)
	}
	if off >= int64(f.size) {
		return 0, io.EOF
	}

	saved := f.offset
	f.offset = uint32(off)
	n, err := f.read(p)
	f.offset = saved

	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	return f.write(p)
}

// WriteAt writes at off without moving the current position. off must not
// be behind the end of the file. In ModeAppend it writes to the end like Write.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if off < 0 || off > int64(f.size) {
		return 0, checkpoint.Wrap(fmt.Errorf("offset %d, size %d", off, f.size), afero.ErrOutOfRange)
	}

	saved := f.offset
	f.offset = uint32(off)
	n, err := f.write(p)
	f.offset = saved
	return n, err
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// EOF reports whether the current position is at the end of the file.
func (f *File) EOF() bool {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	return f.offset >= f.size
}

// Seek jumps to a specific offset in the file. This affects all Read and
// Write operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkData(); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += int64(f.offset)
	case io.SeekEnd:
		offset += int64(f.size)
	default:
		return 0, checkpoint.Wrap(fmt.Errorf("offset: %v, whence: %v", offset, whence), syscall.EINVAL)
	}

	if offset < 0 || offset > int64(f.size) {
		return 0, checkpoint.Wrap(fmt.Errorf("offset: %v, size: %v", offset, f.size), afero.ErrOutOfRange)
	}

	f.offset = uint32(offset)
	return offset, nil
}

// writeEntry stores size and first cluster in the directory entry and
// writes the entry sector.
func (f *File) writeEntry() error {
	if !f.entryDirty {
		return nil
	}

	fs := f.fs
	now := fs.now()
	h, err := fs.updateEntry(f.entryLBA, f.entryOffset, func(h *EntryHeader) {
		h.FileSize = f.size
		h.SetCluster(f.firstCluster)
		h.Attribute |= AttrArchive
		h.WriteTime = FormatTime(now)
		h.WriteDate = FormatDate(now)
		h.LastAccessDate = FormatDate(now)
	})
	if err != nil {
		return err
	}
	f.header = h

	if err := fs.cache.flush(fs.global); err != nil {
		return err
	}
	f.entryDirty = false
	return nil
}

// Sync writes the data, the FAT and the directory entry of the file to the device.
func (f *File) Sync() error {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.check(); err != nil {
		return err
	}
	if f.isDirectory {
		return nil
	}

	if err := f.fs.cache.flush(f.buf); err != nil {
		return err
	}
	if err := f.fs.cache.flush(f.fs.fat); err != nil {
		return err
	}
	return f.writeEntry()
}

// Close writes back everything the file changed and releases its buffer.
// If the data cannot be written the file stays open, so Close may be retried.
func (f *File) Close() error {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.check(); err != nil {
		return err
	}
	return f.fs.closeFile(f)
}

// Truncate only supports cutting a file to size 0, or keeping its size.
// The current position moves to the new end if it was behind it.
func (f *File) Truncate(size int64) error {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.checkWrite(); err != nil {
		return err
	}
	if size == int64(f.size) {
		return nil
	}
	if size != 0 {
		return checkpoint.Wrap(fmt.Errorf("truncate %q to %d", f.name, size), ErrNotSupported)
	}
	if f.firstCluster == 0 {
		f.size, f.offset = 0, 0
		f.entryDirty = true
		return nil
	}

	// The buffer may hold a sector of the clusters which get freed.
	fs := f.fs
	if err := fs.cache.flush(f.buf); err != nil {
		return err
	}
	f.buf.current = noSector

	if err := fs.freeChain(f.firstCluster); err != nil {
		return err
	}

	f.firstCluster = 0
	f.cluster, f.clusterIndex = 0, 0
	f.size, f.offset = 0, 0
	f.entryDirty = true
	return nil
}

func (f *File) Name() string {
	return f.name
}

// fileInfo describes the file with its current size.
func (f *File) fileInfo() os.FileInfo {
	if f.isDirectory {
		if f.header.Name[0] == 0 {
			return dirFileInfo(f.name)
		}
		return entryFileInfo(f.header)
	}

	h := f.header
	h.FileSize = f.size
	h.SetCluster(f.firstCluster)
	return entryFileInfo(h)
}

func (f *File) Stat() (os.FileInfo, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.check(); err != nil {
		return nil, err
	}
	return f.fileInfo(), nil
}

// Readdir reads the contents of a directory.
// May return ErrNotDirectory if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if err := f.check(); err != nil {
		return nil, err
	}
	if !f.isDirectory {
		return nil, checkpoint.Wrap(fmt.Errorf("%q", f.name), ErrNotDirectory)
	}

	content, err := f.fs.readDir(f.dirCluster)
	if err != nil {
		return nil, err
	}

	if f.dirOffset > len(content) {
		f.dirOffset = len(content)
	}
	content = content[f.dirOffset:]

	if count > 0 {
		if len(content) == 0 {
			return nil, io.EOF
		}
		if len(content) > count {
			content = content[:count]
		}
	}
	f.dirOffset += len(content)

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = entryFileInfo(content[i])
	}
	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}
	return names, nil
}
