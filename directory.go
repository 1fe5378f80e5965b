package sdfat

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aligator/sdfat/checkpoint"
)

// rootDir is the cluster number used for the root directory, also on FAT32
// where the root directory has a real cluster chain.
const rootDir = 0

// dirEntry is a decoded directory entry together with its location on disk.
type dirEntry struct {
	EntryHeader
	lba    uint32
	offset uint32
}

// validShortChars contains all non alphanumeric characters allowed in 8.3 names.
const validShortChars = "!#$%&'()-@^_`{}~"

func isValidShortChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || strings.IndexByte(validShortChars, c) >= 0
}

// shortName converts a name to the padded upper case form stored in
// directory entries. Names which do not fit into 8.3 are rejected.
func shortName(name string) ([11]byte, error) {
	result := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	switch name {
	case ".":
		result[0] = '.'
		return result, nil
	case "..":
		result[0], result[1] = '.', '.'
		return result, nil
	}

	upper := strings.ToUpper(name)
	base, ext := upper, ""
	if i := strings.LastIndexByte(upper, '.'); i >= 0 {
		base, ext = upper[:i], upper[i+1:]
	}

	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return result, checkpoint.Wrap(fmt.Errorf("%q", name), ErrInvalidName)
	}

	for i := 0; i < len(base); i++ {
		if !isValidShortChar(base[i]) {
			return result, checkpoint.Wrap(fmt.Errorf("%q contains %q", name, base[i]), ErrInvalidName)
		}
		result[i] = base[i]
	}
	for i := 0; i < len(ext); i++ {
		if !isValidShortChar(ext[i]) {
			return result, checkpoint.Wrap(fmt.Errorf("%q contains %q", name, ext[i]), ErrInvalidName)
		}
		result[8+i] = ext[i]
	}
	return result, nil
}

// displayName converts a stored 8.3 name back to "NAME.EXT".
func displayName(raw [11]byte) string {
	if raw[0] == entryKanjiE5 {
		raw[0] = entryDeleted
	}

	name := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:]), " ")
	if ext != "" {
		name += "." + ext
	}
	return name
}

// visible reports whether a used slot is a regular file or directory entry.
// Long name parts and the volume label are skipped.
func visible(slot []byte) bool {
	attr := slot[11]
	return attr&AttrLongName != AttrLongName && attr&AttrVolumeID == 0
}

// dirSectors calls fn for every sector of the directory until fn returns
// true or the directory ends.
func (fs *FS) dirSectors(dir uint32, fn func(lba uint32) (bool, error)) error {
	if dir == rootDir && fs.info.FSType != FAT32 {
		for i := uint32(0); i < fs.info.RootDirSectors; i++ {
			if stop, err := fn(fs.info.RootDirStart + i); stop || err != nil {
				return err
			}
		}
		return nil
	}

	cluster := dir
	if cluster == rootDir {
		cluster = fs.info.RootCluster
	}

	for {
		lba := fs.info.clusterLBA(cluster)
		for i := uint32(0); i < uint32(fs.info.SectorsPerCluster); i++ {
			if stop, err := fn(lba + i); stop || err != nil {
				return err
			}
		}

		next, err := fs.nextCluster(cluster)
		if err == ErrEndOfChain {
			return nil
		}
		if err != nil {
			return err
		}
		cluster = next
	}
}

// scanDir calls fn with every 32 byte slot of the directory until fn returns
// true. The slot is only valid during the call.
func (fs *FS) scanDir(dir uint32, fn func(slot []byte, lba, offset uint32) bool) error {
	return fs.dirSectors(dir, func(lba uint32) (bool, error) {
		if err := fs.cache.fetch(fs.global, lba); err != nil {
			return true, err
		}

		for offset := uint32(0); offset < SectorSize; offset += entrySize {
			if fn(fs.global.data[offset:offset+entrySize], lba, offset) {
				return true, nil
			}
		}
		return false, nil
	})
}

// find searches the directory for name, ignoring the case.
// It returns ErrNotFound if there is no such entry.
func (fs *FS) find(dir uint32, name [11]byte) (dirEntry, error) {
	var result dirEntry
	found := false

	err := fs.scanDir(dir, func(slot []byte, lba, offset uint32) bool {
		switch slot[0] {
		case entryEnd:
			return true
		case entryDeleted:
			return false
		}
		if !visible(slot) {
			return false
		}

		var stored [11]byte
		copy(stored[:], slot)
		if stored[0] == entryKanjiE5 {
			stored[0] = entryDeleted
		}
		if !bytes.EqualFold(stored[:], name[:]) {
			return false
		}

		result = dirEntry{
			EntryHeader: decodeEntry(slot),
			lba:         lba,
			offset:      offset,
		}
		found = true
		return true
	})
	if err != nil {
		return dirEntry{}, err
	}
	if !found {
		return dirEntry{}, checkpoint.Wrap(fmt.Errorf("%q", displayName(name)), ErrNotFound)
	}
	return result, nil
}

// readDir returns all visible entries of the directory except "." and "..".
func (fs *FS) readDir(dir uint32) ([]EntryHeader, error) {
	var entries []EntryHeader
	err := fs.scanDir(dir, func(slot []byte, lba, offset uint32) bool {
		switch slot[0] {
		case entryEnd:
			return true
		case entryDeleted, '.':
			return false
		}
		if visible(slot) {
			entries = append(entries, decodeEntry(slot))
		}
		return false
	})
	return entries, err
}

// resolveDir walks p starting at the working directory, or at the root
// directory if p is absolute. It returns the cluster and the clean absolute
// path of the directory.
func (fs *FS) resolveDir(p string) (uint32, string, error) {
	dir, wd := fs.cwd, fs.cwdPath
	if strings.HasPrefix(p, "/") {
		dir, wd = rootDir, "/"
	}

	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if dir == rootDir {
				continue
			}
		}

		name, err := shortName(part)
		if err != nil {
			return 0, "", checkpoint.Wrap(err, ErrPathNotFound)
		}

		entry, err := fs.find(dir, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return 0, "", checkpoint.Wrap(fmt.Errorf("%q in %q", part, wd), ErrPathNotFound)
			}
			return 0, "", err
		}
		if !entry.IsDir() {
			return 0, "", checkpoint.Wrap(fmt.Errorf("%q in %q is a file", part, wd), ErrPathNotFound)
		}

		dir = entry.Cluster()
		if part == ".." {
			wd = path.Dir(wd)
		} else {
			wd = path.Join(wd, displayName(entry.Name))
		}
	}

	return dir, wd, nil
}

// splitPath separates the directory part of p from the last element.
func splitPath(p string) (string, string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// lastCluster follows the chain to its last cluster.
func (fs *FS) lastCluster(cluster uint32) (uint32, error) {
	for {
		next, err := fs.nextCluster(cluster)
		if err == ErrEndOfChain {
			return cluster, nil
		}
		if err != nil {
			return 0, err
		}
		cluster = next
	}
}

// createEntry adds an empty entry to the directory. The first deleted or
// never used slot is taken. If there is none, a directory with a cluster
// chain grows by one zeroed cluster while the fixed root directory of
// FAT12 and FAT16 is full.
func (fs *FS) createEntry(dir uint32, name [11]byte, attr byte) (dirEntry, error) {
	var lba, offset uint32
	found := false
	err := fs.scanDir(dir, func(slot []byte, l, o uint32) bool {
		if slot[0] == entryEnd || slot[0] == entryDeleted {
			lba, offset, found = l, o, true
			return true
		}
		return false
	})
	if err != nil {
		return dirEntry{}, err
	}

	if !found {
		if dir == rootDir && fs.info.FSType != FAT32 {
			return dirEntry{}, checkpoint.Wrap(fmt.Errorf("root directory has no free entry"), ErrDeviceFull)
		}

		first := dir
		if first == rootDir {
			first = fs.info.RootCluster
		}
		last, err := fs.lastCluster(first)
		if err != nil {
			return dirEntry{}, err
		}
		cluster, err := fs.allocCluster(last)
		if err != nil {
			return dirEntry{}, err
		}
		if err := fs.zeroCluster(cluster); err != nil {
			return dirEntry{}, err
		}
		lba, offset = fs.info.clusterLBA(cluster), 0
	}

	now := fs.now()
	entry := dirEntry{
		EntryHeader: EntryHeader{
			Name:           name,
			Attribute:      attr,
			CreateTime:     FormatTime(now),
			CreateDate:     FormatDate(now),
			LastAccessDate: FormatDate(now),
			WriteTime:      FormatTime(now),
			WriteDate:      FormatDate(now),
		},
		lba:    lba,
		offset: offset,
	}
	if entry.Name[0] == entryDeleted {
		entry.Name[0] = entryKanjiE5
	}

	err = fs.cache.modify(fs.global, lba, func(data []byte) {
		entry.encode(data[offset:])
	})
	if err != nil {
		return dirEntry{}, err
	}

	fs.log.WithField("name", displayName(name)).Debug("created directory entry")
	return entry, nil
}

// updateEntry rewrites the entry at lba and offset with the result of fn.
func (fs *FS) updateEntry(lba, offset uint32, fn func(h *EntryHeader)) (EntryHeader, error) {
	var h EntryHeader
	err := fs.cache.modify(fs.global, lba, func(data []byte) {
		h = decodeEntry(data[offset:])
		fn(&h)
		h.encode(data[offset:])
	})
	return h, err
}
