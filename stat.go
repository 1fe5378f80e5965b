package sdfat

import (
	"os"
	"time"
)

func entryFileInfo(h EntryHeader) os.FileInfo {
	return entryHeaderFileInfo{entry: h}
}

// dirFileInfo describes a directory known only by its path, like the root directory.
func dirFileInfo(p string) os.FileInfo {
	name := p
	if p != "/" {
		_, name = splitPath(p)
	}
	return entryHeaderFileInfo{
		entry: EntryHeader{Attribute: AttrDirectory},
		name:  name,
	}
}

type entryHeaderFileInfo struct {
	entry EntryHeader
	// name replaces the 8.3 name of entry if set.
	name string
}

func (e entryHeaderFileInfo) Name() string {
	if e.name != "" {
		return e.name
	}
	return displayName(e.entry.Name)
}

func (e entryHeaderFileInfo) Size() int64 {
	if e.IsDir() {
		return 0
	}
	return int64(e.entry.FileSize)
}

func (e entryHeaderFileInfo) Mode() os.FileMode {
	perm := os.FileMode(0666)
	if e.entry.Attribute&AttrReadOnly != 0 {
		perm = 0444
	}

	if e.IsDir() {
		return os.ModeDir | perm | 0111
	}
	return perm
}

func (e entryHeaderFileInfo) ModTime() time.Time {
	writeDate := ParseDate(e.entry.WriteDate)
	writeTime := ParseTime(e.entry.WriteTime)

	// If the date IsZero() it contained any invalid value in which case we return time.Time{}.
	// For writeTime we cannot do that because writeTime.IsZero() is perfectly valid.
	if writeDate.IsZero() {
		return time.Time{}
	}

	return time.Date(writeDate.Year(), writeDate.Month(), writeDate.Day(), writeTime.Hour(), writeTime.Minute(), writeTime.Second(), 0, time.UTC)
}

func (e entryHeaderFileInfo) IsDir() bool {
	return e.entry.IsDir()
}

// Sys returns the EntryHeader.
func (e entryHeaderFileInfo) Sys() interface{} {
	return e.entry
}
