package sdfat

import (
	"errors"
	"os"
	"strconv"

	"github.com/aligator/sdfat/sd"
)

// ErrorCode is an error of the filesystem layer.
// The codes lie in [BeginError, EndError) which directly follows the range of
// the sd package, which itself follows the spi package. A caller can
// therefore tell the originating layer of any error by comparing its code.
type ErrorCode int

const (
	BeginError = ErrorCode(sd.EndError)

	// ErrNotFatFormatted is returned by Mount if the device holds no usable FAT volume.
	ErrNotFatFormatted ErrorCode = BeginError + iota - 1
	// ErrPathNotFound is returned if a directory of a path does not exist.
	ErrPathNotFound
	// ErrNotFound is returned if a file does not exist.
	ErrNotFound
	// ErrAlreadyOpenConflict is returned if the buffer configuration cannot serve another open file.
	ErrAlreadyOpenConflict
	// ErrDeviceFull is returned if no free cluster or directory slot is left.
	ErrDeviceFull
	// ErrNotMounted is returned for every operation outside of a mounted volume.
	ErrNotMounted
	// ErrAlreadyMounted is returned by Mount on a mounted FS.
	ErrAlreadyMounted
	// ErrReadOnly is returned when writing to a file opened with ModeRead.
	ErrReadOnly
	// ErrFileClosed is returned for operations on a closed File.
	ErrFileClosed
	// ErrInvalidName is returned for names which are no valid 8.3 names.
	ErrInvalidName
	// ErrIsDirectory is returned when byte access is attempted on a directory.
	ErrIsDirectory
	// ErrNotDirectory is returned when a directory operation is attempted on a file.
	ErrNotDirectory
	// ErrCorruptFilesystem is returned when a cluster chain points outside of the volume or into free space.
	ErrCorruptFilesystem
	// ErrNotSupported is returned for operations this filesystem does not implement.
	ErrNotSupported

	EndError ErrorCode = 96
)

// ErrEndOfChain is returned by nextCluster for the last cluster of a chain.
// It is a sentinel, not a failure.
var ErrEndOfChain = errors.New("end of cluster chain")

var errorNames = map[ErrorCode]string{
	ErrNotFatFormatted:     "not FAT formatted",
	ErrPathNotFound:        "path not found",
	ErrNotFound:            "file not found",
	ErrAlreadyOpenConflict: "conflicts with an open file",
	ErrDeviceFull:          "device full",
	ErrNotMounted:          "not mounted",
	ErrAlreadyMounted:      "already mounted",
	ErrReadOnly:            "file is read only",
	ErrFileClosed:          "file already closed",
	ErrInvalidName:         "invalid 8.3 name",
	ErrIsDirectory:         "is a directory",
	ErrNotDirectory:        "not a directory",
	ErrCorruptFilesystem:   "corrupt filesystem",
	ErrNotSupported:        "not supported",
}

func (e ErrorCode) Error() string {
	if name, ok := errorNames[e]; ok {
		return "sdfat: " + name
	}
	return "sdfat: error " + strconv.Itoa(int(e))
}

// Code returns the numeric value of the error.
func (e ErrorCode) Code() int {
	return int(e)
}

// Is lets errors.Is(err, os.ErrNotExist) and errors.Is(err, os.ErrClosed)
// match the equivalent codes.
func (e ErrorCode) Is(target error) bool {
	switch target {
	case os.ErrNotExist:
		return e == ErrNotFound || e == ErrPathNotFound
	case os.ErrClosed:
		return e == ErrFileClosed
	}
	return false
}

// IsError reports whether code belongs to the filesystem range.
func IsError(code int) bool {
	return int(BeginError) <= code && code < int(EndError)
}

type coder interface {
	Code() int
}

// Code returns the numeric code carried by err, searching the whole wrap
// chain. The filesystem forwards errors of lower layers unchanged, so the
// result identifies the layer the failure originated in.
// ok is false if err carries no code, e.g. io.EOF.
func Code(err error) (code int, ok bool) {
	var c coder
	if errors.As(err, &c) {
		return c.Code(), true
	}
	return 0, false
}
