package sd

import (
	"strconv"

	"github.com/aligator/sdfat/spi"
)

// ErrorCode is an error of the block device layer.
// All codes lie in [BeginError, EndError) which directly follows the spi range.
type ErrorCode int

const (
	BeginError = ErrorCode(spi.EndError)

	// ErrDeviceTimeout is returned when the card does not answer or stays busy
	// for more than the configured number of polls.
	ErrDeviceTimeout ErrorCode = BeginError + iota - 1
	// ErrWriteFailed is returned when a sector could not be persisted.
	ErrWriteFailed
	// ErrReadFailed is returned when the card rejects a read or sends an error token.
	ErrReadFailed
	// ErrInvalidResponse is returned when the card answers the init sequence unexpectedly.
	ErrInvalidResponse
	// ErrNotStarted is returned for block access before Start succeeded.
	ErrNotStarted
	// ErrAddressOutOfRange is returned for an LBA past the end of the device.
	ErrAddressOutOfRange
	// ErrInvalidBuffer is returned if a block buffer is not exactly BlockSize bytes.
	ErrInvalidBuffer

	EndError ErrorCode = 48
)

var errorNames = map[ErrorCode]string{
	ErrDeviceTimeout:     "device timeout",
	ErrWriteFailed:       "write failed",
	ErrReadFailed:        "read failed",
	ErrInvalidResponse:   "invalid response",
	ErrNotStarted:        "card not started",
	ErrAddressOutOfRange: "address out of range",
	ErrInvalidBuffer:     "invalid block buffer",
}

func (e ErrorCode) Error() string {
	if name, ok := errorNames[e]; ok {
		return "sd: " + name
	}
	return "sd: error " + strconv.Itoa(int(e))
}

// Code returns the numeric value of the error.
func (e ErrorCode) Code() int {
	return int(e)
}

// IsError reports whether code belongs to the block device range.
func IsError(code int) bool {
	return int(BeginError) <= code && code < int(EndError)
}
