// Package spi describes the byte transport an SD card is attached to.
//
// The transport only moves bits. Framing, retries and timeouts belong to the
// layer above it.
package spi

import "strconv"

// Bus is a half-duplex, non-reentrant SPI-like shifter with one chip select line.
// Generated mock using mockgen:
//  mockgen -source=bus.go -destination=bus_mock.go -package spi
type Bus interface {
	// ChipSelect drives the chip-select strobe. active selects the device.
	ChipSelect(active bool) error

	// ShiftOut clocks out the lowest bits of value, most significant bit first.
	// bits must be a multiple of 8 between 8 and 32.
	ShiftOut(bits uint8, value uint32) error

	// ShiftIn clocks in len(dst) bytes as words of the given bit width.
	// The device sees 0xFF on its input while reading.
	ShiftIn(bits uint8, dst []byte) error

	// WaitReady blocks until the last transfer has left the shifter.
	WaitReady() error
}

// ErrorCode is an error of the transport layer.
// All codes lie in [BeginError, EndError).
type ErrorCode int

const (
	BeginError ErrorCode = 1

	// ErrInvalidWordSize is returned for word sizes the shifter does not support.
	ErrInvalidWordSize ErrorCode = BeginError + iota - 1
	// ErrInvalidLength is returned if a ShiftIn buffer is not a multiple of the word size.
	ErrInvalidLength
	// ErrTransfer is returned if the bus hardware reports a failed transfer.
	ErrTransfer

	EndError ErrorCode = 16
)

var errorNames = map[ErrorCode]string{
	ErrInvalidWordSize: "invalid word size",
	ErrInvalidLength:   "buffer length is not a multiple of the word size",
	ErrTransfer:        "transfer failed",
}

func (e ErrorCode) Error() string {
	if name, ok := errorNames[e]; ok {
		return "spi: " + name
	}
	return "spi: error " + strconv.Itoa(int(e))
}

// Code returns the numeric value of the error.
func (e ErrorCode) Code() int {
	return int(e)
}

// IsError reports whether code belongs to the transport range.
func IsError(code int) bool {
	return int(BeginError) <= code && code < int(EndError)
}

// ValidWordSize reports whether bits is a word size a Bus has to support.
func ValidWordSize(bits uint8) bool {
	return bits != 0 && bits <= 32 && bits%8 == 0
}
