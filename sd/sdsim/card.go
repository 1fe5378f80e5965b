// Package sdsim emulates the SPI side of an SD card on top of an image file.
// It is used to exercise the sd driver without hardware.
package sdsim

import (
	"encoding/binary"
	"fmt"

	"github.com/aligator/sdfat/spi"
	"github.com/spf13/afero"
)

const blockSize = 512

// R1 response bits.
const (
	r1Idle         = 0x01
	r1Illegal      = 0x04
	r1AddressError = 0x20
	r1ParamError   = 0x40
)

const (
	dataAccepted   = 0x05
	dataWriteError = 0x0D
	tokenStart     = 0xFE
	idle           = 0xFF
)

// Options describe the emulated card.
type Options struct {
	// HighCapacity makes the card use block instead of byte addressing.
	HighCapacity bool
	// Version1 makes the card reject CMD8 like a pre 2.0 card.
	Version1 bool
	// InitPolls is the number of ACMD41 answered with "idle" before the card is ready.
	InitPolls int
	// BusyPolls is the number of busy bytes after each write.
	BusyPolls int
}

type writeState uint8

const (
	writeNone writeState = iota
	writeAwaitToken
	writeData
)

// Card implements spi.Bus.
type Card struct {
	image  afero.File
	blocks uint32
	opts   Options

	selected  bool
	idle      bool
	appCmd    bool
	initPolls int

	cmd []byte
	out []byte

	write     writeState
	writeBuf  []byte
	writeAddr uint32
	busy      int

	// StuckBusy keeps the card busy forever after the next write.
	StuckBusy bool
	// RejectWrites answers every data block with a write error.
	RejectWrites bool
	// Removed makes the card ignore everything, as if it was pulled out.
	Removed bool

	// Reads and Writes count the blocks transferred.
	Reads  int
	Writes int
}

var _ spi.Bus = (*Card)(nil)

// New emulates a card holding the given image. The image size is rounded
// down to whole blocks.
func New(image afero.File, opts Options) (*Card, error) {
	info, err := image.Stat()
	if err != nil {
		return nil, err
	}

	return &Card{
		image:     image,
		blocks:    uint32(info.Size() / blockSize),
		opts:      opts,
		idle:      true,
		initPolls: opts.InitPolls,
	}, nil
}

// ChipSelect implements spi.Bus. Deselecting drops any half received frame.
func (c *Card) ChipSelect(active bool) error {
	c.selected = active
	if !active {
		c.cmd = c.cmd[:0]
		c.out = c.out[:0]
		c.write = writeNone
	}
	return nil
}

// ShiftOut implements spi.Bus.
func (c *Card) ShiftOut(bits uint8, value uint32) error {
	if !spi.ValidWordSize(bits) {
		return spi.ErrInvalidWordSize
	}

	for shift := int(bits) - 8; shift >= 0; shift -= 8 {
		if err := c.receive(byte(value >> uint(shift))); err != nil {
			return err
		}
	}
	return nil
}

// ShiftIn implements spi.Bus.
func (c *Card) ShiftIn(bits uint8, dst []byte) error {
	if !spi.ValidWordSize(bits) {
		return spi.ErrInvalidWordSize
	}
	if len(dst)%int(bits/8) != 0 {
		return spi.ErrInvalidLength
	}

	for i := range dst {
		dst[i] = c.send()
	}
	return nil
}

// WaitReady implements spi.Bus. The emulation is synchronous.
func (c *Card) WaitReady() error {
	return nil
}

// send returns the next byte the card puts on its output line.
func (c *Card) send() byte {
	if c.Removed || !c.selected {
		return idle
	}

	if len(c.out) > 0 {
		b := c.out[0]
		c.out = c.out[1:]
		return b
	}

	if c.busy != 0 {
		if c.busy > 0 {
			c.busy--
		}
		return 0x00
	}

	return idle
}

func (c *Card) receive(b byte) error {
	if c.Removed || !c.selected {
		return nil
	}

	switch c.write {
	case writeAwaitToken:
		if b == tokenStart {
			c.write = writeData
			c.writeBuf = c.writeBuf[:0]
		}
		return nil
	case writeData:
		c.writeBuf = append(c.writeBuf, b)
		// Data plus two CRC bytes.
		if len(c.writeBuf) == blockSize+2 {
			return c.commitWrite()
		}
		return nil
	}

	if len(c.cmd) == 0 && b&0xC0 != 0x40 {
		// Filler between frames.
		return nil
	}

	c.cmd = append(c.cmd, b)
	if len(c.cmd) == 6 {
		c.execute(c.cmd[0]&0x3F, binary.BigEndian.Uint32(c.cmd[1:5]))
		c.cmd = c.cmd[:0]
	}
	return nil
}

func (c *Card) commitWrite() error {
	c.write = writeNone

	if c.RejectWrites {
		c.out = append(c.out[:0], dataWriteError)
		return nil
	}

	if _, err := c.image.WriteAt(c.writeBuf[:blockSize], int64(c.writeAddr)*blockSize); err != nil {
		return fmt.Errorf("%w: %v", spi.ErrTransfer, err)
	}
	c.Writes++

	c.out = append(c.out[:0], dataAccepted)
	c.busy = c.opts.BusyPolls
	if c.StuckBusy {
		c.busy = -1
	}
	return nil
}

// execute answers a complete command frame. Every answer starts with one
// filler byte as a real card needs at least one byte time to respond.
func (c *Card) execute(index byte, arg uint32) {
	c.out = append(c.out[:0], idle)
	appCmd := c.appCmd
	c.appCmd = false

	status := byte(0)
	if c.idle {
		status = r1Idle
	}

	switch {
	case index == 0:
		c.idle = true
		c.initPolls = c.opts.InitPolls
		c.out = append(c.out, r1Idle)

	case index == 8:
		if c.opts.Version1 {
			c.out = append(c.out, status|r1Illegal)
			return
		}
		c.out = append(c.out, status, 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))

	case index == 55:
		c.appCmd = true
		c.out = append(c.out, status)

	case index == 41 && appCmd:
		if c.initPolls > 0 {
			c.initPolls--
		} else {
			c.idle = false
		}
		if c.idle {
			c.out = append(c.out, r1Idle)
		} else {
			c.out = append(c.out, 0x00)
		}

	case index == 58:
		ocr := byte(0x80)
		if c.opts.HighCapacity {
			ocr |= 0x40
		}
		c.out = append(c.out, status, ocr, 0xFF, 0x80, 0x00)

	case index == 16:
		if arg != blockSize {
			c.out = append(c.out, status|r1ParamError)
			return
		}
		c.out = append(c.out, status)

	case index == 17:
		lba, r1 := c.block(arg)
		if r1 != 0 {
			c.out = append(c.out, r1)
			return
		}
		data := make([]byte, blockSize)
		if n, _ := c.image.ReadAt(data, int64(lba)*blockSize); n != blockSize {
			// Start the transfer with an error token.
			c.out = append(c.out, 0x00, idle, 0x01)
			return
		}
		c.Reads++
		c.out = append(c.out, 0x00, idle, tokenStart)
		c.out = append(c.out, data...)
		c.out = append(c.out, 0xFF, 0xFF)

	case index == 24:
		lba, r1 := c.block(arg)
		if r1 != 0 {
			c.out = append(c.out, r1)
			return
		}
		c.writeAddr = lba
		c.write = writeAwaitToken
		c.out = append(c.out, 0x00)

	default:
		c.out = append(c.out, status|r1Illegal)
	}
}

// block validates the address argument of a block command and converts it to an lba.
func (c *Card) block(arg uint32) (uint32, byte) {
	if c.idle {
		return 0, r1Idle | r1Illegal
	}

	lba := arg
	if !c.opts.HighCapacity {
		if arg%blockSize != 0 {
			return 0, r1AddressError
		}
		lba = arg / blockSize
	}

	if lba >= c.blocks {
		return 0, r1ParamError
	}
	return lba, 0
}
