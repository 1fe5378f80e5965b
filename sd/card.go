// Package sd talks to an SD card in SPI mode and exposes it as a device of
// 512 byte blocks.
package sd

import (
	"encoding/binary"
	"fmt"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/spi"
	log "github.com/sirupsen/logrus"
)

// BlockSize is the only block length the driver uses.
const BlockSize = 512

// Command indices. Application commands have to be preceded by cmdAppCmd.
const (
	cmdGoIdleState    = 0
	cmdSendIfCond     = 8
	cmdSetBlockLen    = 16
	cmdReadSingle     = 17
	cmdWriteSingle    = 24
	cmdAppCmd         = 55
	cmdReadOCR        = 58
	acmdSendOpCond    = 41
	commandStartBits  = 0x40
	checkPattern      = 0xAA
	voltage27to36     = 0x100
	hostCapacitySDHC  = 0x40000000
	ocrCardCapacity   = 0x40
	crcGoIdleState    = 0x95
	crcSendIfCond     = 0x87
	crcDontCare       = 0x01
	responseIdle      = 0x01
	responseIllegal   = 0x04
	tokenStartBlock   = 0xFE
	dataResponseMask  = 0x1F
	dataResponseValid = 0x05
	idleByte          = 0xFF
)

// Config bounds every wait of the driver. Nothing blocks for longer than the
// given number of polls.
type Config struct {
	// InitAttempts is how often ACMD41 is sent until the card leaves the idle state.
	InitAttempts int
	// ResponseAttempts is how many bytes are read while waiting for a command response.
	ResponseAttempts int
	// TokenAttempts is how many bytes are read while waiting for a data start token.
	TokenAttempts int
	// BusyAttempts is how many bytes are read while the card is busy after a write.
	BusyAttempts int

	Logger log.FieldLogger
}

// DefaultConfig returns polling limits which work for common cards.
func DefaultConfig() Config {
	return Config{
		InitAttempts:     1024,
		ResponseAttempts: 16,
		TokenAttempts:    4096,
		BusyAttempts:     1 << 16,
	}
}

// Card is an SD card on a spi.Bus. It implements the block device contract
// ReadBlock / WriteBlock. It does not cache anything.
type Card struct {
	bus spi.Bus
	cfg Config
	log log.FieldLogger

	started      bool
	highCapacity bool
}

// New creates a card driver. Start has to be called before any block access.
func New(bus spi.Bus, cfg Config) *Card {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Card{
		bus: bus,
		cfg: cfg,
		log: logger.WithField("component", "sd"),
	}
}

// HighCapacity reports whether the card uses block addressing (SDHC / SDXC).
func (c *Card) HighCapacity() bool {
	return c.highCapacity
}

// Start runs the SPI mode initialization sequence.
func (c *Card) Start() (err error) {
	c.started = false

	// At least 74 clocks with the card deselected.
	if err := c.bus.ChipSelect(false); err != nil {
		return checkpoint.From(err)
	}
	for i := 0; i < 10; i++ {
		if err := c.bus.ShiftOut(8, idleByte); err != nil {
			return checkpoint.From(err)
		}
	}
	if err := c.bus.WaitReady(); err != nil {
		return checkpoint.From(err)
	}

	if err := c.bus.ChipSelect(true); err != nil {
		return checkpoint.From(err)
	}
	defer c.release(&err)

	r1, err := c.command(cmdGoIdleState, 0, crcGoIdleState)
	if err != nil {
		return err
	}
	if r1 != responseIdle {
		return checkpoint.Wrap(fmt.Errorf("CMD0 answered 0x%02X", r1), ErrInvalidResponse)
	}

	version2 := false
	r1, err = c.command(cmdSendIfCond, voltage27to36|checkPattern, crcSendIfCond)
	if err != nil {
		return err
	}
	if r1&responseIllegal == 0 {
		var r7 [4]byte
		if err := c.bus.ShiftIn(8, r7[:]); err != nil {
			return checkpoint.From(err)
		}
		if r7[3] != checkPattern {
			return checkpoint.Wrap(fmt.Errorf("CMD8 echoed 0x%02X", r7[3]), ErrInvalidResponse)
		}
		version2 = true
	}

	var arg uint32
	if version2 {
		arg = hostCapacitySDHC
	}

	ready := false
	for attempt := 0; attempt < c.cfg.InitAttempts; attempt++ {
		if _, err := c.command(cmdAppCmd, 0, crcDontCare); err != nil {
			return err
		}
		r1, err = c.command(acmdSendOpCond, arg, crcDontCare)
		if err != nil {
			return err
		}
		if r1 == 0 {
			ready = true
			break
		}
		if r1 != responseIdle {
			return checkpoint.Wrap(fmt.Errorf("ACMD41 answered 0x%02X", r1), ErrInvalidResponse)
		}
	}
	if !ready {
		return checkpoint.Wrap(fmt.Errorf("card still idle after %d ACMD41", c.cfg.InitAttempts), ErrDeviceTimeout)
	}

	c.highCapacity = false
	if version2 {
		if _, err := c.command(cmdReadOCR, 0, crcDontCare); err != nil {
			return err
		}
		var ocr [4]byte
		if err := c.bus.ShiftIn(8, ocr[:]); err != nil {
			return checkpoint.From(err)
		}
		c.highCapacity = ocr[0]&ocrCardCapacity != 0
	}

	if !c.highCapacity {
		r1, err = c.command(cmdSetBlockLen, BlockSize, crcDontCare)
		if err != nil {
			return err
		}
		if r1 != 0 {
			return checkpoint.Wrap(fmt.Errorf("CMD16 answered 0x%02X", r1), ErrInvalidResponse)
		}
	}

	c.started = true
	c.log.WithFields(log.Fields{
		"v2":           version2,
		"highCapacity": c.highCapacity,
	}).Debug("card initialized")

	return nil
}

// ReadBlock reads the sector at lba into dst.
func (c *Card) ReadBlock(lba uint32, dst []byte) (err error) {
	if err := c.check(dst); err != nil {
		return err
	}

	if err := c.bus.ChipSelect(true); err != nil {
		return checkpoint.From(err)
	}
	defer c.release(&err)

	r1, err := c.command(cmdReadSingle, c.address(lba), crcDontCare)
	if err != nil {
		return err
	}
	if r1 != 0 {
		return checkpoint.Wrap(fmt.Errorf("CMD17 for lba %d answered 0x%02X", lba, r1), ErrReadFailed)
	}

	if err := c.waitToken(lba); err != nil {
		return err
	}

	if err := c.bus.ShiftIn(8, dst); err != nil {
		return checkpoint.From(err)
	}

	// CRC is disabled in SPI mode, the two bytes only have to be clocked out.
	var crc [2]byte
	if err := c.bus.ShiftIn(8, crc[:]); err != nil {
		return checkpoint.From(err)
	}

	return nil
}

// WriteBlock writes src to the sector at lba and waits until the card is no
// longer busy.
func (c *Card) WriteBlock(lba uint32, src []byte) (err error) {
	if err := c.check(src); err != nil {
		return err
	}

	if err := c.bus.ChipSelect(true); err != nil {
		return checkpoint.From(err)
	}
	defer c.release(&err)

	r1, err := c.command(cmdWriteSingle, c.address(lba), crcDontCare)
	if err != nil {
		return err
	}
	if r1 != 0 {
		return checkpoint.Wrap(fmt.Errorf("CMD24 for lba %d answered 0x%02X", lba, r1), ErrWriteFailed)
	}

	if err := c.bus.ShiftOut(8, idleByte); err != nil {
		return checkpoint.From(err)
	}
	if err := c.bus.ShiftOut(8, tokenStartBlock); err != nil {
		return checkpoint.From(err)
	}
	for i := 0; i < BlockSize; i += 4 {
		if err := c.bus.ShiftOut(32, binary.BigEndian.Uint32(src[i:])); err != nil {
			return checkpoint.From(err)
		}
	}
	if err := c.bus.ShiftOut(16, 0xFFFF); err != nil {
		return checkpoint.From(err)
	}
	if err := c.bus.WaitReady(); err != nil {
		return checkpoint.From(err)
	}

	resp, err := c.response()
	if err != nil {
		return err
	}
	if resp&dataResponseMask != dataResponseValid {
		return checkpoint.Wrap(fmt.Errorf("data response 0x%02X for lba %d", resp, lba), ErrWriteFailed)
	}

	return c.waitNotBusy(lba)
}

func (c *Card) check(buf []byte) error {
	if !c.started {
		return checkpoint.From(ErrNotStarted)
	}
	if len(buf) != BlockSize {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes", len(buf)), ErrInvalidBuffer)
	}
	return nil
}

// address converts an lba to the argument of a block command.
// Standard capacity cards are addressed in bytes.
func (c *Card) address(lba uint32) uint32 {
	if c.highCapacity {
		return lba
	}
	return lba * BlockSize
}

// command sends a command frame and returns the R1 response.
func (c *Card) command(index byte, arg uint32, crc byte) (byte, error) {
	if err := c.bus.ShiftOut(8, uint32(commandStartBits|index)); err != nil {
		return 0, checkpoint.From(err)
	}
	if err := c.bus.ShiftOut(32, arg); err != nil {
		return 0, checkpoint.From(err)
	}
	if err := c.bus.ShiftOut(8, uint32(crc)); err != nil {
		return 0, checkpoint.From(err)
	}
	if err := c.bus.WaitReady(); err != nil {
		return 0, checkpoint.From(err)
	}

	r1, err := c.response()
	if err != nil {
		return 0, checkpoint.Wrap(err, fmt.Errorf("CMD%d", index))
	}
	return r1, nil
}

// response polls for the first byte which is not 0xFF.
func (c *Card) response() (byte, error) {
	var b [1]byte
	for i := 0; i < c.cfg.ResponseAttempts; i++ {
		if err := c.bus.ShiftIn(8, b[:]); err != nil {
			return 0, checkpoint.From(err)
		}
		if b[0] != idleByte {
			return b[0], nil
		}
	}
	return 0, checkpoint.Wrap(fmt.Errorf("no response after %d polls", c.cfg.ResponseAttempts), ErrDeviceTimeout)
}

func (c *Card) waitToken(lba uint32) error {
	var b [1]byte
	for i := 0; i < c.cfg.TokenAttempts; i++ {
		if err := c.bus.ShiftIn(8, b[:]); err != nil {
			return checkpoint.From(err)
		}
		switch b[0] {
		case tokenStartBlock:
			return nil
		case idleByte:
		default:
			return checkpoint.Wrap(fmt.Errorf("error token 0x%02X for lba %d", b[0], lba), ErrReadFailed)
		}
	}
	return checkpoint.Wrap(fmt.Errorf("no data token for lba %d", lba), ErrDeviceTimeout)
}

// waitNotBusy polls until the card releases the data line after a write.
func (c *Card) waitNotBusy(lba uint32) error {
	var b [1]byte
	for i := 0; i < c.cfg.BusyAttempts; i++ {
		if err := c.bus.ShiftIn(8, b[:]); err != nil {
			return checkpoint.From(err)
		}
		if b[0] == idleByte {
			return nil
		}
	}

	c.log.WithField("lba", lba).Warn("card busy after write")
	return checkpoint.Wrap(fmt.Errorf("busy after %d polls writing lba %d", c.cfg.BusyAttempts, lba), ErrDeviceTimeout)
}

// release deselects the card and clocks one byte so it frees the data line.
// A failure is only reported if nothing failed before.
func (c *Card) release(err *error) {
	csErr := c.bus.ChipSelect(false)
	if csErr == nil {
		csErr = c.bus.ShiftOut(8, idleByte)
	}
	if *err == nil && csErr != nil {
		*err = checkpoint.From(csErr)
	}
}
