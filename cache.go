package sdfat

import (
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/sd"
	log "github.com/sirupsen/logrus"
)

// noSector tags an empty buffer. It is never a valid lba of a FAT volume
// because cluster numbers are limited to 28 bits.
const noSector = 0xFFFFFFFF

// Buffer caches at most one sector.
// A dirty buffer holds newer data than the device has at lba current.
type Buffer struct {
	current uint32
	dirty   bool
	data    [SectorSize]byte

	// shared buffers are used by every file in global buffering mode.
	shared bool
	// owner is the file whose position is currently hot in a shared buffer.
	owner *File
}

func newBuffer(shared bool) *Buffer {
	return &Buffer{
		current: noSector,
		shared:  shared,
	}
}

// Dirty reports whether the buffer holds unsaved data.
func (b *Buffer) Dirty() bool {
	return b.dirty
}

// cache moves sectors between Buffers and the device.
// Between any two device calls every Buffer is either empty and clean,
// or tagged with the lba its data belongs to.
type cache struct {
	dev BlockDevice
	log log.FieldLogger

	// mirrors returns further lbas a sector has to be written to when flushed.
	// It is used to keep every FAT copy in sync.
	mirrors func(lba uint32) []uint32

	// loads counts sectors read from the device.
	loads int
	// switches counts how often a shared buffer changed its hot file.
	switches int
}

// fetch makes b hold the sector at lba. A dirty buffer is flushed first.
// If the flush fails, b is left untouched. If the read fails, b is left empty.
func (c *cache) fetch(b *Buffer, lba uint32) error {
	if b.current == lba {
		return nil
	}

	if err := c.flush(b); err != nil {
		return err
	}

	b.current = noSector
	if err := c.dev.ReadBlock(lba, b.data[:]); err != nil {
		return checkpoint.From(err)
	}

	b.current = lba
	c.loads++
	return nil
}

func (c *cache) markDirty(b *Buffer) {
	b.dirty = true
}

// flush writes a dirty buffer back. On failure the buffer stays dirty so a
// later flush may retry.
func (c *cache) flush(b *Buffer) error {
	if !b.dirty || b.current == noSector {
		return nil
	}

	targets := []uint32{b.current}
	if c.mirrors != nil {
		targets = append(targets, c.mirrors(b.current)...)
	}

	for _, lba := range targets {
		if err := c.dev.WriteBlock(lba, b.data[:]); err != nil {
			c.log.WithError(err).WithField("lba", lba).Warn("flushing sector failed")
			return checkpoint.Wrap(err, sd.ErrWriteFailed)
		}
	}

	b.dirty = false
	return nil
}

// modify is a read-modify-write of the sector at lba: fetch, change and mark
// dirty happen as one step so no other user of b can observe a half state.
func (c *cache) modify(b *Buffer, lba uint32, fn func(data []byte)) error {
	if err := c.fetch(b, lba); err != nil {
		return err
	}

	fn(b.data[:])
	b.dirty = true
	return nil
}

// overwrite replaces the whole sector at lba without reading it first.
func (c *cache) overwrite(b *Buffer, lba uint32, fn func(data []byte)) error {
	if b.current != lba {
		if err := c.flush(b); err != nil {
			return err
		}
	}

	b.current = lba
	fn(b.data[:])
	b.dirty = true
	return nil
}

// acquire makes f the hot file of a shared buffer.
func (c *cache) acquire(b *Buffer, f *File) {
	if b.shared && b.owner != f {
		b.owner = f
		c.switches++
	}
}

// release drops f as hot file of b.
func (c *cache) release(b *Buffer, f *File) {
	if b.owner == f {
		b.owner = nil
	}
}
