package sdfat

import (
	"fmt"
	"io"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/sd"
	"github.com/spf13/afero"
)

// SectorSize is the size of every sector the filesystem reads or writes.
const SectorSize = sd.BlockSize

// BlockDevice provides sector access to the storage the filesystem lives on.
// Implementations must not cache; every call has to reach the medium.
// sd.Card and ImageDevice implement it.
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock.go -package sdfat
type BlockDevice interface {
	// ReadBlock fills dst, which is SectorSize bytes long, with the sector at lba.
	ReadBlock(lba uint32, dst []byte) error
	// WriteBlock persists src, which is SectorSize bytes long, to the sector at lba.
	WriteBlock(lba uint32, src []byte) error
}

// ImageDevice is a BlockDevice backed by a disk image file.
type ImageDevice struct {
	file    afero.File
	sectors uint32
}

// NewImageDevice uses the given file as a block device. The device size is the
// file size rounded down to whole sectors.
func NewImageDevice(file afero.File) (*ImageDevice, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, checkpoint.From(err)
	}

	return &ImageDevice{
		file:    file,
		sectors: uint32(info.Size() / SectorSize),
	}, nil
}

// Sectors returns the number of sectors of the image.
func (d *ImageDevice) Sectors() uint32 {
	return d.sectors
}

func (d *ImageDevice) ReadBlock(lba uint32, dst []byte) error {
	if err := d.check(lba, dst); err != nil {
		return err
	}

	n, err := d.file.ReadAt(dst, int64(lba)*SectorSize)
	if n == SectorSize {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return checkpoint.Wrap(err, sd.ErrReadFailed)
}

func (d *ImageDevice) WriteBlock(lba uint32, src []byte) error {
	if err := d.check(lba, src); err != nil {
		return err
	}

	if _, err := d.file.WriteAt(src, int64(lba)*SectorSize); err != nil {
		return checkpoint.Wrap(err, sd.ErrWriteFailed)
	}
	return nil
}

func (d *ImageDevice) check(lba uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes", len(buf)), sd.ErrInvalidBuffer)
	}
	if lba >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("lba %d of %d", lba, d.sectors), sd.ErrAddressOutOfRange)
	}
	return nil
}
