package sdfat

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/aligator/sdfat/checkpoint"
)

// FormatOptions configure Format.
type FormatOptions struct {
	// Type is the FAT type to create. The geometry has to result in a
	// cluster count which matches it.
	Type FATType
	// SectorsPerCluster defaults to 1.
	SectorsPerCluster uint8
	// Label is stored in the boot sector and as volume label entry.
	Label string
	// VolumeID is the serial number of the volume.
	VolumeID uint32
	// PartitionStart places the volume in the first partition of a master
	// boot record. 0 puts the volume directly at lba 0.
	PartitionStart uint32
}

const (
	defaultLabel       = "NO NAME    "
	fat32Reserved      = 32
	fat32BackupBoot    = 6
	fatRootEntries     = 512
	mediaFixed         = 0xF8
	extendedBootSig    = 0x29
	formatNumFATs      = 2
	partitionTypeFAT12 = 0x01
	partitionTypeFAT16 = 0x06
	partitionTypeSmall = 0x04
	partitionTypeFAT32 = 0x0C
)

func (t FATType) entryBits() uint32 {
	switch t {
	case FAT12:
		return 12
	case FAT16:
		return 16
	}
	return 32
}

// geometry is the layout of a volume to format.
type geometry struct {
	total          uint32
	reserved       uint32
	rootEntries    uint32
	rootDirSectors uint32
	fatSize        uint32
	clusters       uint32
	spc            uint32
}

// computeGeometry searches the smallest FAT which can address all clusters
// left behind it.
func computeGeometry(t FATType, total uint32, spc uint32) (geometry, error) {
	g := geometry{
		total:       total,
		reserved:    1,
		rootEntries: fatRootEntries,
		spc:         spc,
	}
	if t == FAT32 {
		g.reserved = fat32Reserved
		g.rootEntries = 0
	}
	g.rootDirSectors = g.rootEntries * entrySize / SectorSize

	g.fatSize = 1
	for {
		meta := g.reserved + g.rootDirSectors + formatNumFATs*g.fatSize
		if meta >= total {
			return geometry{}, checkpoint.Wrap(fmt.Errorf("%d sectors are too few for %v", total, t), ErrNotSupported)
		}

		g.clusters = (total - meta) / spc
		need := uint32((uint64(g.clusters+2)*uint64(t.entryBits()) + SectorSize*8 - 1) / (SectorSize * 8))
		if need <= g.fatSize {
			break
		}
		g.fatSize = need
	}

	if got := typeForClusters(g.clusters); got != t {
		return geometry{}, checkpoint.Wrap(fmt.Errorf("%d sectors with %d sectors per cluster give %d clusters which is %v and not %v", total, spc, g.clusters, got, t), ErrNotSupported)
	}
	return g, nil
}

func paddedLabel(label string) ([11]byte, error) {
	var result [11]byte
	if label == "" {
		copy(result[:], defaultLabel)
		return result, nil
	}

	label = strings.ToUpper(label)
	if len(label) > len(result) {
		return result, checkpoint.Wrap(fmt.Errorf("label %q is longer than 11 bytes", label), ErrInvalidName)
	}
	for i := 0; i < len(label); i++ {
		if label[i] != ' ' && !isValidShortChar(label[i]) {
			return result, checkpoint.Wrap(fmt.Errorf("label %q contains %q", label, label[i]), ErrInvalidName)
		}
	}

	copy(result[:], label+strings.Repeat(" ", len(result)-len(label)))
	return result, nil
}

// Format creates an empty FAT volume on the first sectors of dev. It writes
// directly to the device, so dev must not be mounted.
func Format(dev BlockDevice, sectors uint32, opts FormatOptions) error {
	spc := uint32(opts.SectorsPerCluster)
	if spc == 0 {
		spc = 1
	}
	if bits.OnesCount32(spc) != 1 || spc > 128 {
		return checkpoint.Wrap(fmt.Errorf("invalid sectors per cluster %d", spc), ErrNotSupported)
	}
	if opts.Type > FAT32 {
		return checkpoint.Wrap(fmt.Errorf("invalid FAT type %v", opts.Type), ErrNotSupported)
	}
	if opts.PartitionStart >= sectors {
		return checkpoint.Wrap(fmt.Errorf("partition start %d behind the end of %d sectors", opts.PartitionStart, sectors), ErrNotSupported)
	}

	label, err := paddedLabel(opts.Label)
	if err != nil {
		return err
	}

	start := opts.PartitionStart
	g, err := computeGeometry(opts.Type, sectors-start, spc)
	if err != nil {
		return err
	}

	write := func(lba uint32, sector []byte) error {
		return checkpoint.From(dev.WriteBlock(lba, sector))
	}

	if start != 0 {
		if err := write(0, masterBootRecord(opts.Type, start, g.total)); err != nil {
			return err
		}
	}

	boot := bootSector(opts.Type, g, start, label, opts.VolumeID)
	if err := write(start, boot); err != nil {
		return err
	}

	empty := make([]byte, SectorSize)
	if opts.Type == FAT32 {
		info := fsInfoSector(g.clusters - 1)
		if err := write(start+1, info); err != nil {
			return err
		}
		if err := write(start+fat32BackupBoot, boot); err != nil {
			return err
		}
		if err := write(start+fat32BackupBoot+1, info); err != nil {
			return err
		}
	}

	fatStart := start + g.reserved
	first := firstFATSector(opts.Type)
	for copyIndex := uint32(0); copyIndex < formatNumFATs; copyIndex++ {
		for i := uint32(0); i < g.fatSize; i++ {
			sector := empty
			if i == 0 {
				sector = first
			}
			if err := write(fatStart+copyIndex*g.fatSize+i, sector); err != nil {
				return err
			}
		}
	}

	rootStart := fatStart + formatNumFATs*g.fatSize
	rootSectors := g.rootDirSectors
	if opts.Type == FAT32 {
		// The root directory is cluster 2, the first cluster of the data region.
		rootSectors = g.spc
	}

	for i := uint32(0); i < rootSectors; i++ {
		sector := empty
		if i == 0 && opts.Label != "" {
			sector = make([]byte, SectorSize)
			entry := EntryHeader{Name: label, Attribute: AttrVolumeID}
			entry.encode(sector)
		}
		if err := write(rootStart+i, sector); err != nil {
			return err
		}
	}

	return nil
}

func masterBootRecord(t FATType, start, sectors uint32) []byte {
	mbr := make([]byte, SectorSize)
	partitionType := byte(partitionTypeFAT32)
	switch t {
	case FAT12:
		partitionType = partitionTypeFAT12
	case FAT16:
		partitionType = partitionTypeFAT16
		if sectors < 0x10000 {
			partitionType = partitionTypeSmall
		}
	}

	entry := mbr[mbrPartitionOffset:]
	entry[4] = partitionType
	binary.LittleEndian.PutUint32(entry[8:], start)
	binary.LittleEndian.PutUint32(entry[12:], sectors)

	mbr[signatureOffset] = 0x55
	mbr[signatureOffset+1] = 0xAA
	return mbr
}

func bootSector(t FATType, g geometry, start uint32, label [11]byte, volumeID uint32) []byte {
	bs := make([]byte, SectorSize)
	bs[0], bs[1], bs[2] = 0xEB, 0x3C, 0x90
	if t == FAT32 {
		bs[1] = 0x58
	}
	copy(bs[3:11], "SDFAT   ")

	binary.LittleEndian.PutUint16(bs[11:], SectorSize)
	bs[13] = byte(g.spc)
	binary.LittleEndian.PutUint16(bs[14:], uint16(g.reserved))
	bs[16] = formatNumFATs
	binary.LittleEndian.PutUint16(bs[17:], uint16(g.rootEntries))
	if g.total < 0x10000 && t != FAT32 {
		binary.LittleEndian.PutUint16(bs[19:], uint16(g.total))
	} else {
		binary.LittleEndian.PutUint32(bs[32:], g.total)
	}
	bs[21] = mediaFixed
	binary.LittleEndian.PutUint16(bs[24:], 63)
	binary.LittleEndian.PutUint16(bs[26:], 255)
	binary.LittleEndian.PutUint32(bs[28:], start)

	// The extended boot record starts at 36 for FAT12 and FAT16 and at 64 for FAT32.
	ext := bs[36:]
	typeName := "FAT12   "
	switch t {
	case FAT16:
		typeName = "FAT16   "
	case FAT32:
		typeName = "FAT32   "
		binary.LittleEndian.PutUint32(bs[36:], g.fatSize)
		binary.LittleEndian.PutUint32(bs[44:], 2)
		binary.LittleEndian.PutUint16(bs[48:], 1)
		binary.LittleEndian.PutUint16(bs[50:], fat32BackupBoot)
		ext = bs[64:]
	}
	if t != FAT32 {
		binary.LittleEndian.PutUint16(bs[22:], uint16(g.fatSize))
	}

	ext[0] = 0x80
	ext[2] = extendedBootSig
	binary.LittleEndian.PutUint32(ext[3:], volumeID)
	copy(ext[7:18], label[:])
	copy(ext[18:26], typeName)

	bs[signatureOffset] = 0x55
	bs[signatureOffset+1] = 0xAA
	return bs
}

func fsInfoSector(free uint32) []byte {
	info := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(info[0:], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(info[484:], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(info[fsInfoFreeCountOffset:], free)
	binary.LittleEndian.PutUint32(info[fsInfoNextFreeOffset:], 3)
	binary.LittleEndian.PutUint32(info[508:], fsInfoTrailSignature)
	return info
}

// firstFATSector reserves the entries 0 and 1, and on FAT32 entry 2 for the
// root directory.
func firstFATSector(t FATType) []byte {
	sector := make([]byte, SectorSize)
	switch t {
	case FAT12:
		copy(sector, []byte{mediaFixed, 0xFF, 0xFF})
	case FAT16:
		copy(sector, []byte{mediaFixed, 0xFF, 0xFF, 0xFF})
	case FAT32:
		binary.LittleEndian.PutUint32(sector[0:], 0x0FFFFF00|mediaFixed)
		binary.LittleEndian.PutUint32(sector[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(sector[8:], 0x0FFFFFFF)
	}
	return sector
}
