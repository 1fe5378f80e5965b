package sdfat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/aligator/sdfat/checkpoint"
	log "github.com/sirupsen/logrus"
)

// FATType is the width of the entries of the file allocation table.
type FATType uint8

const (
	FAT12 FATType = iota
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return fmt.Sprintf("FATType(%d)", uint8(t))
}

// mask returns the bits of an entry which hold the cluster number.
// FAT32 entries only use 28 bits, the top 4 bits are reserved.
func (t FATType) mask() uint32 {
	switch t {
	case FAT12:
		return 0x0FFF
	case FAT16:
		return 0xFFFF
	}
	return 0x0FFFFFFF
}

// badCluster returns the entry value marking a defective cluster.
func (t FATType) badCluster() uint32 {
	return t.mask() - 8
}

// isEndOfChain reports whether the masked entry value terminates a chain.
// Every value from 0x?FF8 up to the maximum is a valid terminator.
func (t FATType) isEndOfChain(v uint32) bool {
	return v >= t.mask()-7
}

// Cluster count thresholds deciding the FAT type. The cluster count is the
// only correct way to determine it.
const (
	maxClustersFAT12 = 4085
	maxClustersFAT16 = 65525
)

func typeForClusters(count uint32) FATType {
	switch {
	case count < maxClustersFAT12:
		return FAT12
	case count < maxClustersFAT16:
		return FAT16
	}
	return FAT32
}

// Info contains all information about the mounted volume.
// All lbas are absolute device addresses.
type Info struct {
	FSType            FATType
	Label             string
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	FATSize           uint32
	TotalSectors      uint32
	ClusterCount      uint32
	// RootCluster is the first cluster of the root directory on FAT32, otherwise 0.
	RootCluster uint32

	VolumeStart     uint32
	FATStart        uint32
	RootDirStart    uint32
	RootDirSectors  uint32
	FirstDataSector uint32
	FSInfoSector    uint32
}

// ClusterSize returns the bytes per cluster.
func (i Info) ClusterSize() uint32 {
	return uint32(i.SectorsPerCluster) * SectorSize
}

func (i Info) clusterLBA(cluster uint32) uint32 {
	return i.FirstDataSector + (cluster-2)*uint32(i.SectorsPerCluster)
}

func (i Info) validCluster(cluster uint32) bool {
	return cluster >= 2 && cluster < i.ClusterCount+2
}

func hasBootSignature(sector []byte) bool {
	return sector[signatureOffset] == 0x55 && sector[signatureOffset+1] == 0xAA
}

// looksLikeBootSector tells a boot sector from a master boot record.
func looksLikeBootSector(sector []byte) bool {
	validJump := (sector[0] == 0xEB && sector[2] == 0x90) || sector[0] == 0xE9
	if !validJump {
		return false
	}

	switch binary.LittleEndian.Uint16(sector[11:]) {
	case 512, 1024, 2048, 4096:
		return true
	}
	return false
}

func notFat(format string, args ...interface{}) error {
	return checkpoint.Wrap(fmt.Errorf(format, args...), ErrNotFatFormatted)
}

// readVolume locates and parses the boot sector. Sector 0 may either be the
// boot sector itself or a master boot record whose first partition holds
// the volume.
func (fs *FS) readVolume() (Info, error) {
	if err := fs.cache.fetch(fs.global, 0); err != nil {
		return Info{}, err
	}

	sector := fs.global.data[:]
	if !hasBootSignature(sector) {
		return Info{}, notFat("no boot signature in sector 0")
	}

	var start uint32
	if !looksLikeBootSector(sector) {
		var partition PartitionEntry
		if err := binary.Read(bytes.NewReader(sector[mbrPartitionOffset:]), binary.LittleEndian, &partition); err != nil {
			return Info{}, checkpoint.From(err)
		}

		if !fatPartitionTypes[partition.Type] || partition.FirstLBA == 0 {
			return Info{}, notFat("partition type 0x%02X at lba %d is no FAT partition", partition.Type, partition.FirstLBA)
		}

		start = partition.FirstLBA
		if err := fs.cache.fetch(fs.global, start); err != nil {
			return Info{}, err
		}
		if !hasBootSignature(sector) || !looksLikeBootSector(sector) {
			return Info{}, notFat("no boot sector at partition start %d", start)
		}
	}

	return parseBootSector(sector, start)
}

// parseBootSector validates the geometry of a boot sector located at lba start.
func parseBootSector(sector []byte, start uint32) (Info, error) {
	bpb := BPB{}
	if err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &bpb); err != nil {
		return Info{}, checkpoint.From(err)
	}

	// Some cards use bigger sectors but the SD block size is fixed.
	if bpb.BytesPerSector != SectorSize {
		return Info{}, notFat("unsupported sector size %d", bpb.BytesPerSector)
	}

	// Sectors per cluster has to be a power of two and greater than 0.
	if bpb.SectorsPerCluster == 0 || bits.OnesCount8(bpb.SectorsPerCluster) != 1 {
		return Info{}, notFat("invalid sectors per cluster %d", bpb.SectorsPerCluster)
	}

	if bpb.ReservedSectorCount == 0 {
		return Info{}, notFat("invalid reserved sector count")
	}

	if bpb.NumFATs == 0 {
		return Info{}, notFat("no FAT")
	}

	info := Info{
		SectorsPerCluster: bpb.SectorsPerCluster,
		ReservedSectors:   bpb.ReservedSectorCount,
		NumFATs:           bpb.NumFATs,
		RootEntryCount:    bpb.RootEntryCount,
		VolumeStart:       start,
	}

	info.TotalSectors = uint32(bpb.TotalSectors16)
	if info.TotalSectors == 0 {
		info.TotalSectors = bpb.TotalSectors32
	}

	var fat16 FAT16SpecificData
	var fat32 FAT32SpecificData
	info.FATSize = uint32(bpb.FATSize16)
	if info.FATSize == 0 {
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
			return Info{}, checkpoint.From(err)
		}
		info.FATSize = fat32.FatSize
	} else if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat16); err != nil {
		return Info{}, checkpoint.From(err)
	}

	if info.FATSize == 0 || info.TotalSectors == 0 {
		return Info{}, notFat("invalid FAT size %d or total sectors %d", info.FATSize, info.TotalSectors)
	}

	info.RootDirSectors = (uint32(bpb.RootEntryCount)*entrySize + SectorSize - 1) / SectorSize
	dataStart := uint32(info.ReservedSectors) + uint32(info.NumFATs)*info.FATSize + info.RootDirSectors
	if dataStart >= info.TotalSectors {
		return Info{}, notFat("no data region, data starts at %d of %d sectors", dataStart, info.TotalSectors)
	}

	info.ClusterCount = (info.TotalSectors - dataStart) / uint32(info.SectorsPerCluster)
	if info.ClusterCount == 0 {
		return Info{}, notFat("no clusters")
	}
	info.FSType = typeForClusters(info.ClusterCount)

	// The FAT has to hold an entry for every cluster plus the two reserved ones.
	var fatBits uint64
	switch info.FSType {
	case FAT12:
		fatBits = 12
	case FAT16:
		fatBits = 16
	default:
		fatBits = 32
	}
	if (uint64(info.ClusterCount)+2)*fatBits > uint64(info.FATSize)*SectorSize*8 {
		return Info{}, notFat("FAT of %d sectors too small for %d clusters", info.FATSize, info.ClusterCount)
	}

	info.FATStart = start + uint32(info.ReservedSectors)
	info.RootDirStart = info.FATStart + uint32(info.NumFATs)*info.FATSize
	info.FirstDataSector = info.RootDirStart + info.RootDirSectors

	if info.FSType == FAT32 {
		if bpb.RootEntryCount != 0 || bpb.FATSize16 != 0 {
			return Info{}, notFat("FAT32 volume with FAT16 root directory fields")
		}
		if !info.validCluster(fat32.RootCluster) {
			return Info{}, notFat("invalid root cluster %d", fat32.RootCluster)
		}
		info.RootCluster = fat32.RootCluster
		if fat32.FSInfo != 0 && fat32.FSInfo < info.ReservedSectors {
			info.FSInfoSector = start + uint32(fat32.FSInfo)
		}
		if fat32.BSBootSignature == 0x29 {
			info.Label = strings.TrimRight(string(fat32.BSVolumeLabel[:]), " ")
		}
	} else {
		if bpb.RootEntryCount == 0 {
			return Info{}, notFat("%v volume without root directory", info.FSType)
		}
		if fat16.BSBootSignature == 0x29 {
			info.Label = strings.TrimRight(string(fat16.BSVolumeLabel[:]), " ")
		}
	}

	return info, nil
}

// fatMirrors returns the lbas of the same FAT sector in the other FAT copies.
func (fs *FS) fatMirrors(lba uint32) []uint32 {
	info := fs.info
	if lba < info.FATStart || lba >= info.FATStart+info.FATSize {
		return nil
	}

	mirrors := make([]uint32, 0, info.NumFATs-1)
	for i := uint32(1); i < uint32(info.NumFATs); i++ {
		mirrors = append(mirrors, lba+i*info.FATSize)
	}
	return mirrors
}

// fatPosition returns the sector and the byte offset of the entry of cluster.
func (fs *FS) fatPosition(cluster uint32) (uint32, uint32) {
	var offset uint32
	switch fs.info.FSType {
	case FAT12:
		offset = cluster + cluster/2
	case FAT16:
		offset = cluster * 2
	default:
		offset = cluster * 4
	}
	return fs.info.FATStart + offset/SectorSize, offset % SectorSize
}

// readFAT returns the masked FAT entry of cluster.
func (fs *FS) readFAT(cluster uint32) (uint32, error) {
	lba, offset := fs.fatPosition(cluster)
	if err := fs.cache.fetch(fs.fat, lba); err != nil {
		return 0, err
	}

	data := fs.fat.data[:]
	switch fs.info.FSType {
	case FAT12:
		low := data[offset]
		var high byte
		// A 12 bit entry may straddle two sectors.
		if offset == SectorSize-1 {
			if err := fs.cache.fetch(fs.fat, lba+1); err != nil {
				return 0, err
			}
			high = fs.fat.data[0]
		} else {
			high = data[offset+1]
		}

		value := uint32(low) | uint32(high)<<8
		if cluster&1 == 1 {
			return value >> 4, nil
		}
		return value & 0x0FFF, nil
	case FAT16:
		return uint32(binary.LittleEndian.Uint16(data[offset:])), nil
	default:
		return binary.LittleEndian.Uint32(data[offset:]) & FAT32.mask(), nil
	}
}

// writeFAT sets the entry of cluster in the cached FAT sector. The reserved
// top bits of FAT32 entries are preserved.
func (fs *FS) writeFAT(cluster, value uint32) error {
	lba, offset := fs.fatPosition(cluster)
	value &= fs.info.FSType.mask()

	switch fs.info.FSType {
	case FAT12:
		odd := cluster&1 == 1
		err := fs.cache.modify(fs.fat, lba, func(data []byte) {
			if odd {
				data[offset] = data[offset]&0x0F | byte(value<<4)
			} else {
				data[offset] = byte(value)
			}
		})
		if err != nil {
			return err
		}

		highLBA, highOffset := lba, offset+1
		if offset == SectorSize-1 {
			highLBA, highOffset = lba+1, 0
		}
		return fs.cache.modify(fs.fat, highLBA, func(data []byte) {
			if odd {
				data[highOffset] = byte(value >> 4)
			} else {
				data[highOffset] = data[highOffset]&0xF0 | byte(value>>8)&0x0F
			}
		})
	case FAT16:
		return fs.cache.modify(fs.fat, lba, func(data []byte) {
			binary.LittleEndian.PutUint16(data[offset:], uint16(value))
		})
	default:
		return fs.cache.modify(fs.fat, lba, func(data []byte) {
			reserved := binary.LittleEndian.Uint32(data[offset:]) &^ FAT32.mask()
			binary.LittleEndian.PutUint32(data[offset:], reserved|value)
		})
	}
}

// nextCluster returns the cluster following cluster in its chain, or
// ErrEndOfChain if cluster is the last one.
func (fs *FS) nextCluster(cluster uint32) (uint32, error) {
	if !fs.info.validCluster(cluster) {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d out of range", cluster), ErrCorruptFilesystem)
	}

	value, err := fs.readFAT(cluster)
	if err != nil {
		return 0, err
	}

	t := fs.info.FSType
	switch {
	case t.isEndOfChain(value):
		return 0, ErrEndOfChain
	case value == t.badCluster():
		return 0, checkpoint.Wrap(fmt.Errorf("bad cluster %d in chain after %d", value, cluster), ErrCorruptFilesystem)
	case !fs.info.validCluster(value):
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d points to %d", cluster, value), ErrCorruptFilesystem)
	}
	return value, nil
}

// allocCluster takes the next free cluster after the last allocation, marks
// it as end of chain and links prev to it. prev 0 starts a new chain.
func (fs *FS) allocCluster(prev uint32) (uint32, error) {
	total := fs.info.ClusterCount
	cluster := fs.lastAlloc

	for i := uint32(0); i < total; i++ {
		cluster++
		if cluster >= total+2 {
			cluster = 2
		}

		value, err := fs.readFAT(cluster)
		if err != nil {
			return 0, err
		}
		if value != 0 {
			continue
		}

		if err := fs.writeFAT(cluster, fs.info.FSType.mask()); err != nil {
			return 0, err
		}
		if prev != 0 {
			if err := fs.writeFAT(prev, cluster); err != nil {
				return 0, err
			}
		}

		fs.lastAlloc = cluster
		if err := fs.invalidateFreeCount(cluster); err != nil {
			return 0, err
		}

		fs.log.WithFields(log.Fields{
			"cluster": cluster,
			"prev":    prev,
		}).Debug("allocated cluster")
		return cluster, nil
	}

	return 0, checkpoint.Wrap(fmt.Errorf("all %d clusters in use", total), ErrDeviceFull)
}

// freeChain releases every cluster of the chain starting at cluster.
func (fs *FS) freeChain(cluster uint32) error {
	for cluster != 0 {
		next, err := fs.nextCluster(cluster)
		if err == ErrEndOfChain {
			next = 0
		} else if err != nil {
			return err
		}

		if err := fs.writeFAT(cluster, 0); err != nil {
			return err
		}
		cluster = next
	}

	return fs.invalidateFreeCount(fs.lastAlloc)
}

// invalidateFreeCount marks the free cluster count of the FAT32 FSInfo
// sector as unknown before the first FAT change of a mount, so other systems
// recount it.
func (fs *FS) invalidateFreeCount(lastAllocated uint32) error {
	if fs.info.FSInfoSector == 0 || !fs.fsInfoValid {
		return nil
	}

	err := fs.cache.modify(fs.global, fs.info.FSInfoSector, func(data []byte) {
		if binary.LittleEndian.Uint32(data[0:]) != fsInfoLeadSignature ||
			binary.LittleEndian.Uint32(data[484:]) != fsInfoStructSignature {
			return
		}
		binary.LittleEndian.PutUint32(data[fsInfoFreeCountOffset:], fsInfoUnknown)
		binary.LittleEndian.PutUint32(data[fsInfoNextFreeOffset:], lastAllocated)
	})
	if err != nil {
		return err
	}

	fs.fsInfoValid = false
	return nil
}

// zeroCluster overwrites every sector of cluster with zeros without reading it.
func (fs *FS) zeroCluster(cluster uint32) error {
	lba := fs.info.clusterLBA(cluster)
	for i := uint32(0); i < uint32(fs.info.SectorsPerCluster); i++ {
		err := fs.cache.overwrite(fs.global, lba+i, func(data []byte) {
			for j := range data {
				data[j] = 0
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
