// File model contains the structs which match the direct structures of the FAT filesystem.
// They are decoded and encoded with encoding/binary in little endian.

package sdfat

import (
	"encoding/binary"
)

// BPB is the BIOS parameter block at the start of every FAT boot sector.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	FATSpecificData     [54]byte
}

type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

type FAT32SpecificData struct {
	FatSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is the 32 byte short name directory entry.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// Attributes of a directory entry.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	entrySize = 32

	// entryEnd as first name byte marks the first never used entry of a directory.
	entryEnd = 0x00
	// entryDeleted as first name byte marks a free entry.
	entryDeleted = 0xE5
	// entryKanjiE5 stands for a real 0xE5 as first name byte.
	entryKanjiE5 = 0x05
)

// Cluster returns the first cluster of the entry.
func (h EntryHeader) Cluster() uint32 {
	return uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO)
}

// SetCluster sets the first cluster of the entry.
func (h *EntryHeader) SetCluster(cluster uint32) {
	h.FirstClusterHI = uint16(cluster >> 16)
	h.FirstClusterLO = uint16(cluster)
}

// IsDir reports whether the entry is a sub directory.
func (h EntryHeader) IsDir() bool {
	return h.Attribute&AttrDirectory != 0
}

// decodeEntry reads the entry from the first 32 bytes of data.
func decodeEntry(data []byte) EntryHeader {
	var h EntryHeader
	copy(h.Name[:], data[0:11])
	h.Attribute = data[11]
	h.NTReserved = data[12]
	h.CreateTimeTenth = data[13]
	h.CreateTime = binary.LittleEndian.Uint16(data[14:])
	h.CreateDate = binary.LittleEndian.Uint16(data[16:])
	h.LastAccessDate = binary.LittleEndian.Uint16(data[18:])
	h.FirstClusterHI = binary.LittleEndian.Uint16(data[20:])
	h.WriteTime = binary.LittleEndian.Uint16(data[22:])
	h.WriteDate = binary.LittleEndian.Uint16(data[24:])
	h.FirstClusterLO = binary.LittleEndian.Uint16(data[26:])
	h.FileSize = binary.LittleEndian.Uint32(data[28:])
	return h
}

// encode writes the entry to the first 32 bytes of dst.
func (h *EntryHeader) encode(dst []byte) {
	copy(dst[0:11], h.Name[:])
	dst[11] = h.Attribute
	dst[12] = h.NTReserved
	dst[13] = h.CreateTimeTenth
	binary.LittleEndian.PutUint16(dst[14:], h.CreateTime)
	binary.LittleEndian.PutUint16(dst[16:], h.CreateDate)
	binary.LittleEndian.PutUint16(dst[18:], h.LastAccessDate)
	binary.LittleEndian.PutUint16(dst[20:], h.FirstClusterHI)
	binary.LittleEndian.PutUint16(dst[22:], h.WriteTime)
	binary.LittleEndian.PutUint16(dst[24:], h.WriteDate)
	binary.LittleEndian.PutUint16(dst[26:], h.FirstClusterLO)
	binary.LittleEndian.PutUint32(dst[28:], h.FileSize)
}

// FSInfo sector of FAT32 volumes. Only the free cluster hint is maintained.
const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
	fsInfoFreeCountOffset = 488
	fsInfoNextFreeOffset  = 492
	fsInfoUnknown         = 0xFFFFFFFF
)

// PartitionEntry is one of the four primary entries of a master boot record.
type PartitionEntry struct {
	Status      byte
	FirstCHS    [3]byte
	Type        byte
	LastCHS     [3]byte
	FirstLBA    uint32
	SectorCount uint32
}

const (
	mbrPartitionOffset = 0x1BE
	signatureOffset    = 510
)

// fatPartitionTypes are the partition types a FAT volume may be stored in.
var fatPartitionTypes = map[byte]bool{
	0x01: true, // FAT12
	0x04: true, // FAT16 < 32M
	0x06: true, // FAT16
	0x0B: true, // FAT32 CHS
	0x0C: true, // FAT32 LBA
	0x0E: true, // FAT16 LBA
}
