// Package mkdos reads and mutates MK-DOS (Micro DOS) disk images, the
// catalog format used by the BK-0010/0011 family. The whole catalog lives
// in a fixed region at the start of the volume: a meta block with the
// format labels and space accounting, followed by packed 24-byte entries.
// File data is stored as one contiguous run of 512-byte blocks per file.
//
// A Volume is not safe for concurrent use; callers serialize access.
package mkdos

import "encoding/binary"

const (
	// BlockSize is the allocation unit of the format.
	BlockSize = 512

	// MKDOSLabel and MicroDOSLabel identify a formatted volume.
	MKDOSLabel    = 0o51414
	MicroDOSLabel = 0o123456

	// DirMarker is the first name byte of a directory entry.
	DirMarker = 0o177

	// EntrySize is the packed size of one catalog entry.
	EntrySize = 0o30

	// NameSize is the fixed KOI8-R name field width. Directory names
	// lose one byte to the marker.
	NameSize = 14

	// MetaSize is the size of the meta block preceding the catalog.
	MetaSize = 0o500
)

// Meta block field offsets, in bytes from the volume start.
const (
	offFiles      = 0o30  // live file count (not catalog records)
	offBlocks     = 0o32  // blocks used by files plus the system area
	offMicroDOS   = 0o400 // Micro DOS format label
	offMKDOS      = 0o402 // MK-DOS catalog label
	offDiskSize   = 0o466 // volume size in blocks
	offStartBlock = 0o470 // first data block
	catalogStart  = 0o500 // first catalog entry
)

// Catalog entry field offsets.
const (
	entOffStatus = 0
	entOffDirNo  = 1
	entOffName   = 2
	entOffStart  = 0o20
	entOffBlocks = 0o22
	entOffAddr   = 0o24
	entOffLength = 0o26
)

// Entry status byte values. For directory entries the status byte holds
// the directory's own number instead, except 0o377 which still means
// deleted.
const (
	StatusNormal    = 0
	StatusProtected = 1
	StatusLogical   = 2
	StatusBad       = 0o200
	StatusDeleted   = 0o377
)

// DefaultAddress is the load address given to newly created files.
// MK-DOS loads plain files at 0o1000 unless told otherwise.
const DefaultAddress = 0o1000

// Meta is the decoded meta block.
type Meta struct {
	Files      uint16 // live files in the catalog
	Blocks     uint16 // used blocks, counting the system area before StartBlock
	DiskSize   uint16 // total volume size in blocks
	StartBlock uint16 // first block available for file data
}

// Entry is one decoded catalog entry. Slot is its fixed position in the
// catalog region; slots are never compacted, deletion only flips the
// status byte.
type Entry struct {
	Slot       int
	Status     byte
	DirNo      byte // parent directory number, 0 is the root
	Name       string
	StartBlock uint16
	Blocks     uint16
	Address    uint16
	Length     uint16

	IsDir     bool
	IsDeleted bool
	IsBad     bool
}

// Live reports whether the entry is a visible catalog object.
func (e *Entry) Live() bool {
	return !e.IsDeleted && !e.IsBad
}

// Protected reports whether the file carries the MK-DOS protection flag.
func (e *Entry) Protected() bool {
	return !e.IsDir && e.Status == StatusProtected
}

// DirNumber returns the directory number a directory entry defines.
func (e *Entry) DirNumber() byte {
	if !e.IsDir {
		return 0
	}
	return e.Status
}

// Size returns the byte size of the file. The on-disk length field is
// 16-bit, so files above 64 KiB are only sized to block granularity;
// the cutoff mirrors the original driver's heuristic.
func (e *Entry) Size() int64 {
	if e.Blocks > 128 {
		return int64(e.Blocks) * BlockSize
	}
	return int64(e.Length)
}

// sizeFields derives the on-disk block count and length field for a file
// of n bytes. Lengths beyond the 16-bit field wrap, as MK-DOS stores them.
func sizeFields(n int64) (blocks, length uint16) {
	blocks = uint16((n + BlockSize - 1) / BlockSize)
	length = uint16(n & 0xFFFF)
	return blocks, length
}

// decodeEntry unpacks a catalog entry from its 24-byte slot image.
// The caller has already checked that the name field is not empty.
func decodeEntry(slot int, raw []byte) Entry {
	name := raw[entOffName : entOffName+NameSize]
	isDir := name[0] == DirMarker
	if isDir {
		name = name[1:]
	}

	e := Entry{
		Slot:       slot,
		Status:     raw[entOffStatus],
		DirNo:      raw[entOffDirNo],
		Name:       decodeName(name),
		StartBlock: binary.LittleEndian.Uint16(raw[entOffStart:]),
		Blocks:     binary.LittleEndian.Uint16(raw[entOffBlocks:]),
		Address:    binary.LittleEndian.Uint16(raw[entOffAddr:]),
		Length:     binary.LittleEndian.Uint16(raw[entOffLength:]),
		IsDir:      isDir,
	}
	switch e.Status {
	case StatusDeleted:
		e.IsDeleted = true
	case StatusBad:
		if !isDir {
			e.IsBad = true
		}
	}
	return e
}

// encodeEntry packs an entry back into its 24-byte slot image. The name
// must already have passed encodeName validation.
func encodeEntry(e *Entry) ([EntrySize]byte, error) {
	var raw [EntrySize]byte

	name, err := encodeName(e.Name, e.IsDir)
	if err != nil {
		return raw, err
	}

	raw[entOffStatus] = e.Status
	raw[entOffDirNo] = e.DirNo
	copy(raw[entOffName:entOffName+NameSize], name[:])
	binary.LittleEndian.PutUint16(raw[entOffStart:], e.StartBlock)
	binary.LittleEndian.PutUint16(raw[entOffBlocks:], e.Blocks)
	binary.LittleEndian.PutUint16(raw[entOffAddr:], e.Address)
	binary.LittleEndian.PutUint16(raw[entOffLength:], e.Length)
	return raw, nil
}
