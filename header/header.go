// Package header encodes and decodes the on-disk redo-log header, root
// table and leaf blocks (§6). All on-disk integers are little-endian;
// this package is the one place that byte-swapping happens -- everything
// above it in the engine works with host-endian Go integers, replacing
// the source's ad-hoc ByteSwap* calls with explicit readers/writers at
// this single I/O boundary (§9).
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/Nitr0-G/Vmware-sub009"
)

// Size is the fixed on-disk header size of four sectors: the fields occupy
// the first 1640 bytes and the remainder is reserved padding (§6).
const Size = cowdisk.SectorSize * 4

const (
	offMagic            = 0
	offVersion          = 4
	offFlags            = 8
	offNumSectors       = 12
	offGrainSize        = 16
	offRootOffset       = 20
	offNumRootEntries   = 24
	offNextFree         = 28
	offParentFileName   = 32   // null-terminated, up to 1024 bytes
	offParentGeneration = 1056 // 32 + 1024
	offGeneration       = 1060
	offName             = 1064 // 60 bytes
	offDescription      = 1124 // 512 bytes
	offSavedGeneration  = 1636
	// remainder to Size is reserved padding.

	maxParentFileNameLen = 1024
	nameLen              = 60
	descriptionLen       = 512
)

// Header is the in-memory representation of a redo log's header, which
// occupies the file's first four sectors (§6).
type Header struct {
	Magic           uint32
	Version         uint32
	Flags           uint32
	NumSectors      uint32
	GrainSize       uint32
	RootOffset      uint32
	NumRootEntries  uint32
	NextFree        uint32
	ParentFileName  string
	ParentGen       uint32
	Generation      uint32
	Name            string
	Description     string
	SavedGeneration uint32
}

// IsRoot reports whether the header's root flag is set (no parent).
func (h Header) IsRoot() bool { return h.Flags&cowdisk.FlagIsRoot != 0 }

// Inconsistent reports whether the header's inconsistent flag is set.
func (h Header) Inconsistent() bool { return h.Flags&cowdisk.FlagInconsistent != 0 }

// New builds a fresh Header for a newly created redo log.
func New(numSectors, grainSize, rootOffset, numRootEntries uint32, isRoot bool) Header {
	flags := uint32(0)
	if isRoot {
		flags |= cowdisk.FlagIsRoot
	}
	return Header{
		Magic:          cowdisk.CowdMagic,
		Version:        cowdisk.HeaderVersion,
		Flags:          flags,
		NumSectors:     numSectors,
		GrainSize:      grainSize,
		RootOffset:     rootOffset,
		NumRootEntries: numRootEntries,
		NextFree:       rootOffset + (numRootEntries*4+cowdisk.SectorSize-1)/cowdisk.SectorSize,
	}
}

// Encode serializes h into a Size-byte little-endian buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[offMagic:], h.Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offNumSectors:], h.NumSectors)
	binary.LittleEndian.PutUint32(buf[offGrainSize:], h.GrainSize)
	binary.LittleEndian.PutUint32(buf[offRootOffset:], h.RootOffset)
	binary.LittleEndian.PutUint32(buf[offNumRootEntries:], h.NumRootEntries)
	binary.LittleEndian.PutUint32(buf[offNextFree:], h.NextFree)
	putCString(buf[offParentFileName:offParentFileName+maxParentFileNameLen], h.ParentFileName)
	binary.LittleEndian.PutUint32(buf[offParentGeneration:], h.ParentGen)
	binary.LittleEndian.PutUint32(buf[offGeneration:], h.Generation)
	putCString(buf[offName:offName+nameLen], h.Name)
	putCString(buf[offDescription:offDescription+descriptionLen], h.Description)
	binary.LittleEndian.PutUint32(buf[offSavedGeneration:], h.SavedGeneration)
	return buf
}

// Decode parses a Size-byte little-endian buffer into a Header. It returns
// NotSupported if the magic or version does not match.
func Decode(buf []byte) (Header, error) {
	if len(buf) < Size {
		return Header{}, fmt.Errorf("header: short buffer (%d < %d)", len(buf), Size)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[offMagic:])
	if h.Magic != cowdisk.CowdMagic {
		return Header{}, cowdisk.NewError(cowdisk.NotSupported, fmt.Errorf("bad magic %#x", h.Magic))
	}
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	if h.Version != cowdisk.HeaderVersion {
		return Header{}, cowdisk.NewError(cowdisk.NotSupported, fmt.Errorf("unsupported version %d", h.Version))
	}
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])
	h.NumSectors = binary.LittleEndian.Uint32(buf[offNumSectors:])
	h.GrainSize = binary.LittleEndian.Uint32(buf[offGrainSize:])
	h.RootOffset = binary.LittleEndian.Uint32(buf[offRootOffset:])
	h.NumRootEntries = binary.LittleEndian.Uint32(buf[offNumRootEntries:])
	h.NextFree = binary.LittleEndian.Uint32(buf[offNextFree:])
	h.ParentFileName = getCString(buf[offParentFileName : offParentFileName+maxParentFileNameLen])
	h.ParentGen = binary.LittleEndian.Uint32(buf[offParentGeneration:])
	h.Generation = binary.LittleEndian.Uint32(buf[offGeneration:])
	h.Name = getCString(buf[offName : offName+nameLen])
	h.Description = getCString(buf[offDescription : offDescription+descriptionLen])
	h.SavedGeneration = binary.LittleEndian.Uint32(buf[offSavedGeneration:])
	return h, nil
}

func putCString(dst []byte, s string) {
	n := copy(dst, s)
	if n < len(dst) {
		dst[n] = 0
	}
}

func getCString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// EncodeRootTable serializes a root table (one sector-rounded block of
// little-endian uint32 sector offsets) (§3, §6).
func EncodeRootTable(entries []uint32) []byte {
	byteLen := len(entries) * 4
	sectorLen := ((byteLen + cowdisk.SectorSize - 1) / cowdisk.SectorSize) * cowdisk.SectorSize
	buf := make([]byte, sectorLen)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], e)
	}
	return buf
}

// DecodeRootTable parses count little-endian uint32 entries from buf.
func DecodeRootTable(buf []byte, count int) []uint32 {
	entries := make([]uint32, count)
	for i := 0; i < count; i++ {
		entries[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return entries
}

// LeafBlockSize is the exact on-disk size of one leaf block: LeafFanout
// little-endian uint32 sector offsets (§3).
const LeafBlockSize = cowdisk.LeafFanout * 4

// EncodeLeaf serializes LeafFanout entries into a LeafBlockSize buffer.
func EncodeLeaf(entries [cowdisk.LeafFanout]uint32) []byte {
	buf := make([]byte, LeafBlockSize)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], e)
	}
	return buf
}

// DecodeLeaf parses a LeafBlockSize buffer into LeafFanout entries.
func DecodeLeaf(buf []byte) (entries [cowdisk.LeafFanout]uint32) {
	for i := 0; i < cowdisk.LeafFanout; i++ {
		entries[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return entries
}

// LeafSizeInSectors is the number of 512-byte sectors one leaf block occupies.
func LeafSizeInSectors() uint32 {
	return (LeafBlockSize + cowdisk.SectorSize - 1) / cowdisk.SectorSize
}
