package vera

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PartitionExtent is a byte range of a parent block device, produced by the
// GPT/MBR parsers. It implements BlockDevice itself so the unlock engine and
// the crypt decorator consume extents directly.
type PartitionExtent struct {
	// Start and Length are byte offsets within the parent device
	Start  uint64
	Length uint64
	// TypeGUID and UniqueGUID are populated for GPT entries
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	// Type is the MBR partition type byte, zero for GPT entries
	Type byte

	dev BlockDevice
}

// NewExtent creates an extent over an arbitrary byte range of dev. Useful
// when the transport already knows the partition layout.
func NewExtent(dev BlockDevice, start, length uint64) *PartitionExtent {
	return &PartitionExtent{Start: start, Length: length, dev: dev}
}

func (e *PartitionExtent) BlockSize() uint32 { return e.dev.BlockSize() }
func (e *PartitionExtent) Size() uint64      { return e.Length }

func (e *PartitionExtent) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= e.Length {
		return 0, io.EOF
	}
	if uint64(off)+uint64(len(p)) > e.Length {
		p = p[:e.Length-uint64(off)]
		n, err := e.dev.ReadAt(p, off+int64(e.Start))
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return e.dev.ReadAt(p, off+int64(e.Start))
}

func (e *PartitionExtent) WriteAt(p []byte, off int64) (int, error) {
	w, ok := e.dev.(io.WriterAt)
	if !ok {
		return 0, ErrReadOnlyVolume
	}
	if off < 0 || uint64(off)+uint64(len(p)) > e.Length {
		return 0, fmt.Errorf("write outside partition extent")
	}
	return w.WriteAt(p, off+int64(e.Start))
}

const gptSignature = "EFI PART"

// ParseGPT reads the GPT header at LBA 1 and returns the used partition
// entries as extents. Raw devices legitimately carry no partition table, so
// a missing signature or any read failure yields an empty list, never an
// error; the caller falls through to MBR or to whole-device probing.
func ParseGPT(dev BlockDevice) []*PartitionExtent {
	bs := uint64(dev.BlockSize())

	hdr := make([]byte, bs)
	if _, err := dev.ReadAt(hdr, int64(bs)); err != nil {
		return nil
	}
	if !bytes.Equal(hdr[:8], []byte(gptSignature)) {
		return nil
	}

	entriesStart := binary.LittleEndian.Uint64(hdr[72:80])
	numEntries := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	// entry sizes are 128*2^n in practice; the bounds also keep a crafted
	// header from demanding an enormous table allocation
	if numEntries == 0 || numEntries > 4096 || entrySize < 48 || entrySize > 4096 {
		return nil
	}

	table := make([]byte, roundUp(int(numEntries)*int(entrySize), int(bs)))
	if _, err := dev.ReadAt(table, int64(entriesStart*bs)); err != nil {
		return nil
	}

	var extents []*PartitionExtent
	zeroGUID := make([]byte, 16)
	for i := 0; i < int(numEntries); i++ {
		entry := table[i*int(entrySize) : (i+1)*int(entrySize)]
		if bytes.Equal(entry[:16], zeroGUID) {
			continue // unused slot
		}

		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		if firstLBA == 0 || lastLBA < firstLBA {
			continue
		}

		ext := &PartitionExtent{
			Start:      firstLBA * bs,
			Length:     (lastLBA - firstLBA + 1) * bs,
			TypeGUID:   gptGUID(entry[:16]),
			UniqueGUID: gptGUID(entry[16:32]),
			dev:        dev,
		}
		if !ext.clampTo(dev.Size()) {
			continue
		}
		extents = append(extents, ext)
	}
	return extents
}

// ParseMBR reads block 0 and returns the four primary partition entries that
// are in use. Same permissive failure policy as ParseGPT.
func ParseMBR(dev BlockDevice) []*PartitionExtent {
	bs := uint64(dev.BlockSize())
	if bs < 512 {
		return nil
	}

	sector := make([]byte, bs)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil
	}

	var extents []*PartitionExtent
	for i := 0; i < 4; i++ {
		entry := sector[446+16*i : 446+16*(i+1)]
		if entry[4] == 0 {
			continue // unused slot
		}

		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		sectorCount := binary.LittleEndian.Uint32(entry[12:16])
		if lbaStart == 0 || sectorCount == 0 {
			continue
		}

		ext := &PartitionExtent{
			Start:  uint64(lbaStart) * bs,
			Length: uint64(sectorCount) * bs,
			Type:   entry[4],
			dev:    dev,
		}
		if !ext.clampTo(dev.Size()) {
			continue
		}
		extents = append(extents, ext)
	}
	return extents
}

// clampTo enforces the extent invariant start+length <= device size. An
// extent starting past the end of the device is dropped; one running over
// the end is shortened.
func (e *PartitionExtent) clampTo(devSize uint64) bool {
	if devSize == 0 {
		return true // device size unknown, trust the table
	}
	if e.Start >= devSize {
		return false
	}
	if e.Start+e.Length > devSize {
		e.Length = devSize - e.Start
	}
	return true
}

// gptGUID converts the mixed-endian on-disk GUID layout to RFC 4122 byte order
func gptGUID(b []byte) uuid.UUID {
	var g uuid.UUID
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	copy(g[8:], b[8:16])
	return g
}
