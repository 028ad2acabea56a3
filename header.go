package vera

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// VeraCrypt volume header layout is specified at
// https://veracrypt.io/en/VeraCrypt%20Volume%20Format%20Specification.html
//
// On disk a header occupies 512 bytes: a 64-byte salt followed by a 448-byte
// body encrypted in XTS mode with data unit number 0. All integers in the
// decrypted body are big-endian.
const (
	saltSize       = 64
	headerBodySize = 448
	headerSize     = saltSize + headerBodySize

	keyAreaOffset = 192
	keyAreaSize   = 256

	headerCRCOffset = 188

	// header versions 1.26 and older are understood
	maxProgramVersion = 0x011a
)

var (
	errHeaderMagic          = fmt.Errorf("invalid header magic")
	errHeaderCRC            = fmt.Errorf("header CRC mismatch")
	errHeaderVersion        = fmt.Errorf("unsupported header version")
	errHeaderProgramVersion = fmt.Errorf("unsupported minimum program version")
	errHeaderSectorSize     = fmt.Errorf("invalid sector size")
)

// volumeHeader is a decrypted and validated VeraCrypt volume header
type volumeHeader struct {
	version           uint16
	minProgramVersion uint16
	hiddenVolumeSize  uint64
	volumeDataSize    uint64
	// encryptedAreaStart is the byte offset of the payload within the volume,
	// i.e. the data offset
	encryptedAreaStart  uint64
	encryptedAreaLength uint64
	flags               uint32
	sectorSize          uint32
	legacy              bool // "TRUE" magic, a TrueCrypt-era container
	masterKeys          [keyAreaSize]byte
}

// parseVolumeHeader deserializes a decrypted 448-byte header body. A wrong
// decryption key makes the magic or the CRC checks fail, so this function is
// also the authentication step of an unlock attempt.
func parseVolumeHeader(decrypted []byte) (*volumeHeader, error) {
	if len(decrypted) < headerBodySize {
		return nil, errHeaderMagic
	}

	magic := decrypted[0:4]
	legacy := bytes.Equal(magic, []byte("TRUE"))
	if !legacy && !bytes.Equal(magic, []byte("VERA")) {
		return nil, errHeaderMagic
	}

	version := binary.BigEndian.Uint16(decrypted[4:6])
	if version < 1 {
		return nil, errHeaderVersion
	}

	// the header CRC covers bytes 0..188 and is mandatory since version 4
	if version >= 4 {
		stored := binary.BigEndian.Uint32(decrypted[headerCRCOffset : headerCRCOffset+4])
		if stored != crc32.ChecksumIEEE(decrypted[:headerCRCOffset]) {
			return nil, errHeaderCRC
		}
	}

	minProgramVersion := binary.BigEndian.Uint16(decrypted[6:8])
	if minProgramVersion > maxProgramVersion {
		return nil, errHeaderProgramVersion
	}

	hdr := volumeHeader{
		version:             version,
		minProgramVersion:   minProgramVersion,
		hiddenVolumeSize:    binary.BigEndian.Uint64(decrypted[28:36]),
		volumeDataSize:      binary.BigEndian.Uint64(decrypted[36:44]),
		encryptedAreaStart:  binary.BigEndian.Uint64(decrypted[44:52]),
		encryptedAreaLength: binary.BigEndian.Uint64(decrypted[52:60]),
		flags:               binary.BigEndian.Uint32(decrypted[60:64]),
		sectorSize:          binary.BigEndian.Uint32(decrypted[64:68]),
		legacy:              legacy,
	}

	// sector size became configurable with version 5
	if version < 5 {
		hdr.sectorSize = dataUnitSize
	}
	if hdr.sectorSize < 512 || hdr.sectorSize > 4096 || !isPowerOfTwo(uint(hdr.sectorSize)) {
		return nil, errHeaderSectorSize
	}

	keyAreaCRC := binary.BigEndian.Uint32(decrypted[8:12])
	if keyAreaCRC != crc32.ChecksumIEEE(decrypted[keyAreaOffset:keyAreaOffset+keyAreaSize]) {
		return nil, errHeaderCRC
	}
	copy(hdr.masterKeys[:], decrypted[keyAreaOffset:keyAreaOffset+keyAreaSize])

	return &hdr, nil
}

// xtsKeyVulnerable reports whether the primary and the secondary XTS key of a
// layer are identical, which voids the XTS security guarantees
func (h *volumeHeader) xtsKeyVulnerable(primaryOffset, secondaryOffset, keySize int) bool {
	if secondaryOffset+keySize > len(h.masterKeys) {
		return true
	}
	return bytes.Equal(h.masterKeys[primaryOffset:primaryOffset+keySize],
		h.masterKeys[secondaryOffset:secondaryOffset+keySize])
}

func (h *volumeHeader) wipe() {
	clearSlice(h.masterKeys[:])
}
