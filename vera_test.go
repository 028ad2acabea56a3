package vera

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is an in-memory block device for tests
type memDevice struct {
	data []byte
	// sizeOverride, when nonzero, reports a larger virtual size than the
	// backing buffer; reads past the buffer fail with io.EOF
	sizeOverride uint64
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (d *memDevice) BlockSize() uint32 { return dataUnitSize }

func (d *memDevice) Size() uint64 {
	if d.sizeOverride != 0 {
		return d.sizeOverride
	}
	return uint64(len(d.data))
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(d.data[off:], p), nil
}

func findSuite(t *testing.T, name string) cipherSuite {
	t.Helper()
	for _, s := range cipherSuites {
		if s.name == name {
			return s
		}
	}
	t.Fatalf("unknown cipher suite %v", name)
	return cipherSuite{}
}

func findKdfHash(t *testing.T, name string) kdfHash {
	t.Helper()
	for _, h := range kdfHashes {
		if h.name == name {
			return h
		}
	}
	t.Fatalf("unknown kdf hash %v", name)
	return kdfHash{}
}

func randomMasterKeys(t *testing.T) []byte {
	t.Helper()
	keys := make([]byte, keyAreaSize)
	_, err := rand.Read(keys)
	require.NoError(t, err)
	return keys
}

// testPayload produces a deterministic non-zero plaintext pattern
func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

type headerParams struct {
	magic      string // defaults to "VERA"
	version    uint16 // defaults to 5
	minVersion uint16 // defaults to 0x010b
	hiddenSize uint64
	dataSize   uint64
	dataOffset uint64
	sectorSize uint32 // defaults to 512
}

func (p *headerParams) defaults() {
	if p.magic == "" {
		p.magic = "VERA"
	}
	if p.version == 0 {
		p.version = 5
	}
	if p.minVersion == 0 {
		p.minVersion = 0x010b
	}
	if p.sectorSize == 0 {
		p.sectorSize = dataUnitSize
	}
}

// serializeHeaderBody produces a valid plaintext 448-byte header body
func serializeHeaderBody(p headerParams, masterKeys []byte) []byte {
	p.defaults()
	body := make([]byte, headerBodySize)
	copy(body[0:4], p.magic)
	binary.BigEndian.PutUint16(body[4:6], p.version)
	binary.BigEndian.PutUint16(body[6:8], p.minVersion)
	binary.BigEndian.PutUint64(body[28:36], p.hiddenSize)
	binary.BigEndian.PutUint64(body[36:44], p.dataSize)
	binary.BigEndian.PutUint64(body[44:52], p.dataOffset)
	binary.BigEndian.PutUint64(body[52:60], p.dataSize)
	binary.BigEndian.PutUint32(body[64:68], p.sectorSize)
	copy(body[keyAreaOffset:], masterKeys)
	resealHeaderBody(body)
	return body
}

// resealHeaderBody recomputes both CRC fields after a mutation
func resealHeaderBody(body []byte) {
	binary.BigEndian.PutUint32(body[8:12], crc32.ChecksumIEEE(body[keyAreaOffset:keyAreaOffset+keyAreaSize]))
	binary.BigEndian.PutUint32(body[headerCRCOffset:headerCRCOffset+4], crc32.ChecksumIEEE(body[:headerCRCOffset]))
}

type testVolumeParams struct {
	password string
	pim      int    // defaults to 1 to keep the key derivation cheap
	suite    string // defaults to "aes"
	hash     string // defaults to "sha512"
	legacy   bool

	headerOffset uint64
	dataOffset   uint64
	dataSize     uint64
	hiddenSize   uint64

	// payload is plaintext placed at logical volume offset 0
	payload []byte
	// masterKeys are generated randomly when nil
	masterKeys []byte
}

// writeTestVolume serializes an encrypted volume into dev: the header at
// headerOffset and, when a payload is given, the encrypted payload at
// dataOffset. Returns the master keys.
func writeTestVolume(t *testing.T, dev *memDevice, p testVolumeParams) []byte {
	t.Helper()

	if p.pim == 0 {
		p.pim = 1
	}
	if p.suite == "" {
		p.suite = "aes"
	}
	if p.hash == "" {
		p.hash = "sha512"
	}

	suite := findSuite(t, p.suite)
	h := findKdfHash(t, p.hash)

	keys := p.masterKeys
	if keys == nil {
		keys = randomMasterKeys(t)
	}

	magic := "VERA"
	if p.legacy {
		magic = "TRUE"
	}
	body := serializeHeaderBody(headerParams{
		magic:      magic,
		hiddenSize: p.hiddenSize,
		dataSize:   p.dataSize,
		dataOffset: p.dataOffset,
	}, keys)

	salt := make([]byte, saltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	iterations := iterationCounts(p.pim)[0]
	if h.ripemd {
		iterations = ripemdIterations(p.pim, iterations)
	}
	key := deriveHeaderKey([]byte(p.password), salt, iterations, h)

	hdrCtx, err := suite.newContext(key, 0)
	require.NoError(t, err)
	hdrCtx.encryptHeader(body)

	copy(dev.data[p.headerOffset:], salt)
	copy(dev.data[p.headerOffset+saltSize:], body)

	if len(p.payload) > 0 {
		ct := make([]byte, roundUp(len(p.payload), dataUnitSize))
		copy(ct, p.payload)
		volCtx, err := suite.newContext(keys, p.dataOffset/dataUnitSize)
		require.NoError(t, err)
		require.NoError(t, volCtx.encryptUnits(0, ct))
		copy(dev.data[p.dataOffset:], ct)
	}

	return keys
}

// newTestVolume builds an authenticated volume directly, bypassing the key
// derivation, for tests that only exercise the volume itself
func newTestVolume(t *testing.T, suiteName string, readOnly bool) *Volume {
	t.Helper()

	suite := findSuite(t, suiteName)
	keys := randomMasterKeys(t)
	ctx, err := suite.newContext(keys, 0)
	require.NoError(t, err)

	hdr := &volumeHeader{
		version:             5,
		sectorSize:          dataUnitSize,
		volumeDataSize:      1 << 20,
		encryptedAreaLength: 1 << 20,
	}
	copy(hdr.masterKeys[:], keys)

	uh := &unlockedHeader{hdr: hdr, ctx: ctx, suite: suite}
	return newVolume(uh, HeaderPrimary, 1<<20, readOnly)
}
