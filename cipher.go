package vera

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/aead/serpent"
	camellia "github.com/dgryski/go-camellia"
	"golang.org/x/crypto/twofish"
	"golang.org/x/crypto/xts"
)

// every supported block cipher takes a 256-bit key, so an XTS layer consumes 64 bytes
const cipherKeySize = 32

// enough key material for the deepest cascade (3 layers, 2 keys each)
const maxKeyScheduleSize = 6 * cipherKeySize

type cipherAlgo struct {
	name      string
	newCipher func(key []byte) (cipher.Block, error)
}

var (
	aesAlgo     = cipherAlgo{"aes", aes.NewCipher}
	serpentAlgo = cipherAlgo{"serpent", serpent.NewCipher}
	twofishAlgo = cipherAlgo{"twofish", func(key []byte) (cipher.Block, error) {
		// twofish.NewCipher returns Cipher type, convert it to cipher.Block
		return twofish.NewCipher(key)
	}}
	camelliaAlgo = cipherAlgo{"camellia", camellia.New}
)

// cipherSuite is one of the encryption algorithms a volume may use: a single
// cipher or a cascade. Layers are listed outermost first, i.e. in the order
// decryption applies them.
type cipherSuite struct {
	name   string
	layers []cipherAlgo
}

// cipherSuites lists the supported suites in probe order. Kuznyechik and its
// cascades are not supported, there is no maintained Go implementation.
var cipherSuites = []cipherSuite{
	{"aes", []cipherAlgo{aesAlgo}},
	{"serpent", []cipherAlgo{serpentAlgo}},
	{"twofish", []cipherAlgo{twofishAlgo}},
	{"aes-twofish", []cipherAlgo{aesAlgo, twofishAlgo}},
	{"aes-twofish-serpent", []cipherAlgo{aesAlgo, twofishAlgo, serpentAlgo}},
	{"serpent-aes", []cipherAlgo{serpentAlgo, aesAlgo}},
	{"twofish-serpent", []cipherAlgo{twofishAlgo, serpentAlgo}},
	{"serpent-twofish-aes", []cipherAlgo{serpentAlgo, twofishAlgo, aesAlgo}},
	{"camellia", []cipherAlgo{camelliaAlgo}},
	{"camellia-serpent", []cipherAlgo{camelliaAlgo, serpentAlgo}},
}

// keyScheduleSize returns how many bytes of key material the suite consumes:
// a primary and a secondary XTS key per layer
func (s cipherSuite) keyScheduleSize() int {
	return len(s.layers) * 2 * cipherKeySize
}

// primaryKeyOffset returns where the primary key of layer i sits within the
// key schedule. The schedule stores all primary keys first, innermost layer
// first, then all secondary keys in the same order.
func (s cipherSuite) primaryKeyOffset(i int) int {
	return (len(s.layers) - 1 - i) * cipherKeySize
}

func (s cipherSuite) secondaryKeyOffset(i int) int {
	return len(s.layers)*cipherKeySize + s.primaryKeyOffset(i)
}

// cipherContext applies the tweak-aware transform of an authenticated volume.
// It owns no raw key bytes, only expanded schedules inside the XTS layers.
type cipherContext struct {
	suite cipherSuite
	// outermost first, same order as suite.layers
	xtsLayers []*xts.Cipher
	// baseUnit is the data unit number of logical volume offset zero
	baseUnit uint64
}

// newContext expands a key schedule into XTS layers. key must hold at least
// keyScheduleSize() bytes; extra bytes are ignored.
func (s cipherSuite) newContext(key []byte, baseUnit uint64) (*cipherContext, error) {
	if len(key) < s.keyScheduleSize() {
		return nil, fmt.Errorf("cipher suite %v needs %v key bytes, got %v", s.name, s.keyScheduleSize(), len(key))
	}

	xtsKey := make([]byte, 2*cipherKeySize)
	defer clearSlice(xtsKey)

	layers := make([]*xts.Cipher, len(s.layers))
	for i, algo := range s.layers {
		p := s.primaryKeyOffset(i)
		q := s.secondaryKeyOffset(i)
		copy(xtsKey[:cipherKeySize], key[p:p+cipherKeySize])
		copy(xtsKey[cipherKeySize:], key[q:q+cipherKeySize])

		c, err := xts.NewCipher(algo.newCipher, xtsKey)
		if err != nil {
			return nil, err
		}
		layers[i] = c
	}

	return &cipherContext{suite: s, xtsLayers: layers, baseUnit: baseUnit}, nil
}

// decryptUnits decrypts whole data units in place. tweakOffset is a byte
// offset relative to the start of the logical volume; the context anchors it
// at its base unit, so the physical placement of the container never leaks
// into the tweak.
func (c *cipherContext) decryptUnits(tweakOffset uint64, buf []byte) error {
	if tweakOffset%dataUnitSize != 0 {
		return errUnalignedOffset
	}
	if len(buf)%dataUnitSize != 0 {
		return fmt.Errorf("buffer length %v is not a multiple of the data unit size", len(buf))
	}

	unit := c.baseUnit + tweakOffset/dataUnitSize
	for i := 0; i < len(buf); i += dataUnitSize {
		block := buf[i : i+dataUnitSize]
		for _, l := range c.xtsLayers {
			l.Decrypt(block, block, unit)
		}
		unit++
	}
	return nil
}

// encryptUnits is the inverse of decryptUnits: cascade layers apply innermost first
func (c *cipherContext) encryptUnits(tweakOffset uint64, buf []byte) error {
	if tweakOffset%dataUnitSize != 0 {
		return errUnalignedOffset
	}
	if len(buf)%dataUnitSize != 0 {
		return fmt.Errorf("buffer length %v is not a multiple of the data unit size", len(buf))
	}

	unit := c.baseUnit + tweakOffset/dataUnitSize
	for i := 0; i < len(buf); i += dataUnitSize {
		block := buf[i : i+dataUnitSize]
		for j := len(c.xtsLayers) - 1; j >= 0; j-- {
			c.xtsLayers[j].Encrypt(block, block, unit)
		}
		unit++
	}
	return nil
}

// decryptHeader decrypts a 448-byte header body in place. The header is a
// single XTS unit with data unit number 0 no matter where it sits on disk.
func (c *cipherContext) decryptHeader(body []byte) {
	for _, l := range c.xtsLayers {
		l.Decrypt(body, body, 0)
	}
}

// encryptHeader is the inverse of decryptHeader
func (c *cipherContext) encryptHeader(body []byte) {
	for j := len(c.xtsLayers) - 1; j >= 0; j-- {
		c.xtsLayers[j].Encrypt(body, body, 0)
	}
}

// xtsKeysVulnerable reports whether any layer of the schedule uses identical
// primary and secondary keys
func (s cipherSuite) xtsKeysVulnerable(h *volumeHeader) bool {
	for i := range s.layers {
		if h.xtsKeyVulnerable(s.primaryKeyOffset(i), s.secondaryKeyOffset(i), cipherKeySize) {
			return true
		}
	}
	return false
}
