package vera

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/jzelinskie/whirlpool"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ripemd160"
)

// derivedKeySize is the amount of key material derived per attempt, enough
// for the deepest cipher cascade
const derivedKeySize = maxKeyScheduleSize

// kdfHash is one entry of the PBKDF2 hash matrix probed during unlock
type kdfHash struct {
	name    string
	newHash func() hash.Hash
	// RIPEMD-160 historically uses its own iteration counts
	ripemd bool
}

// kdfHashes lists PRFs in probe order, the most common format defaults first.
// Streebog is not supported: no implementation exists in this module's
// dependency set and the format is rare outside GOST deployments.
var kdfHashes = []kdfHash{
	{"sha512", sha512.New, false},
	{"sha256", sha256.New, false},
	{"whirlpool", whirlpool.New, false},
	{"blake2s", blake2s256New, false},
	{"ripemd160", ripemd160.New, true},
	{"sha1", sha1.New, false}, // TrueCrypt legacy
}

func blake2s256New() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// iterationCounts returns the PBKDF2 iteration counts to try, in order. With
// a PIM the count is fully determined (standard and system-encryption
// formulas); without one the format defaults plus the TrueCrypt legacy
// counts are probed.
func iterationCounts(pim int) []int {
	if pim > 0 {
		return []int{15000 + pim*1000, pim * 2048}
	}
	return []int{500000, 200000, 1000, 2000}
}

// ripemdIterations maps an iteration count to its RIPEMD-160 counterpart
func ripemdIterations(pim, iterations int) int {
	if pim > 0 {
		return 15000 + pim*1000
	}
	switch iterations {
	case 500000:
		return 655331
	case 200000:
		return 327661
	}
	return iterations
}

// deriveHeaderKey stretches a password candidate into a key schedule.
// The caller owns the result and must wipe it after use.
func deriveHeaderKey(password, salt []byte, iterations int, h kdfHash) []byte {
	return pbkdf2.Key(password, salt, iterations, derivedKeySize, h.newHash)
}
