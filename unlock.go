package vera

import (
	"context"
	"fmt"
)

// headerDecrypter authenticates and decrypts a candidate header region. It is
// a strategy so that tests can substitute a double for the expensive key
// derivation; veraDecrypter is the production implementation.
type headerDecrypter interface {
	// decryptHeader must return ErrInvalidPassword when no key/suite
	// combination authenticates the region
	decryptHeader(password, region []byte, pim int) (*unlockedHeader, error)
}

// unlockedHeader is the outcome of a successful header decryption: the parsed
// header plus a cipher context keyed with the master keys
type unlockedHeader struct {
	hdr   *volumeHeader
	ctx   *cipherContext
	suite cipherSuite
}

// veraDecrypter runs the full VeraCrypt header authentication: for every
// iteration count and PRF it derives a key schedule with PBKDF2 and tries
// every cipher suite against the encrypted header body.
type veraDecrypter struct{}

func (veraDecrypter) decryptHeader(password, region []byte, pim int) (*unlockedHeader, error) {
	if len(region) < headerSize {
		return nil, ErrInvalidPassword
	}
	salt := region[:saltSize]
	body := region[saltSize:headerSize]

	decrypted := make([]byte, headerBodySize)
	defer clearSlice(decrypted)

	for _, iterations := range iterationCounts(pim) {
		for _, h := range kdfHashes {
			n := iterations
			if h.ripemd {
				n = ripemdIterations(pim, iterations)
			}

			key := deriveHeaderKey(password, salt, n, h)

			for _, suite := range cipherSuites {
				headerCtx, err := suite.newContext(key, 0)
				if err != nil {
					continue
				}
				copy(decrypted, body)
				headerCtx.decryptHeader(decrypted)

				hdr, err := parseVolumeHeader(decrypted)
				if err != nil {
					continue
				}

				// the volume payload uses the same suite keyed with the
				// master keys; data units are numbered from the volume start
				volCtx, err := suite.newContext(hdr.masterKeys[:], hdr.encryptedAreaStart/dataUnitSize)
				if err != nil {
					hdr.wipe()
					clearSlice(key)
					return nil, err
				}

				clearSlice(key)
				return &unlockedHeader{hdr: hdr, ctx: volCtx, suite: suite}, nil
			}

			clearSlice(key)
		}
	}

	return nil, ErrInvalidPassword
}

// UnlockOptions carries the optional parameters of an unlock attempt
type UnlockOptions struct {
	// PIM controls the key derivation iteration count, 0 selects the format defaults
	PIM int
	// ProtectionPassword, when set, additionally unlocks the hidden volume
	// inside the outer one and write-protects its area
	ProtectionPassword []byte
	ProtectionPIM      int
	// ReadOnly makes all write operations on the volume fail
	ReadOnly bool
}

// Unlocker probes the header candidate locations of an extent and produces an
// authenticated Volume. The zero value uses the real VeraCrypt header
// decryption.
type Unlocker struct {
	decrypter headerDecrypter
}

func (u Unlocker) headerDecrypter() headerDecrypter {
	if u.decrypter != nil {
		return u.decrypter
	}
	return veraDecrypter{}
}

// probeOutcome classifies one candidate attempt. Skips are expected and keep
// the loop going; only the diagnostic is retained for the final error.
type probeOutcome int

const (
	probeMatched probeOutcome = iota
	probeSkipped
	probeFailed
)

// Unlock probes dev without cancellation support
func (u Unlocker) Unlock(dev BlockDevice, password []byte, opts UnlockOptions) (*Volume, error) {
	return u.UnlockContext(context.Background(), dev, password, opts)
}

// UnlockContext tries every header candidate location against every password
// variant, in the fixed cheap-first order, and returns the first Volume that
// authenticates. ctx is consulted between candidate attempts; a single key
// derivation is never interrupted.
func (u Unlocker) UnlockContext(ctx context.Context, dev BlockDevice, password []byte, opts UnlockOptions) (*Volume, error) {
	volumeSize := dev.Size()
	if volumeSize == 0 {
		return nil, ErrVolumeSizeUnknown
	}

	candidates := headerCandidates(volumeSize)
	if len(opts.ProtectionPassword) > 0 {
		// protection expects the outer volume header at the primary location
		candidates = candidates[:1]
	}

	passwords := passwordCandidates(password)
	defer func() {
		for _, p := range passwords {
			clearSlice(p)
		}
	}()

	lastDiag := ""
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, vol, diag := u.probeCandidate(dev, cand, passwords, volumeSize, opts)
		switch outcome {
		case probeMatched:
			return vol, nil
		case probeSkipped, probeFailed:
			if diag != "" {
				lastDiag = diag
			}
		}
	}

	if lastDiag != "" {
		return nil, fmt.Errorf("%v: %w", lastDiag, ErrInvalidPassword)
	}
	return nil, ErrInvalidPassword
}

// probeCandidate reads one header candidate region, applies the cheap
// pre-filters and, only if they pass, pays for the key derivations
func (u Unlocker) probeCandidate(dev BlockDevice, cand headerCandidate, passwords [][]byte, volumeSize uint64, opts UnlockOptions) (probeOutcome, *Volume, string) {
	if cand.offset+headerSize > volumeSize {
		return probeSkipped, nil, fmt.Sprintf("%v header does not fit the volume", cand.kind)
	}

	regionSize := uint64(headerRegionSize)
	if cand.offset+regionSize > volumeSize {
		regionSize = volumeSize - cand.offset
	}
	region := make([]byte, regionSize)
	if n, err := dev.ReadAt(region, int64(cand.offset)); n < len(region) {
		return probeFailed, nil, fmt.Sprintf("reading %v header: %v", cand.kind, err)
	}

	// pre-filters: neither an all-zero block nor a plaintext filesystem boot
	// sector can be an encrypted header, skip before any key derivation
	block := region[:dataUnitSize]
	if allZero(block) {
		return probeSkipped, nil, fmt.Sprintf("%v header is all zeroes", cand.kind)
	}
	if fs := filesystemSignature(block); fs != "" {
		return probeSkipped, nil, fmt.Sprintf("unencrypted %v filesystem detected", fs)
	}

	for _, pw := range passwords {
		uh, err := u.headerDecrypter().decryptHeader(pw, region, opts.PIM)
		if err != nil {
			continue
		}

		vol := newVolume(uh, cand.kind, volumeSize, opts.ReadOnly)
		if len(opts.ProtectionPassword) > 0 {
			if err := u.protectHidden(vol, region, opts); err != nil {
				vol.Close()
				return probeFailed, nil, err.Error()
			}
		}
		return probeMatched, vol, ""
	}

	return probeFailed, nil, fmt.Sprintf("%v header did not authenticate", cand.kind)
}

// protectHidden unlocks the hidden volume header with the protection
// credentials and marks its data area as write-protected on the outer volume
func (u Unlocker) protectHidden(outer *Volume, region []byte, opts UnlockOptions) error {
	if len(region) < hiddenHeaderOffset+headerSize {
		return fmt.Errorf("header region too small for hidden volume check")
	}

	uh, err := u.headerDecrypter().decryptHeader(opts.ProtectionPassword, region[hiddenHeaderOffset:], opts.ProtectionPIM)
	if err != nil {
		return fmt.Errorf("unable to unlock hidden volume for protection: %w", err)
	}
	defer uh.hdr.wipe()

	outer.setProtection(uh.hdr.encryptedAreaStart, uh.hdr.encryptedAreaStart+uh.hdr.volumeDataSize)
	return nil
}
