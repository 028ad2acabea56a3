package vera

import "bytes"

const (
	// a hidden volume keeps its header at a fixed offset inside the outer volume
	hiddenHeaderOffset = 64 * 1024
	// backup headers occupy the last 128 KiB of the volume
	backupRegionSize = 128 * 1024
)

// HeaderKind identifies which of the four possible header locations a probe
// is looking at
type HeaderKind int

const (
	HeaderPrimary HeaderKind = iota
	HeaderHidden
	HeaderBackup
	HeaderBackupHidden
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderPrimary:
		return "primary"
	case HeaderHidden:
		return "hidden"
	case HeaderBackup:
		return "backup"
	case HeaderBackupHidden:
		return "backup-hidden"
	default:
		return "unknown"
	}
}

// hidden reports whether a header of this kind belongs to a hidden volume
func (k HeaderKind) hidden() bool {
	return k == HeaderHidden || k == HeaderBackupHidden
}

type headerCandidate struct {
	offset uint64
	kind   HeaderKind
}

// headerCandidates returns the probe locations for a volume of the given
// size. The order matters: primary and hidden sit at cheap fixed offsets and
// must be tried before any key derivation is spent on the backup copies at
// the end of the volume.
func headerCandidates(volumeSize uint64) []headerCandidate {
	candidates := []headerCandidate{
		{0, HeaderPrimary},
		{hiddenHeaderOffset, HeaderHidden},
	}
	if volumeSize > backupRegionSize {
		candidates = append(candidates,
			headerCandidate{volumeSize - backupRegionSize, HeaderBackup},
			headerCandidate{volumeSize - hiddenHeaderOffset, HeaderBackupHidden})
	}
	return candidates
}

// passwordCandidates derives the password variants to try, in order: the raw
// bytes, then a copy with trailing spaces stripped if that differs. Only
// trailing 0x20 bytes are normalized; other whitespace passes through
// untouched. Each returned buffer is owned by the caller and must be wiped.
func passwordCandidates(password []byte) [][]byte {
	candidates := make([][]byte, 0, 2)

	raw := make([]byte, len(password))
	copy(raw, password)
	candidates = append(candidates, raw)

	if trimmed := bytes.TrimRight(password, " "); len(trimmed) != len(password) {
		c := make([]byte, len(trimmed))
		copy(c, trimmed)
		candidates = append(candidates, c)
	}
	return candidates
}

// filesystemSignature reports the name of a plaintext filesystem whose boot
// sector magic appears in the candidate block, or "" if none matches. A
// matching block cannot be an encrypted header, so probing it would only
// waste an expensive key derivation.
func filesystemSignature(block []byte) string {
	if len(block) < dataUnitSize {
		return ""
	}
	switch {
	case bytes.Equal(block[3:7], []byte("NTFS")):
		return "NTFS"
	case bytes.Equal(block[3:8], []byte("EXFAT")):
		return "exFAT"
	case bytes.Equal(block[82:87], []byte("FAT32")):
		return "FAT32"
	case bytes.Equal(block[54:59], []byte("FAT16")):
		return "FAT16"
	}
	return ""
}
