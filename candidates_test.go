package vera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCandidateOrdering(t *testing.T) {
	t.Parallel()

	// large volume: all four locations, cheap fixed offsets first
	candidates := headerCandidates(1 << 30)
	require.Len(t, candidates, 4)
	assert.Equal(t, headerCandidate{0, HeaderPrimary}, candidates[0])
	assert.Equal(t, headerCandidate{65536, HeaderHidden}, candidates[1])
	assert.Equal(t, headerCandidate{1<<30 - 131072, HeaderBackup}, candidates[2])
	assert.Equal(t, headerCandidate{1<<30 - 65536, HeaderBackupHidden}, candidates[3])

	// a volume not larger than the backup region has no backup headers
	candidates = headerCandidates(131072)
	require.Len(t, candidates, 2)
	assert.Equal(t, HeaderPrimary, candidates[0].kind)
	assert.Equal(t, HeaderHidden, candidates[1].kind)
}

func TestHeaderKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "primary", HeaderPrimary.String())
	assert.Equal(t, "hidden", HeaderHidden.String())
	assert.Equal(t, "backup", HeaderBackup.String())
	assert.Equal(t, "backup-hidden", HeaderBackupHidden.String())

	assert.False(t, HeaderPrimary.hidden())
	assert.True(t, HeaderHidden.hidden())
	assert.False(t, HeaderBackup.hidden())
	assert.True(t, HeaderBackupHidden.hidden())
}

func TestPasswordCandidates(t *testing.T) {
	t.Parallel()

	candidates := passwordCandidates([]byte("secret "))
	require.Len(t, candidates, 2)
	assert.Equal(t, []byte("secret "), candidates[0])
	assert.Equal(t, []byte("secret"), candidates[1])

	candidates = passwordCandidates([]byte("secret"))
	require.Len(t, candidates, 1)
	assert.Equal(t, []byte("secret"), candidates[0])

	// the whole run of trailing spaces goes at once
	candidates = passwordCandidates([]byte("secret   "))
	require.Len(t, candidates, 2)
	assert.Equal(t, []byte("secret   "), candidates[0])
	assert.Equal(t, []byte("secret"), candidates[1])

	// only trailing 0x20 bytes are normalized
	candidates = passwordCandidates([]byte("secret\t"))
	require.Len(t, candidates, 1)

	candidates = passwordCandidates([]byte("   "))
	require.Len(t, candidates, 2)
	assert.Equal(t, []byte("   "), candidates[0])
	assert.Empty(t, candidates[1])
}

func TestPasswordCandidatesAreCopies(t *testing.T) {
	t.Parallel()

	password := []byte("secret ")
	candidates := passwordCandidates(password)
	clearSlice(password)
	assert.Equal(t, []byte("secret "), candidates[0])
	assert.Equal(t, []byte("secret"), candidates[1])
}

func TestFilesystemSignature(t *testing.T) {
	t.Parallel()

	block := make([]byte, dataUnitSize)
	assert.Equal(t, "", filesystemSignature(block))

	copy(block[3:], "NTFS    ")
	assert.Equal(t, "NTFS", filesystemSignature(block))

	block = make([]byte, dataUnitSize)
	copy(block[3:], "EXFAT   ")
	assert.Equal(t, "exFAT", filesystemSignature(block))

	block = make([]byte, dataUnitSize)
	copy(block[82:], "FAT32   ")
	assert.Equal(t, "FAT32", filesystemSignature(block))

	block = make([]byte, dataUnitSize)
	copy(block[54:], "FAT16   ")
	assert.Equal(t, "FAT16", filesystemSignature(block))

	// a magic string at the wrong offset is not a signature
	block = make([]byte, dataUnitSize)
	copy(block[10:], "NTFS")
	assert.Equal(t, "", filesystemSignature(block))

	assert.Equal(t, "", filesystemSignature(block[:100]))
}
