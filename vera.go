package vera

import (
	"fmt"
	"io"
)

// VeraCrypt encrypts data in fixed 512-byte XTS data units regardless of the
// volume sector size. Tweak values count these units.
const dataUnitSize = 512

// headerRegionSize covers salt + header + the reserved area of any header
// candidate location.
const headerRegionSize = 128 * 1024

// ErrInvalidPassword is an error that indicates that none of the header
// candidates could be authenticated with the provided password and PIM
var ErrInvalidPassword = fmt.Errorf("invalid password or PIM, or not a VeraCrypt volume")

// ErrNoPartitions is returned when a device exposes no usable extents
var ErrNoPartitions = fmt.Errorf("no partitions found")

// ErrVolumeSizeUnknown is returned when the size of an extent cannot be
// determined, which makes header probing impossible
var ErrVolumeSizeUnknown = fmt.Errorf("volume size unknown")

// ErrReadOnlyVolume is returned by write operations on a read-only volume
var ErrReadOnlyVolume = fmt.Errorf("volume is read-only")

// ErrWriteProtected is returned when a write overlaps the area of a
// protection-mounted hidden volume
var ErrWriteProtected = fmt.Errorf("write blocked by hidden volume protection")

// ErrMountFailed indicates the filesystem collaborator rejected the unlocked volume
var ErrMountFailed = fmt.Errorf("filesystem mount failed")

// ErrVolumeClosed is returned when using a volume whose key material has been wiped
var ErrVolumeClosed = fmt.Errorf("volume is closed")

var errUnalignedOffset = fmt.Errorf("offset is not aligned to the data unit size")

// BlockDevice is the capability the unlock engine needs from a storage
// transport: random-access reads plus size information. Offsets are absolute
// within the device the implementation represents.
type BlockDevice interface {
	io.ReaderAt
	// BlockSize returns the physical block size in bytes
	BlockSize() uint32
	// Size returns the total device size in bytes, zero if unknown
	Size() uint64
}

// WritableBlockDevice is a BlockDevice that also accepts writes
type WritableBlockDevice interface {
	BlockDevice
	io.WriterAt
}

// Unlock probes all header candidate locations of dev and returns an
// authenticated Volume. It is a shortcut for
//
//	u := vera.Unlocker{}
//	volume, err := u.UnlockContext(context.Background(), dev, password, opts)
func Unlock(dev BlockDevice, password []byte, opts UnlockOptions) (*Volume, error) {
	u := Unlocker{}
	return u.Unlock(dev, password, opts)
}
