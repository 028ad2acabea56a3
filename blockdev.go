package vera

import (
	"fmt"
	"io"
	"os"
)

// FileDevice exposes a regular file or a raw block device through the
// BlockDevice capability
type FileDevice struct {
	path     string
	f        *os.File
	size     uint64
	writable bool
}

// OpenDevice opens a file or block device. It tries read-write first and
// falls back to read-only.
func OpenDevice(path string) (*FileDevice, error) {
	writable := true
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		writable = false
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	}

	size, err := fileSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileDevice{path: path, f: f, size: size, writable: writable}, nil
}

func (d *FileDevice) Path() string      { return d.path }
func (d *FileDevice) BlockSize() uint32 { return dataUnitSize }
func (d *FileDevice) Size() uint64      { return d.size }

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if !d.writable {
		return 0, ErrReadOnlyVolume
	}
	return d.f.WriteAt(p, off)
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

// CryptDevice is a block-device decorator over a physical extent and an
// authenticated Volume: reads come back decrypted, writes are encrypted on
// the way down. Tweaks derive from the logical offset only, so the same
// logical position always yields the same plaintext no matter where the
// container sits physically.
type CryptDevice struct {
	phys BlockDevice
	vol  *Volume
}

// NewCryptDevice wraps the physical extent the volume was unlocked from
func NewCryptDevice(phys BlockDevice, vol *Volume) *CryptDevice {
	return &CryptDevice{phys: phys, vol: vol}
}

// Volume returns the authenticated volume backing this device
func (d *CryptDevice) Volume() *Volume { return d.vol }

func (d *CryptDevice) BlockSize() uint32 { return d.phys.BlockSize() }

// Blocks returns the number of logical blocks: the physical extent minus the
// header area, clamped to the payload length the header declares
func (d *CryptDevice) Blocks() uint64 {
	physSize := d.phys.Size()
	if physSize <= d.vol.DataOffset {
		return 0
	}
	bs := uint64(d.BlockSize())
	blocks := (physSize - d.vol.DataOffset) / bs
	if ds := d.vol.DataSize; ds > 0 && ds/bs < blocks {
		blocks = ds / bs
	}
	return blocks
}

func (d *CryptDevice) Size() uint64 {
	return d.Blocks() * uint64(d.BlockSize())
}

// ReadAt reads decrypted bytes at a logical volume offset. Reads never cross
// the logical volume end: the backup header region behind the payload must
// not come back as plausible plaintext. Only whole data units can be
// decrypted, so a short physical read is truncated to the unit boundary; the
// returned count matches the decrypted bytes.
func (d *CryptDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if uint64(off)%dataUnitSize != 0 || len(p)%dataUnitSize != 0 {
		return 0, errUnalignedOffset
	}

	size := d.Size()
	if uint64(off) >= size {
		return 0, io.EOF
	}
	truncated := false
	if uint64(off)+uint64(len(p)) > size {
		p = p[:size-uint64(off)]
		truncated = true
	}

	n, err := d.phys.ReadAt(p, off+int64(d.vol.DataOffset))
	n -= n % dataUnitSize
	if n > 0 {
		if derr := d.vol.decrypt(uint64(off), p[:n]); derr != nil {
			return 0, derr
		}
	}
	if err == nil {
		if n < len(p) {
			err = io.ErrUnexpectedEOF
		} else if truncated {
			err = io.EOF
		}
	}
	return n, err
}

// WriteAt encrypts p into a private scratch buffer, never mutating the
// caller's bytes, and forwards it to the physical layer
func (d *CryptDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if uint64(off)%dataUnitSize != 0 || len(p)%dataUnitSize != 0 {
		return 0, errUnalignedOffset
	}

	if uint64(off)+uint64(len(p)) > d.Size() {
		return 0, fmt.Errorf("write past the logical volume end")
	}

	w, ok := d.phys.(WritableBlockDevice)
	if !ok {
		return 0, ErrReadOnlyVolume
	}

	scratch := make([]byte, len(p))
	copy(scratch, p)
	defer clearSlice(scratch)

	if err := d.vol.encrypt(uint64(off), scratch); err != nil {
		return 0, err
	}
	return w.WriteAt(scratch, off+int64(d.vol.DataOffset))
}
