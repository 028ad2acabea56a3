package vera

import (
	"fmt"
	"sync"

	"github.com/anatol/devmapper.go"
)

// Volume represents an authenticated VeraCrypt volume: the cipher context
// keyed with the recovered master keys plus the geometry needed to address
// the decrypted payload
type Volume struct {
	// DataOffset is the byte offset of the payload within the logical volume
	DataOffset uint64
	// DataSize is the length of the payload in bytes
	DataSize uint64
	// TotalSize is the size of the extent the volume was unlocked from
	TotalSize uint64
	// SectorSize is the volume sector size declared by the header
	SectorSize uint32
	// Hidden is set when a hidden (or backup-hidden) header authenticated
	Hidden bool
	// UsedBackupHeader is set when the volume was unlocked through one of the
	// backup headers at the end of the volume
	UsedBackupHeader bool
	// Legacy is set for TrueCrypt-era containers
	Legacy bool
	// XTSKeyVulnerable reports identical primary/secondary XTS keys, a
	// known-weak configuration that is mountable but worth surfacing
	XTSKeyVulnerable bool

	ctx      *cipherContext
	hdr      *volumeHeader
	readOnly bool

	// write-protected range for hidden volume protection, volume offsets
	protStart uint64
	protEnd   uint64

	mu     sync.Mutex
	closed bool
}

func newVolume(uh *unlockedHeader, kind HeaderKind, totalSize uint64, readOnly bool) *Volume {
	return &Volume{
		DataOffset:       uh.hdr.encryptedAreaStart,
		DataSize:         uh.hdr.volumeDataSize,
		TotalSize:        totalSize,
		SectorSize:       uh.hdr.sectorSize,
		Hidden:           kind.hidden(),
		UsedBackupHeader: kind == HeaderBackup || kind == HeaderBackupHidden,
		Legacy:           uh.hdr.legacy,
		XTSKeyVulnerable: uh.suite.xtsKeysVulnerable(uh.hdr),
		ctx:              uh.ctx,
		hdr:              uh.hdr,
		readOnly:         readOnly,
	}
}

// Suite returns the name of the encryption algorithm (or cascade) of the volume
func (v *Volume) Suite() string {
	return v.ctx.suite.name
}

// ReadOnly reports whether writes through this volume are refused
func (v *Volume) ReadOnly() bool {
	return v.readOnly
}

func (v *Volume) setProtection(start, end uint64) {
	v.protStart = start
	v.protEnd = end
}

// Close wipes the master key material. It is idempotent and safe to call
// concurrently with session teardown; any transform after Close fails with
// ErrVolumeClosed.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.hdr.wipe()
	return nil
}

func (v *Volume) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// decrypt transforms ciphertext read from the physical layer, in place.
// logicalOffset is relative to the start of the logical volume.
func (v *Volume) decrypt(logicalOffset uint64, buf []byte) error {
	if v.isClosed() {
		return ErrVolumeClosed
	}
	return v.ctx.decryptUnits(logicalOffset, buf)
}

// encrypt transforms plaintext about to be written, in place. Writes hitting
// the protected hidden volume area are refused.
func (v *Volume) encrypt(logicalOffset uint64, buf []byte) error {
	if v.isClosed() {
		return ErrVolumeClosed
	}
	if v.readOnly {
		return ErrReadOnlyVolume
	}
	if v.protEnd > 0 {
		start := v.DataOffset + logicalOffset
		end := start + uint64(len(buf))
		if start < v.protEnd && end > v.protStart {
			return ErrWriteProtected
		}
	}
	return v.ctx.encryptUnits(logicalOffset, buf)
}

// SetupMapper offloads the volume decryption to the kernel by creating a
// dm-crypt mapping over the backing device. Only plain AES volumes map onto
// dm-crypt's aes-xts-plain64 target; cascades stay in userspace.
func (v *Volume) SetupMapper(name, backingDevice string) error {
	if v.isClosed() {
		return ErrVolumeClosed
	}
	if v.ctx.suite.name != "aes" {
		return fmt.Errorf("device-mapper offload is not available for the %v suite", v.ctx.suite.name)
	}
	if v.DataSize%dataUnitSize != 0 || v.DataOffset%dataUnitSize != 0 {
		return fmt.Errorf("volume geometry is not sector aligned")
	}

	table := devmapper.CryptTable{
		Start:         0,
		Length:        v.DataSize,
		BackendDevice: backingDevice,
		BackendOffset: v.DataOffset,
		Encryption:    "aes-xts-plain64",
		Key:           v.hdr.masterKeys[:2*cipherKeySize],
		IVTweak:       v.DataOffset / dataUnitSize,
		SectorSize:    dataUnitSize,
	}

	uuid := fmt.Sprintf("CRYPT-VERA-%v", name) // See dm_prepare_uuid()
	return devmapper.CreateAndLoad(name, uuid, 0, table)
}

// Lock removes a device mapper partition created by SetupMapper
func Lock(name string) error {
	return devmapper.Remove(name)
}
