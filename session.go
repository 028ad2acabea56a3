package vera

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Filesystem is the handle returned by the filesystem collaborator. The
// session only needs to close it during teardown; browsing the tree is the
// collaborator's business.
type Filesystem interface {
	io.Closer
}

// FilesystemMounter is the strategy the transport or UI layer supplies to
// mount a directory tree on top of the decrypted block device
type FilesystemMounter interface {
	Mount(dev BlockDevice) (Filesystem, error)
}

// Session is one connected volume: the physical device, the authenticated
// volume, the decrypting decorator and the optional mounted filesystem
type Session struct {
	Volume     *Volume
	Device     *CryptDevice
	Filesystem Filesystem

	phys BlockDevice
}

// ConnectOptions carries the parameters of a connect attempt
type ConnectOptions struct {
	UnlockOptions
	// Mounter, when set, is handed the decrypted device of the first extent
	// that unlocks; a mount failure moves on to the next extent
	Mounter FilesystemMounter

	decrypter headerDecrypter
}

// SessionManager owns at most one active session. Connect and Close are
// serialized by a single lock; a new connect cancels any in-flight attempt
// before taking over, so two sessions can never be installed concurrently.
type SessionManager struct {
	mu   sync.Mutex
	sess *Session

	attemptMu     sync.Mutex
	cancelAttempt context.CancelFunc
}

// Connect tears down any existing session, enumerates partition extents on
// dev (GPT, then MBR, then the whole device as a single extent) and probes
// each one until a volume unlocks and, if a mounter is configured, mounts.
// A later Connect call cancels this one; cancellation is honored between
// candidate attempts, never in the middle of a key derivation.
func (m *SessionManager) Connect(ctx context.Context, dev BlockDevice, password []byte, opts ConnectOptions) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.attemptMu.Lock()
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	m.cancelAttempt = cancel
	m.attemptMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// a newer connect may have cancelled us while we waited for the lock
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.closeLocked()

	if dev.Size() == 0 {
		return nil, ErrVolumeSizeUnknown
	}

	extents := enumerateExtents(dev)
	if len(extents) == 0 {
		return nil, ErrNoPartitions
	}

	unlocker := Unlocker{decrypter: opts.decrypter}

	var lastErr error
	for _, ext := range extents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vol, err := unlocker.UnlockContext(ctx, ext, password, opts.UnlockOptions)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		cryptDev := NewCryptDevice(ext, vol)

		var fs Filesystem
		if opts.Mounter != nil {
			fs, err = opts.Mounter.Mount(cryptDev)
			if err != nil {
				vol.Close()
				lastErr = fmt.Errorf("%w: %v", ErrMountFailed, err)
				continue
			}
		}

		m.sess = &Session{Volume: vol, Device: cryptDev, Filesystem: fs, phys: dev}
		return m.sess, nil
	}

	if lastErr == nil {
		lastErr = ErrInvalidPassword
	}
	return nil, lastErr
}

// Active returns the current session, or nil. The reference may be
// invalidated by a concurrent Connect or Close at any time.
func (m *SessionManager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Close tears down the active session. It is idempotent and a no-op when no
// session exists.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return nil
}

// closeLocked tears down strictly top-down: filesystem first, then the
// decrypting device, then the volume key material, and the physical device
// last, so no layer ever observes a half-closed layer below it
func (m *SessionManager) closeLocked() {
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil

	if s.Filesystem != nil {
		s.Filesystem.Close()
	}
	// CryptDevice holds no resources of its own, dropping it is enough
	if s.Volume != nil {
		s.Volume.Close()
	}
	if c, ok := s.phys.(io.Closer); ok {
		c.Close()
	}
}

// enumerateExtents lists the places a volume may live on the device: GPT
// partitions, MBR partitions, or the device as a whole when no partition
// table is present (a raw stick formatted as one container is the common case)
func enumerateExtents(dev BlockDevice) []*PartitionExtent {
	if extents := ParseGPT(dev); len(extents) > 0 {
		return extents
	}
	if extents := ParseMBR(dev); len(extents) > 0 {
		return extents
	}
	if size := dev.Size(); size > 0 {
		return []*PartitionExtent{NewExtent(dev, 0, size)}
	}
	return nil
}
