package vera

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// fileSize returns size of the file. This function works both with regular files and block devices
func fileSize(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unable to get stat for file %s", f.Name())
	}
	if sys.Mode&syscall.S_IFBLK == 0 {
		return uint64(sys.Size), nil
	}

	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	return uint64(sz), err
}

func isPowerOfTwo(x uint) bool {
	return (x & (x - 1)) == 0
}

func roundUp(n int, divider int) int {
	return (n + divider - 1) / divider * divider
}

func clearSlice(slice []byte) {
	for i := range slice {
		slice[i] = 0
	}
}

func allZero(slice []byte) bool {
	for _, b := range slice {
		if b != 0 {
			return false
		}
	}
	return true
}
