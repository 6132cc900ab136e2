//go:build unix

package fsys

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockOS takes a non-blocking flock so that other processes sharing the
// root observe the same exclusion.
func lockOS(f *os.File, mode LockMode) error {
	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return fmt.Errorf("%w: %s held by another process", ErrFileLockConflict, f.Name())
		}
		return fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return nil
}

func unlockOS(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
