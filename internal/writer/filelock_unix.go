//go:build unix

package writer

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockTry attempts a non-blocking exclusive advisory lock on f using
// flock(2), matching the POSIX semantics spec section 4.3 relies on for
// "advisory file locking on audit.log." It returns false (not an error)
// when the lock is already held by another process.
func flockTry(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	return false, err
}

// flockRelease releases the advisory lock acquired by flockTry.
func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
