//go:build linux
// +build linux

package rules

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockDir takes an exclusive advisory flock on the lock file so concurrent
// consolidation passes (two CLI invocations, or CLI plus daemon) cannot
// interleave canonical writes. The lock is released by the returned func.
func lockDir(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
