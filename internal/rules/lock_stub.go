//go:build !linux
// +build !linux

package rules

import "os"

// lockDir on non-Linux platforms only ensures the lock file exists; the
// advisory flock is a Linux deployment concern.
func lockDir(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
