//go:build !linux
// +build !linux

package ipset

import "fmt"

// NewNativeUnavailable reports why the nftables controller cannot be built
// on this platform. Non-Linux builds run with the in-memory controller.
func NewNativeUnavailable() error {
	return fmt.Errorf("nftables IP sets require linux")
}
