//go:build !linux

package cmd

import (
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/ipset"
	"grimm.is/bastion/internal/logging"
)

// newController falls back to the in-memory controller off Linux: bans are
// tracked and audited but not enforced in a packet filter.
func newController(cfg *config.BanConfig, logger *logging.Logger) (ipset.Controller, error) {
	logger.Warn("nftables unavailable on this platform, bans are not enforced",
		"error", ipset.NewNativeUnavailable())
	return ipset.NewMemory(nil), nil
}
