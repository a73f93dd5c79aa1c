//go:build linux

package cmd

import (
	"github.com/google/nftables"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/ipset"
	"grimm.is/bastion/internal/logging"
)

const nftTable = "bastion"

// newController opens the nftables control plane and makes sure both ban
// sets exist. Requires CAP_NET_ADMIN.
func newController(cfg *config.BanConfig, logger *logging.Logger) (ipset.Controller, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}
	native := ipset.NewNative(ipset.NewRealNFTConn(conn), nftTable)
	if err := native.EnsureSet(cfg.SetV4, false); err != nil {
		return nil, err
	}
	if err := native.EnsureSet(cfg.SetV6, true); err != nil {
		return nil, err
	}
	return ipset.NewRetrying(native, 0, logger), nil
}
