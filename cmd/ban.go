package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/bastion/internal/ban"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/ipset"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/whitelist"
)

// banRow is the serializable view of a ban record.
type banRow struct {
	IP          string `yaml:"ip"`
	State       string `yaml:"state"`
	Level       int    `yaml:"level"`
	Hits        int    `yaml:"hits"`
	Expiry      string `yaml:"expiry,omitempty"`
	LastFailure string `yaml:"last_failure,omitempty"`
	Whitelisted bool   `yaml:"whitelisted,omitempty"`
}

func newEngine(cfg *config.Config, sets ipset.Controller, logger *logging.Logger) (*ban.Engine, *ban.Store, error) {
	if cfg.Ban == nil {
		return nil, nil, errdefs.Validationf("config: ban block is required for ban commands")
	}
	store, err := ban.NewStore(cfg.Paths.StateDB)
	if err != nil {
		return nil, nil, err
	}
	audit, err := ban.NewAuditLog(cfg.Paths.AuditLog)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	var wl whitelist.View
	if cfg.Whitelist != nil {
		set, err := whitelist.New(cfg.Whitelist.CIDRs)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		wl = set
	}

	eng, err := ban.NewEngine(cfg.Ban, wl, sets, store, audit, cfg.Paths.Rules, nil, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return eng, store, nil
}

// RunBanStatus prints the escalation record for one IP. Reads state only,
// so it never touches the kernel sets.
func RunBanStatus(configFile, ip, output string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	eng, store, err := newEngine(cfg, ipset.NewMemory(nil), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := eng.Status(ip)
	if err != nil {
		return err
	}

	row := banRow{
		IP:          rec.IP,
		State:       string(rec.State),
		Level:       rec.Level,
		Hits:        rec.Hits,
		Whitelisted: rec.Whitelisted,
	}
	if !rec.Expiry.IsZero() {
		row.Expiry = rec.Expiry.Format(time.RFC3339)
	}
	if !rec.LastFailure.IsZero() {
		row.LastFailure = rec.LastFailure.Format(time.RFC3339)
	}

	switch output {
	case "", "table":
		fmt.Printf("%-40s %-8s level=%d hits=%d", row.IP, row.State, row.Level, row.Hits)
		if row.Expiry != "" {
			fmt.Printf(" expires=%s", row.Expiry)
		}
		if row.Whitelisted {
			fmt.Print(" whitelisted")
		}
		fmt.Println()
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(row)
	default:
		return errdefs.Validationf("unknown output format %q", output)
	}
	return nil
}

// RunBanClear unbans one IP.
func RunBanClear(configFile, ip string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Ban == nil {
		return errdefs.Validationf("config: ban block is required for ban commands")
	}
	sets, err := newController(cfg.Ban, logger)
	if err != nil {
		return err
	}
	eng, store, err := newEngine(cfg, sets, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := eng.Clear(context.Background(), ip); err != nil {
		return err
	}
	fmt.Printf("%s cleared\n", ip)
	return nil
}
