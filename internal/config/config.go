// Package config provides HCL configuration handling for the gateway engine.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/validation"
)

// Config is the root configuration.
type Config struct {
	Paths       *PathsConfig       `hcl:"paths,block"`
	Ban         *BanConfig         `hcl:"ban,block"`
	Whitelist   *WhitelistConfig   `hcl:"whitelist,block"`
	Consolidate *ConsolidateConfig `hcl:"consolidate,block"`
	Sessions    *SessionsConfig    `hcl:"sessions,block"`
	Intake      *IntakeConfig      `hcl:"intake,block"`
	LogLevel    string             `hcl:"log_level,optional"`
	LogJSON     bool               `hcl:"log_json,optional"`
}

// PathsConfig names every directory and file the engine persists to.
type PathsConfig struct {
	Fragments string `hcl:"fragments"`
	Rules     string `hcl:"rules"`
	Sessions  string `hcl:"sessions"`
	AuditLog  string `hcl:"audit_log"`
	StateDB   string `hcl:"state_db"`
}

// BanConfig configures the escalation schedule.
type BanConfig struct {
	Decay  string        `hcl:"decay"`
	SetV4  string        `hcl:"set_v4,optional"`
	SetV6  string        `hcl:"set_v6,optional"`
	Levels []LevelConfig `hcl:"level,block"`

	decay time.Duration
}

// LevelConfig is one rung of the escalation ladder. Crossing Threshold
// accumulated failures bans at this level for Duration.
type LevelConfig struct {
	Threshold int    `hcl:"threshold"`
	Duration  string `hcl:"duration"`

	duration time.Duration
}

// WhitelistConfig lists networks exempt from automatic blocking.
type WhitelistConfig struct {
	CIDRs []string `hcl:"cidrs"`
}

// ConsolidateConfig controls the periodic rule consolidation pass.
type ConsolidateConfig struct {
	Interval string `hcl:"interval,optional"`

	interval time.Duration
}

// SessionsConfig controls session-log retention. Zero retention keeps
// logs forever.
type SessionsConfig struct {
	RetentionDays int `hcl:"retention_days,optional"`
}

// IntakeConfig configures the failed-auth event socket.
type IntakeConfig struct {
	Socket string `hcl:"socket"`
}

// Defaults applied by Validate when optional values are unset.
const (
	DefaultSetV4    = "bastion_banned_v4"
	DefaultSetV6    = "bastion_banned_v6"
	DefaultInterval = 5 * time.Minute
)

// Load reads and validates an HCL config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBytes decodes config from memory; the filename is only used in
// diagnostics and must carry a .hcl suffix.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints, parses duration strings and
// fills defaults. The escalation ladder must be strictly increasing in
// both threshold and duration.
func (c *Config) Validate() error {
	if c.Paths == nil {
		return errdefs.Validationf("config: paths block is required")
	}
	if c.Paths.Fragments == "" || c.Paths.Rules == "" || c.Paths.Sessions == "" {
		return errdefs.Validationf("config: paths.fragments, paths.rules and paths.sessions are required")
	}

	if c.Ban != nil {
		if err := c.Ban.Validate(); err != nil {
			return err
		}
	}

	if c.Whitelist != nil {
		for _, cidr := range c.Whitelist.CIDRs {
			if _, err := validation.ValidateCIDR(cidr); err != nil {
				return fmt.Errorf("config: whitelist: %w", err)
			}
		}
	}

	if c.Consolidate == nil {
		c.Consolidate = &ConsolidateConfig{}
	}
	if c.Consolidate.Interval == "" {
		c.Consolidate.interval = DefaultInterval
	} else {
		d, err := time.ParseDuration(c.Consolidate.Interval)
		if err != nil || d <= 0 {
			return errdefs.Validationf("config: invalid consolidate interval %q", c.Consolidate.Interval)
		}
		c.Consolidate.interval = d
	}

	if c.Sessions != nil && c.Sessions.RetentionDays < 0 {
		return errdefs.Validationf("config: sessions retention_days must not be negative")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errdefs.Validationf("config: unknown log_level %q", c.LogLevel)
	}

	return nil
}

func (b *BanConfig) Validate() error {
	if len(b.Levels) == 0 {
		return errdefs.Validationf("config: ban block needs at least one level")
	}

	d, err := time.ParseDuration(b.Decay)
	if err != nil || d <= 0 {
		return errdefs.Validationf("config: invalid ban decay %q", b.Decay)
	}
	b.decay = d

	if b.SetV4 == "" {
		b.SetV4 = DefaultSetV4
	}
	if b.SetV6 == "" {
		b.SetV6 = DefaultSetV6
	}
	if err := validation.ValidateSetName(b.SetV4); err != nil {
		return err
	}
	if err := validation.ValidateSetName(b.SetV6); err != nil {
		return err
	}

	prevThreshold := 0
	prevDuration := time.Duration(0)
	for i := range b.Levels {
		lvl := &b.Levels[i]
		if lvl.Threshold <= prevThreshold {
			return errdefs.Validationf("config: ban level %d threshold %d not increasing", i+1, lvl.Threshold)
		}
		d, err := time.ParseDuration(lvl.Duration)
		if err != nil || d <= 0 {
			return errdefs.Validationf("config: ban level %d has invalid duration %q", i+1, lvl.Duration)
		}
		if d <= prevDuration {
			return errdefs.Validationf("config: ban level %d duration %s not increasing", i+1, d)
		}
		lvl.duration = d
		prevThreshold = lvl.Threshold
		prevDuration = d
	}
	return nil
}

// DecayWindow returns the parsed decay duration.
func (b *BanConfig) DecayWindow() time.Duration {
	return b.decay
}

// LevelDuration returns the ban duration for a level (1-based). Levels past
// the end of the ladder are capped at the last configured duration.
func (b *BanConfig) LevelDuration(level int) time.Duration {
	if level < 1 {
		return 0
	}
	if level > len(b.Levels) {
		level = len(b.Levels)
	}
	return b.Levels[level-1].duration
}

// LevelThreshold returns the hit threshold for a level (1-based).
func (b *BanConfig) LevelThreshold(level int) int {
	if level < 1 || level > len(b.Levels) {
		return 0
	}
	return b.Levels[level-1].Threshold
}

// MaxLevel returns the deepest configured escalation level.
func (b *BanConfig) MaxLevel() int {
	return len(b.Levels)
}

// Interval returns the parsed consolidation interval.
func (c *ConsolidateConfig) IntervalDuration() time.Duration {
	return c.interval
}
