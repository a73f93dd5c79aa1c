// Package cmd holds the runners behind each CLI verb. main.go parses
// flags and dispatches here; runners return errors and the exit code is
// derived from the error class.
package cmd

import (
	"log/slog"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
)

// DefaultConfigPath is where the gateway config lives unless overridden.
const DefaultConfigPath = "/etc/bastion/bastion.hcl"

// loadConfig reads the config file and installs the logger it describes.
func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.JSON = cfg.LogJSON
	switch cfg.LogLevel {
	case "debug":
		logCfg.Level = slog.LevelDebug
	case "warn":
		logCfg.Level = slog.LevelWarn
	case "error":
		logCfg.Level = slog.LevelError
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)
	return cfg, logger, nil
}
