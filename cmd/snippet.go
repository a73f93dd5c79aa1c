package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"grimm.is/bastion/internal/snippet"
)

// RunAdd installs or replaces a principal's access snippet. A file of "-"
// reads from stdin.
func RunAdd(configFile, principal, file string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	var content []byte
	if file == "-" || file == "" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("reading snippet: %w", err)
	}

	store, err := snippet.NewStore(cfg.Paths.Fragments, logger)
	if err != nil {
		return err
	}
	if err := store.Put(principal, string(content)); err != nil {
		return err
	}
	fmt.Printf("snippet for %s installed\n", principal)
	return nil
}

// RunEnable activates a principal's snippet.
func RunEnable(configFile, principal string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := snippet.NewStore(cfg.Paths.Fragments, logger)
	if err != nil {
		return err
	}
	if err := store.Enable(principal); err != nil {
		return err
	}
	fmt.Printf("%s enabled\n", principal)
	return nil
}

// RunDisable deactivates a principal's snippet, preserving its content.
func RunDisable(configFile, principal string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := snippet.NewStore(cfg.Paths.Fragments, logger)
	if err != nil {
		return err
	}
	if err := store.Disable(principal); err != nil {
		return err
	}
	fmt.Printf("%s disabled\n", principal)
	return nil
}

// RunRemove deletes a principal's snippet entirely.
func RunRemove(configFile, principal string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := snippet.NewStore(cfg.Paths.Fragments, logger)
	if err != nil {
		return err
	}
	if err := store.Remove(principal); err != nil {
		return err
	}
	fmt.Printf("%s removed\n", principal)
	return nil
}

// RunList prints every principal and its snippet state.
func RunList(configFile string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := snippet.NewStore(cfg.Paths.Fragments, logger)
	if err != nil {
		return err
	}
	states, err := store.List()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%-32s %s\n", name, states[name])
	}
	return nil
}
