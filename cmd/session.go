package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/session"
)

// sessionRow is the serializable view of a session for list output.
type sessionRow struct {
	SID       string `yaml:"sid"`
	Principal string `yaml:"principal"`
	IP        string `yaml:"ip"`
	Start     string `yaml:"start"`
	End       string `yaml:"end,omitempty"`
	State     string `yaml:"state"`
	Exit      *int   `yaml:"exit,omitempty"`
}

// RunSessionOpen opens a session and prints its SID. The login wrapper
// captures the SID to tag the connection.
func RunSessionOpen(configFile, ip, principal string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	reg, err := session.NewRegistry(cfg.Paths.Sessions, nil, logger)
	if err != nil {
		return err
	}
	s, err := reg.Open(ip, principal)
	if err != nil {
		return err
	}
	fmt.Println(s.SID)
	return nil
}

// sessionCloser is the slice of the registry the close runner needs.
type sessionCloser interface {
	Close(sid string, end time.Time, exitStatus int) error
}

// RunSessionClose finalizes a session log with the wrapper's exit status.
func RunSessionClose(configFile, sid string, exitStatus int) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	reg, err := session.NewRegistry(cfg.Paths.Sessions, nil, logger)
	if err != nil {
		return err
	}
	return closeSession(reg, logger, sid, exitStatus)
}

// closeSession applies the close policy: a close that cannot write its
// footer must never block the logout path, so I/O failures are logged and
// swallowed. Operator mistakes (unknown or already-closed SIDs) still
// surface.
func closeSession(reg sessionCloser, logger *logging.Logger, sid string, exitStatus int) error {
	err := reg.Close(sid, time.Time{}, exitStatus)
	if err == nil {
		return nil
	}
	if errdefs.IsValidation(err) || errdefs.IsConflict(err) {
		return err
	}
	logger.Warn("session close failed, logout proceeds", "sid", sid, "error", err)
	return nil
}

// RunSessionList prints sessions matching the filter.
func RunSessionList(configFile string, filter session.Filter, output string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	reg, err := session.NewRegistry(cfg.Paths.Sessions, nil, logger)
	if err != nil {
		return err
	}

	var rows []sessionRow
	for s, err := range reg.Lookup(filter) {
		if err != nil {
			return err
		}
		row := sessionRow{
			SID:       s.SID,
			Principal: s.Principal,
			IP:        s.IP,
			Start:     s.Start.Format(time.RFC3339),
			State:     string(s.State),
		}
		if !s.End.IsZero() {
			row.End = s.End.Format(time.RFC3339)
			exit := s.ExitStatus
			row.Exit = &exit
		}
		rows = append(rows, row)
	}

	switch output {
	case "", "table":
		for _, r := range rows {
			end := "-"
			if r.End != "" {
				end = r.End
			}
			fmt.Printf("%-44s %-16s %-40s %-25s %-25s %s\n",
				r.SID, r.Principal, r.IP, r.Start, end, r.State)
		}
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(rows)
	default:
		return errdefs.Validationf("unknown output format %q", output)
	}
	return nil
}
