// Package snippet manages per-principal SSH-reachability fragments.
// Each principal owns one fragment file in the fragments directory; the
// filename suffix carries the lifecycle state:
//
//	<principal>.conf           active (principal can reach the daemon)
//	<principal>.conf.inactive  disabled by toggle, content preserved
//	<principal>.conf.disabled  administratively locked out
//
// Every mutation re-validates the aggregate configuration and rolls back
// if the result would not parse: toggling one principal must never break
// the whole gateway config.
package snippet

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/validation"
)

// State is a principal's reachability state.
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateDisabled State = "disabled"
)

const (
	activeSuffix   = ".conf"
	inactiveSuffix = ".conf.inactive"
	disabledSuffix = ".conf.disabled"
)

// directiveRegex matches one "Directive: value" fragment line.
var directiveRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*:\s*\S.*$`)

// Principal is a parsed fragment plus its lifecycle state.
type Principal struct {
	Name       string
	State      State
	Content    string
	Directives map[string]string
	Shell      bool // full shell granted (Shell: yes)
	Sudo       bool // sudo mode granted (Sudo: yes)
}

// ValidateFunc is the post-mutation validation hook. It receives the
// fragments directory and must return an error if the aggregate
// configuration no longer parses.
type ValidateFunc func(dir string) error

// Store manages the fragment directory.
type Store struct {
	dir      string
	validate ValidateFunc
	logger   *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithValidator replaces the default post-mutation validation hook.
func WithValidator(f ValidateFunc) Option {
	return func(s *Store) { s.validate = f }
}

// NewStore creates a snippet store over dir, creating it if needed.
func NewStore(dir string, logger *logging.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create fragments dir: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		dir:      dir,
		validate: ValidateAggregate,
		logger:   logger.WithComponent("snippet"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(principal string, state State) string {
	switch state {
	case StateActive:
		return filepath.Join(s.dir, principal+activeSuffix)
	case StateInactive:
		return filepath.Join(s.dir, principal+inactiveSuffix)
	default:
		return filepath.Join(s.dir, principal+disabledSuffix)
	}
}

// stateOf returns the current state of a principal's fragment, or "" if
// no fragment exists under any suffix.
func (s *Store) stateOf(principal string) State {
	for _, st := range []State{StateActive, StateInactive, StateDisabled} {
		if _, err := os.Stat(s.path(principal, st)); err == nil {
			return st
		}
	}
	return ""
}

// Put provisions (or replaces) a principal's fragment as active.
// The content must parse before anything touches disk. The fragments the
// provision displaces are stashed aside first, so a failed aggregate
// validation restores the principal exactly as it was.
func (s *Store) Put(principal, content string) error {
	if err := validation.ValidatePrincipal(principal); err != nil {
		return err
	}
	if _, err := ParseFragment(principal+activeSuffix, content); err != nil {
		return err
	}

	// Stash every existing variant: the new active fragment replaces the
	// active one and retires any stale toggled variant.
	var stashed [][2]string // [path, stash]
	restore := func() {
		os.Remove(s.path(principal, StateActive))
		for _, p := range stashed {
			os.Rename(p[1], p[0])
		}
	}
	for _, st := range []State{StateActive, StateInactive, StateDisabled} {
		path := s.path(principal, st)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		stash := path + ".stash"
		if err := os.Rename(path, stash); err != nil {
			restore()
			return fmt.Errorf("stash %s: %w", filepath.Base(path), err)
		}
		stashed = append(stashed, [2]string{path, stash})
	}

	if err := writeFileAtomic(s.path(principal, StateActive), []byte(content)); err != nil {
		restore()
		return err
	}

	if err := s.runHook(); err != nil {
		restore()
		return &errdefs.FatalConfigError{
			Detail: fmt.Sprintf("provisioning %s broke the aggregate config, rolled back", principal),
			Err:    err,
		}
	}

	for _, p := range stashed {
		os.Remove(p[1])
	}
	s.logger.Audit("snippet.put", principal, nil)
	return nil
}

// Enable restores a principal's active fragment from its inactive variant.
// Enabling an already-active principal is a no-op. A principal with no
// fragment at all, or an administratively disabled one, is a
// ValidationError.
func (s *Store) Enable(principal string) error {
	if err := validation.ValidatePrincipal(principal); err != nil {
		return err
	}
	switch s.stateOf(principal) {
	case StateActive:
		return nil
	case StateDisabled:
		return errdefs.Validationf("principal %q is administratively disabled", principal)
	case StateInactive:
	default:
		return errdefs.Validationf("no fragment exists for principal %q", principal)
	}

	from, to := s.path(principal, StateInactive), s.path(principal, StateActive)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("enable %s: %w", principal, err)
	}
	if err := s.runHook(); err != nil {
		if rbErr := os.Rename(to, from); rbErr != nil {
			s.logger.Error("rollback failed after validation failure", "principal", principal, "error", rbErr)
		}
		return &errdefs.FatalConfigError{
			Detail: fmt.Sprintf("enabling %s broke the aggregate config, rolled back", principal),
			Err:    err,
		}
	}
	s.logger.Audit("snippet.enable", principal, nil)
	return nil
}

// Disable renames the active fragment to its inactive variant. The rename
// is lossless: content is byte-identical when re-enabled. Disabling a
// principal that is not active is a ValidationError.
func (s *Store) Disable(principal string) error {
	if err := validation.ValidatePrincipal(principal); err != nil {
		return err
	}
	switch s.stateOf(principal) {
	case StateActive:
	case StateInactive:
		return nil
	case StateDisabled:
		return errdefs.Validationf("principal %q is administratively disabled", principal)
	default:
		return errdefs.Validationf("no fragment exists for principal %q", principal)
	}

	from, to := s.path(principal, StateActive), s.path(principal, StateInactive)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("disable %s: %w", principal, err)
	}
	if err := s.runHook(); err != nil {
		if rbErr := os.Rename(to, from); rbErr != nil {
			s.logger.Error("rollback failed after validation failure", "principal", principal, "error", rbErr)
		}
		return &errdefs.FatalConfigError{
			Detail: fmt.Sprintf("disabling %s broke the aggregate config, rolled back", principal),
			Err:    err,
		}
	}
	s.logger.Audit("snippet.disable", principal, nil)
	return nil
}

// Remove deletes a principal's fragment in any state. Removing an absent
// principal succeeds (deprovisioning is idempotent).
func (s *Store) Remove(principal string) error {
	if err := validation.ValidatePrincipal(principal); err != nil {
		return err
	}
	removed := false
	for _, st := range []State{StateActive, StateInactive, StateDisabled} {
		if err := os.Remove(s.path(principal, st)); err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", principal, err)
		}
	}
	if removed {
		s.logger.Audit("snippet.remove", principal, nil)
	}
	return nil
}

// List returns every known principal and its state.
func (s *Store) List() (map[string]State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]State)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, inactiveSuffix):
			out[strings.TrimSuffix(name, inactiveSuffix)] = StateInactive
		case strings.HasSuffix(name, disabledSuffix):
			out[strings.TrimSuffix(name, disabledSuffix)] = StateDisabled
		case strings.HasSuffix(name, activeSuffix):
			out[strings.TrimSuffix(name, activeSuffix)] = StateActive
		}
	}
	return out, nil
}

// Get loads and parses a principal's fragment in whatever state it is in.
func (s *Store) Get(principal string) (*Principal, error) {
	if err := validation.ValidatePrincipal(principal); err != nil {
		return nil, err
	}
	state := s.stateOf(principal)
	if state == "" {
		return nil, errdefs.Validationf("no fragment exists for principal %q", principal)
	}
	data, err := os.ReadFile(s.path(principal, state))
	if err != nil {
		return nil, err
	}
	p, err := ParseFragment(principal, string(data))
	if err != nil {
		return nil, err
	}
	p.Name = principal
	p.State = state
	return p, nil
}

func (s *Store) runHook() error {
	if s.validate == nil {
		return nil
	}
	return s.validate(s.dir)
}

// ParseFragment parses fragment content into directives. The name is only
// used in error messages.
func ParseFragment(name, content string) (*Principal, error) {
	p := &Principal{
		Content:    content,
		Directives: make(map[string]string),
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !directiveRegex.MatchString(line) {
			return nil, errdefs.Parsef(name, lineno, "not a directive line: %q", line)
		}
		key, value, _ := strings.Cut(line, ":")
		p.Directives[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	p.Shell = isYes(p.Directives["Shell"])
	p.Sudo = isYes(p.Directives["Sudo"])
	return p, nil
}

func isYes(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "on":
		return true
	}
	return false
}

// ValidateAggregate is the default post-mutation hook: every active
// fragment in the directory must still parse.
func ValidateAggregate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, activeSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := ParseFragment(name, string(data)); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic writes content via temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fragment-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
