package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/validation"
)

// State is a session's lifecycle state.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

const (
	logSuffix   = ".log"
	dateLayout  = "2006-01-02"
	headerOpen  = "=== SESSION OPEN ==="
	headerEnd   = "===================="
	footerOpen  = "=== SESSION CLOSE ==="
	footerEnd   = "====================="
	timeLayout  = time.RFC3339
	maxSuffixes = 100
)

// Session is one audit record.
type Session struct {
	SID        string
	Principal  string
	IP         string
	Start      time.Time
	End        time.Time // zero while open
	State      State
	ExitStatus int
	LogPath    string
}

// Registry manages the session log tree under its root directory.
type Registry struct {
	root   string
	clk    clock.Clock
	logger *logging.Logger

	mu   sync.Mutex
	open map[string]*Session // SID -> open session
}

// NewRegistry creates a registry rooted at dir, creating it if needed.
func NewRegistry(dir string, clk clock.Clock, logger *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		root:   dir,
		clk:    clk,
		logger: logger.WithComponent("session"),
		open:   make(map[string]*Session),
	}, nil
}

// GenerateSID mints the SID for (ip, principal, now). If an open session
// already holds the base SID, a monotonic -1, -2 suffix disambiguates;
// a collision is never silently overwritten. The existence check covers
// both the in-memory open set and any log file already on disk.
func (r *Registry) GenerateSID(ip, principal string, now time.Time) (string, error) {
	canonIP, err := validation.ValidateIP(ip)
	if err != nil {
		return "", err
	}
	if err := validation.ValidatePrincipal(principal); err != nil {
		return "", err
	}

	minute := strings.ToUpper(now.Format(sidTimeLayout))
	base := FormatSID(canonIP, principal, minute)
	dateDir := filepath.Join(r.root, now.Format(dateLayout))

	r.mu.Lock()
	defer r.mu.Unlock()
	for n := 0; n < maxSuffixes; n++ {
		sid := WithSuffix(base, n)
		if _, isOpen := r.open[sid]; isOpen {
			continue
		}
		if _, err := os.Stat(filepath.Join(dateDir, sid+logSuffix)); err == nil {
			continue
		}
		return sid, nil
	}
	return "", errdefs.Conflictf("could not disambiguate SID %s after %d attempts", base, maxSuffixes)
}

// Open mints a SID and creates the session log with its header. The header
// is written to a temp file and renamed into place: a crash mid-open never
// leaves a half-written header. Open failures must block login, so every
// error propagates.
func (r *Registry) Open(ip, principal string) (*Session, error) {
	now := r.clk.Now()
	sid, err := r.GenerateSID(ip, principal, now)
	if err != nil {
		return nil, err
	}
	canonIP, _ := validation.ValidateIP(ip)

	dateDir := filepath.Join(r.root, now.Format(dateLayout))
	if err := os.MkdirAll(dateDir, 0750); err != nil {
		return nil, fmt.Errorf("create date dir: %w", err)
	}

	s := &Session{
		SID:       sid,
		Principal: principal,
		IP:        canonIP,
		Start:     now,
		State:     StateOpen,
		LogPath:   filepath.Join(dateDir, sid+logSuffix),
	}

	var b strings.Builder
	fmt.Fprintln(&b, headerOpen)
	fmt.Fprintf(&b, "SID: %s\n", s.SID)
	fmt.Fprintf(&b, "Principal: %s\n", s.Principal)
	fmt.Fprintf(&b, "Source-IP: %s\n", s.IP)
	fmt.Fprintf(&b, "Start: %s\n", s.Start.Format(timeLayout))
	fmt.Fprintln(&b, headerEnd)

	if err := writeFileAtomic(s.LogPath, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("open session %s: %w", sid, err)
	}

	r.mu.Lock()
	r.open[sid] = s
	r.mu.Unlock()

	metrics.Get().SessionsOpened.Inc()
	r.logger.Info("session opened", "sid", sid, "principal", principal, "ip", canonIP)
	return s, nil
}

// Close appends the footer and flips the session to Closed. A session is
// never mutated again after Close. Closing an unknown or already-closed
// session is a ValidationError.
func (r *Registry) Close(sid string, end time.Time, exitStatus int) error {
	r.mu.Lock()
	s, ok := r.open[sid]
	r.mu.Unlock()

	if !ok {
		// The session may have been opened by an earlier process; find it
		// on disk.
		found, err := r.findOnDisk(sid)
		if err != nil {
			return err
		}
		if found.State == StateClosed {
			return errdefs.Validationf("session %s is already closed", sid)
		}
		s = found
	}

	if end.IsZero() {
		end = r.clk.Now()
	}

	var b strings.Builder
	fmt.Fprintln(&b, footerOpen)
	fmt.Fprintf(&b, "End: %s\n", end.Format(timeLayout))
	fmt.Fprintf(&b, "Duration: %s\n", end.Sub(s.Start).Round(time.Second))
	fmt.Fprintf(&b, "Exit-Status: %d\n", exitStatus)
	fmt.Fprintln(&b, footerEnd)

	f, err := os.OpenFile(s.LogPath, os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sid, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("close session %s: %w", sid, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", sid, err)
	}

	r.mu.Lock()
	delete(r.open, sid)
	r.mu.Unlock()

	metrics.Get().SessionsClosed.Inc()
	r.logger.Info("session closed", "sid", sid, "duration", end.Sub(s.Start).Round(time.Second))
	return nil
}

// Prune removes date directories whose day falls strictly before the
// cutoff, returning the number of session logs deleted. A directory still
/// holding an open session is skipped whole: an open log is never an
// eligible retention target, however old.
func (r *Registry) Prune(before time.Time) (int, error) {
	cutoff := before.Format(dateLayout)

	r.mu.Lock()
	openDirs := make(map[string]struct{})
	for _, s := range r.open {
		openDirs[filepath.Dir(s.LogPath)] = struct{}{}
	}
	r.mu.Unlock()

	dates, err := os.ReadDir(r.root)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, d.Name()); err != nil {
			continue
		}
		if d.Name() >= cutoff {
			continue
		}
		dir := filepath.Join(r.root, d.Name())
		if _, held := openDirs[dir]; held {
			r.logger.Warn("retention skipped date dir with open session", "dir", d.Name())
			continue
		}
		logs, err := os.ReadDir(dir)
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, err
		}
		for _, l := range logs {
			if strings.HasSuffix(l.Name(), logSuffix) {
				removed++
			}
		}
		r.logger.Info("session logs pruned", "date", d.Name(), "count", len(logs))
	}
	return removed, nil
}

// findOnDisk locates a SID's log file by walking the date directories.
func (r *Registry) findOnDisk(sid string) (*Session, error) {
	dates, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(r.root, d.Name(), sid+logSuffix)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return parseLogFile(path)
	}
	return nil, errdefs.Validationf("no session found for SID %q", sid)
}

// parseLogFile extracts the Session record from a log file's header and,
// if present, footer. The opaque body between them is skipped.
func parseLogFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Session{State: StateOpen, LogPath: path}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "SID: "):
			s.SID = strings.TrimPrefix(line, "SID: ")
		case strings.HasPrefix(line, "Principal: "):
			s.Principal = strings.TrimPrefix(line, "Principal: ")
		case strings.HasPrefix(line, "Source-IP: "):
			s.IP = strings.TrimPrefix(line, "Source-IP: ")
		case strings.HasPrefix(line, "Start: "):
			t, err := time.Parse(timeLayout, strings.TrimPrefix(line, "Start: "))
			if err != nil {
				return nil, errdefs.Parsef(filepath.Base(path), 0, "bad start time: %v", err)
			}
			s.Start = t
		case strings.HasPrefix(line, "End: "):
			t, err := time.Parse(timeLayout, strings.TrimPrefix(line, "End: "))
			if err != nil {
				return nil, errdefs.Parsef(filepath.Base(path), 0, "bad end time: %v", err)
			}
			s.End = t
			s.State = StateClosed
		case strings.HasPrefix(line, "Exit-Status: "):
			fmt.Sscanf(strings.TrimPrefix(line, "Exit-Status: "), "%d", &s.ExitStatus)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if s.SID == "" {
		return nil, errdefs.Parsef(filepath.Base(path), 0, "no session header")
	}
	return s, nil
}

// writeFileAtomic writes data via temp file + rename in the target dir.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
