// Package ban tracks failed-auth hits per source IP and drives the
// progressive ban-escalation state machine:
//
//	Clean -> Watched -> Banned(level) -> Expired -> Clean
//
// Escalation is monotonic: while failures keep arriving inside the decay
// window, the level never goes down. Only a full decay window with zero
// failures forgives an offender. Whitelisted sources record hits but never
// pass Watched.
//
// All hit recording and state transitions for one IP are serialized behind
// a per-IP lock, so concurrent failures cannot double-escalate.
package ban

import (
	"context"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/ipset"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/validation"
	"grimm.is/bastion/internal/whitelist"
)

// RecordState is one state of the per-IP machine.
type RecordState string

const (
	StateClean   RecordState = "clean"
	StateWatched RecordState = "watched"
	StateBanned  RecordState = "banned"
	StateExpired RecordState = "expired"
)

// Record is the escalation state for one source IP.
type Record struct {
	IP          string
	Hits        int
	Level       int
	State       RecordState
	Expiry      time.Time // set while Banned
	LastFailure time.Time
	Whitelisted bool
}

// FailedAuthEvent is one extracted authentication failure, pushed by the
// external log-watcher. The engine itself parses no logs.
type FailedAuthEvent struct {
	IP        string
	Timestamp time.Time
}

// Engine is the ban escalation engine.
//
// Records in e.records are immutable once published: writers build a copy,
// mutate the copy under the IP's lock, and swap it in via putRecord. Any
// goroutine holding e.mu (or a pointer it fetched under e.mu) may therefore
// read record fields without coordinating with writers.
type Engine struct {
	cfg    *config.BanConfig
	wl     whitelist.View
	sets   ipset.Controller
	store  *Store
	audit  *AuditLog
	clk    clock.Clock
	logger *logging.Logger

	rulesDir string // where the ban fragment is regenerated

	mu      sync.Mutex
	records map[string]*Record
	ipLocks map[string]*sync.Mutex
}

// NewEngine assembles the engine. store and audit are required; the
// ipset controller may be the in-memory one for dry runs.
func NewEngine(cfg *config.BanConfig, wl whitelist.View, sets ipset.Controller,
	store *Store, audit *AuditLog, rulesDir string, clk clock.Clock, logger *logging.Logger) (*Engine, error) {

	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		cfg:      cfg,
		wl:       wl,
		sets:     sets,
		store:    store,
		audit:    audit,
		clk:      clk,
		logger:   logger.WithComponent("ban"),
		rulesDir: rulesDir,
		records:  make(map[string]*Record),
		ipLocks:  make(map[string]*sync.Mutex),
	}

	recs, err := store.Load()
	if err != nil {
		return nil, err
	}
	banned := 0
	for _, rec := range recs {
		e.records[rec.IP] = rec
		if rec.State == StateBanned {
			banned++
		}
	}
	metrics.Get().BannedCurrent.Set(float64(banned))
	return e, nil
}

// lockFor returns the serialization lock for one IP.
func (e *Engine) lockFor(ip string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ipLocks[ip]
	if !ok {
		l = &sync.Mutex{}
		e.ipLocks[ip] = l
	}
	return l
}

func (e *Engine) getRecord(ip string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[ip]
}

// snapshot returns a private copy of the record for ip, or a fresh Clean
// one. The caller may mutate the copy freely and republish it.
func (e *Engine) snapshot(ip string) *Record {
	if old := e.getRecord(ip); old != nil {
		cp := *old
		return &cp
	}
	return &Record{IP: ip, State: StateClean}
}

func (e *Engine) putRecord(rec *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[rec.IP] = rec
}

func (e *Engine) dropRecord(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.records, ip)
}

func (e *Engine) setFor(ip string) string {
	if validation.IsIPv6(ip) {
		return e.cfg.SetV6
	}
	return e.cfg.SetV4
}

// RecordFailure feeds one failed-auth event into the state machine.
// IP-set call failures are retried and logged by the controller decorator
// but never propagate: failing to enforce a ban must not break the
// authentication path.
func (e *Engine) RecordFailure(ctx context.Context, ev FailedAuthEvent) error {
	ip, err := validation.ValidateIP(ev.IP)
	if err != nil {
		return err
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.clk.Now()
	}

	l := e.lockFor(ip)
	l.Lock()
	defer l.Unlock()

	metrics.Get().FailedAuthHits.Inc()

	rec := e.snapshot(ip)
	prevState := rec.State
	rec.Hits++
	rec.LastFailure = ts
	rec.Whitelisted = e.wl != nil && e.wl.Contains(ip)

	if rec.Whitelisted {
		// Hits are recorded for visibility but a whitelisted source
		// never advances past Watched. A record banned before the IP
		// was whitelisted is un-banned here.
		if prevState == StateBanned {
			e.unban(ctx, rec, ts)
			e.logger.Info("banned source now whitelisted, ban lifted", "ip", ip)
		}
		rec.State = StateWatched
		rec.Expiry = time.Time{}
		e.putRecord(rec)
		if prevState == StateBanned {
			e.regenerateFragment()
		}
		return e.store.Upsert(rec)
	}

	switch prevState {
	case StateBanned:
		// Failures during a ban count, but the window stays put.
		e.putRecord(rec)
		return e.store.Upsert(rec)

	default: // Clean, Watched, Expired
		target := e.targetLevel(rec)
		if target >= 1 {
			e.enterBan(ctx, rec, target, ts)
			e.putRecord(rec)
			e.regenerateFragment()
		} else {
			rec.State = StateWatched
			e.putRecord(rec)
		}
		return e.store.Upsert(rec)
	}
}

// targetLevel computes the level the accumulated hits warrant, floored at
// the record's current level so escalation never goes backwards while the
// offender keeps failing.
func (e *Engine) targetLevel(rec *Record) int {
	level := 0
	for l := 1; l <= e.cfg.MaxLevel(); l++ {
		if rec.Hits >= e.cfg.LevelThreshold(l) {
			level = l
		}
	}
	if level < rec.Level {
		level = rec.Level
	}
	return level
}

// enterBan transitions a private record copy into Banned(level). The
// caller holds the per-IP lock and publishes the copy afterwards.
func (e *Engine) enterBan(ctx context.Context, rec *Record, level int, ts time.Time) {
	duration := e.cfg.LevelDuration(level)
	rec.Level = level
	rec.State = StateBanned
	rec.Expiry = ts.Add(duration)

	if err := e.sets.Add(ctx, e.setFor(rec.IP), rec.IP, duration); err != nil {
		e.logger.Error("ipset add failed, ban recorded but unenforced",
			"ip", rec.IP, "level", level, "error", err)
	}
	if err := e.audit.Append(ts, rec.IP, level, duration, "add"); err != nil {
		e.logger.Error("ban audit append failed", "ip", rec.IP, "error", err)
	}
	metrics.Get().BansTotal.WithLabelValues("add").Inc()
	metrics.Get().BannedCurrent.Inc()

	e.logger.Info("source banned", "ip", rec.IP, "level", level,
		"duration", duration, "hits", rec.Hits)
}

// unban removes a banned record's set element and audits the removal. It
// does not change the record's state; the caller decides the target state
// and publishes the copy.
func (e *Engine) unban(ctx context.Context, rec *Record, now time.Time) {
	if err := e.sets.Remove(ctx, e.setFor(rec.IP), rec.IP); err != nil {
		e.logger.Error("ipset remove failed", "ip", rec.IP, "error", err)
	}
	if err := e.audit.Append(now, rec.IP, rec.Level, 0, "remove"); err != nil {
		e.logger.Error("ban audit append failed", "ip", rec.IP, "error", err)
	}
	metrics.Get().BansTotal.WithLabelValues("remove").Inc()
	metrics.Get().BannedCurrent.Dec()
}

// Sweep runs one expiry pass: bans past their window become Expired, and
// records quiet for a whole decay window reset to Clean. The scheduler
// drives this periodically.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clk.Now()

	e.mu.Lock()
	ips := make([]string, 0, len(e.records))
	for ip := range e.records {
		ips = append(ips, ip)
	}
	e.mu.Unlock()

	changed := false
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}
		l := e.lockFor(ip)
		l.Lock()
		rec := e.getRecord(ip)
		if rec == nil {
			l.Unlock()
			continue
		}

		switch rec.State {
		case StateBanned:
			if !rec.Expiry.After(now) {
				cp := *rec
				e.unban(ctx, &cp, now)
				cp.State = StateExpired
				cp.Expiry = time.Time{}
				e.putRecord(&cp)
				changed = true
				e.logger.Info("ban expired", "ip", ip, "level", cp.Level)
				if err := e.store.Upsert(&cp); err != nil {
					e.logger.Error("persist failed during sweep", "ip", ip, "error", err)
				}
			}
		case StateExpired, StateWatched:
			if now.Sub(rec.LastFailure) >= e.cfg.DecayWindow() {
				e.dropRecord(ip)
				if err := e.store.Delete(ip); err != nil {
					e.logger.Error("persist failed during sweep", "ip", ip, "error", err)
				}
				e.logger.Debug("record decayed to clean", "ip", ip)
			}
		}
		l.Unlock()
	}

	if changed {
		e.regenerateFragment()
	}
	return nil
}

// Rearm re-inserts still-active bans into the IP set. Run once at startup:
// kernel set contents do not survive a reboot, the state database does.
func (e *Engine) Rearm(ctx context.Context) error {
	now := e.clk.Now()

	e.mu.Lock()
	ips := make([]string, 0, len(e.records))
	for ip := range e.records {
		ips = append(ips, ip)
	}
	e.mu.Unlock()

	for _, ip := range ips {
		l := e.lockFor(ip)
		l.Lock()
		rec := e.getRecord(ip)
		if rec != nil && rec.State == StateBanned && rec.Expiry.After(now) {
			ttl := rec.Expiry.Sub(now)
			if err := e.sets.Add(ctx, e.setFor(ip), ip, ttl); err != nil {
				e.logger.Error("rearm failed", "ip", ip, "error", err)
			}
		}
		l.Unlock()
	}
	return e.regenerateFragment()
}

// Status returns a copy of the record for ip; a missing record is Clean.
func (e *Engine) Status(ip string) (*Record, error) {
	canon, err := validation.ValidateIP(ip)
	if err != nil {
		return nil, err
	}
	return e.snapshot(canon), nil
}

// Clear is the operator unban: the IP leaves the set, its record is
// deleted, and the removal is audited. Clearing a Clean IP is a
// ValidationError.
func (e *Engine) Clear(ctx context.Context, ip string) error {
	canon, err := validation.ValidateIP(ip)
	if err != nil {
		return err
	}

	l := e.lockFor(canon)
	l.Lock()
	defer l.Unlock()

	rec := e.getRecord(canon)
	if rec == nil {
		return errdefs.Validationf("no ban record for %s", canon)
	}

	if rec.State == StateBanned {
		cp := *rec
		e.unban(ctx, &cp, e.clk.Now())
	}

	e.dropRecord(canon)
	if err := e.store.Delete(canon); err != nil {
		return err
	}
	e.regenerateFragment()
	e.logger.Audit("ban.clear", canon, map[string]any{"level": rec.Level})
	return nil
}

// regenerateFragment rewrites the ban rule fragment from the current set
// of banned records. Failures are logged: the kernel set is already
// correct, the fragment catches up on the next transition.
func (e *Engine) regenerateFragment() error {
	if e.rulesDir == "" {
		return nil
	}
	e.mu.Lock()
	var v4, v6 []string
	for ip, rec := range e.records {
		if rec.State != StateBanned {
			continue
		}
		if validation.IsIPv6(ip) {
			v6 = append(v6, ip)
		} else {
			v4 = append(v4, ip)
		}
	}
	e.mu.Unlock()

	if err := writeBanFragment(e.rulesDir, v4, v6, e.cfg.SetV4, e.cfg.SetV6); err != nil {
		e.logger.Error("ban fragment regeneration failed", "error", err)
		return err
	}
	return nil
}
