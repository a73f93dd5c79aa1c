// Package ipset is the IP-set control plane: named packet-filter sets the
// ban engine adds offenders to and removes them from. The production
// implementation drives nftables named sets over netlink; tests and dry
// runs use the in-memory controller.
package ipset

import (
	"context"
	"sort"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

// Controller manipulates named IP sets.
type Controller interface {
	// Add inserts ip into the set with the given element timeout.
	// A zero ttl means no timeout.
	Add(ctx context.Context, set, ip string, ttl time.Duration) error
	// Remove deletes ip from the set. Removing an absent element is not
	// an error.
	Remove(ctx context.Context, set, ip string) error
	// List returns the member addresses of the set.
	List(ctx context.Context, set string) ([]string, error)
}

// --- In-memory controller (tests, dry-run) ---

// Memory is an in-memory Controller. Element timeouts expire against the
// injected clock.
type Memory struct {
	mu    sync.Mutex
	clk   clock.Clock
	sets  map[string]map[string]time.Time // set -> ip -> expiry (zero = none)
	Calls []string                        // op log, for assertions
}

// NewMemory creates an in-memory controller.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Memory{
		clk:  clk,
		sets: make(map[string]map[string]time.Time),
	}
}

func (m *Memory) Add(ctx context.Context, set, ip string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[set] == nil {
		m.sets[set] = make(map[string]time.Time)
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = m.clk.Now().Add(ttl)
	}
	m.sets[set][ip] = expiry
	m.Calls = append(m.Calls, "add "+set+" "+ip)
	return nil
}

func (m *Memory) Remove(ctx context.Context, set, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[set], ip)
	m.Calls = append(m.Calls, "remove "+set+" "+ip)
	return nil
}

func (m *Memory) List(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	var out []string
	for ip, expiry := range m.sets[set] {
		if !expiry.IsZero() && !expiry.After(now) {
			continue
		}
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, nil
}

// --- Retrying decorator ---

// Retrying wraps a Controller with a single retry after a short backoff.
// Failures are logged and counted but the final error is still returned;
// the ban engine decides whether it may propagate.
type Retrying struct {
	Inner   Controller
	Backoff time.Duration
	Logger  *logging.Logger
}

// NewRetrying wraps inner with one retry.
func NewRetrying(inner Controller, backoff time.Duration, logger *logging.Logger) *Retrying {
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Retrying{Inner: inner, Backoff: backoff, Logger: logger.WithComponent("ipset")}
}

func (r *Retrying) Add(ctx context.Context, set, ip string, ttl time.Duration) error {
	return r.retry(ctx, "add", set, ip, func() error {
		return r.Inner.Add(ctx, set, ip, ttl)
	})
}

func (r *Retrying) Remove(ctx context.Context, set, ip string) error {
	return r.retry(ctx, "remove", set, ip, func() error {
		return r.Inner.Remove(ctx, set, ip)
	})
}

func (r *Retrying) List(ctx context.Context, set string) ([]string, error) {
	var out []string
	err := r.retry(ctx, "list", set, "", func() error {
		var err error
		out, err = r.Inner.List(ctx, set)
		return err
	})
	return out, err
}

func (r *Retrying) retry(ctx context.Context, op, set, ip string, f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	metrics.Get().IPSetErrors.WithLabelValues(op).Inc()
	r.Logger.Warn("ipset call failed, retrying once", "op", op, "set", set, "ip", ip, "error", err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.Backoff):
	}

	if err = f(); err != nil {
		metrics.Get().IPSetErrors.WithLabelValues(op).Inc()
		r.Logger.Error("ipset call failed after retry", "op", op, "set", set, "ip", ip, "error", err)
		return err
	}
	return nil
}
