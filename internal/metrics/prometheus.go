// Package metrics maintains Prometheus instrumentation for the engine.
// There is no exposition endpoint in this core; the counters are scraped by
// whatever platform layer embeds the engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all engine metrics.
type Registry struct {
	// Ban escalation
	BansTotal      *prometheus.CounterVec // action: add|remove
	FailedAuthHits prometheus.Counter
	BannedCurrent  prometheus.Gauge
	IPSetErrors    *prometheus.CounterVec // op: add|remove|list

	// Rule consolidation
	ConsolidateRuns    *prometheus.CounterVec // family, result: changed|unchanged|error
	CanonicalRuleCount *prometheus.GaugeVec   // family

	// Sessions
	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter

	// Intake
	IntakeEvents  prometheus.Counter
	IntakeDropped prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.BansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "ban",
		Name:      "transitions_total",
		Help:      "Ban set transitions by action.",
	}, []string{"action"})

	r.FailedAuthHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "ban",
		Name:      "failed_auth_hits_total",
		Help:      "Failed authentication events recorded.",
	})

	r.BannedCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bastion",
		Subsystem: "ban",
		Name:      "banned_current",
		Help:      "Source IPs currently banned.",
	})

	r.IPSetErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "ipset",
		Name:      "errors_total",
		Help:      "IP set control plane call failures by operation.",
	}, []string{"op"})

	r.ConsolidateRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "rules",
		Name:      "consolidate_runs_total",
		Help:      "Consolidation passes by family and result.",
	}, []string{"family", "result"})

	r.CanonicalRuleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bastion",
		Subsystem: "rules",
		Name:      "canonical_rules",
		Help:      "Rule lines in the current canonical set.",
	}, []string{"family"})

	r.SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "session",
		Name:      "opened_total",
		Help:      "Sessions opened.",
	})

	r.SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Sessions closed.",
	})

	r.IntakeEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "intake",
		Name:      "events_total",
		Help:      "Failed-auth events accepted from the log-watcher.",
	})

	r.IntakeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "intake",
		Name:      "dropped_total",
		Help:      "Intake lines rejected or dropped.",
	})

	return r
}
