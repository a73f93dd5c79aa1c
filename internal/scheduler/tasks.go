package scheduler

import (
	"context"
	"errors"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/rules"
)

// Sweeper is the ban engine's expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Pruner is the session registry's retention pass.
type Pruner interface {
	Prune(before time.Time) (int, error)
}

// NewSweepTask builds the periodic ban-expiry sweep.
func NewSweepTask(s Sweeper, interval time.Duration) *Task {
	return &Task{
		ID:         "ban-sweep",
		Name:       "Ban expiry sweep",
		Schedule:   Every(interval),
		Func:       s.Sweep,
		Enabled:    true,
		RunOnStart: true,
		Timeout:    time.Minute,
	}
}

// NewConsolidateTask builds the periodic rule consolidation pass. Both
// families are consolidated each run; a failure in one family does not
// stop the other.
func NewConsolidateTask(c *rules.Consolidator, interval time.Duration) *Task {
	return &Task{
		ID:       "consolidate",
		Name:     "Rule consolidation",
		Schedule: Every(interval),
		Func: func(ctx context.Context) error {
			var errs []error
			for _, fam := range rules.Families {
				if _, err := c.Run(ctx, fam, rules.Options{}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
		Enabled:    true,
		RunOnStart: true,
		Timeout:    2 * time.Minute,
	}
}

// NewRetentionTask builds the nightly session-log retention pass. Runs at
// 03:30 local time and deletes logs older than retentionDays.
func NewRetentionTask(p Pruner, retentionDays int, clk clock.Clock) *Task {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Task{
		ID:       "session-retention",
		Name:     "Session log retention",
		Schedule: Daily(3, 30),
		Func: func(ctx context.Context) error {
			cutoff := clk.Now().AddDate(0, 0, -retentionDays)
			_, err := p.Prune(cutoff)
			return err
		},
		Enabled: true,
		Timeout: 10 * time.Minute,
	}
}
