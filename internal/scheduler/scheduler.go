// Package scheduler runs the gateway's periodic maintenance work: ban
// expiry sweeps, rule consolidation passes, and anything else the daemon
// registers. Schedules are pluggable; the loop ticks once a second.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/logging"
)

// TaskFunc performs one run of a scheduled task. The context is cancelled
// when the scheduler stops or the task's timeout elapses.
type TaskFunc func(ctx context.Context) error

// Schedule decides when a task runs.
type Schedule interface {
	// Next returns the next run time strictly after the given time.
	Next(after time.Time) time.Time
}

// Task is one registered unit of periodic work.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	Enabled    bool
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the observable state of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler owns the registered tasks and the tick loop.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	clk     clock.Clock
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
}

// New creates a scheduler. A nil clock means the real one.
func New(clk clock.Clock, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		clk:    clk,
		logger: logger.WithComponent("scheduler"),
	}
}

// AddTask registers a task. IDs must be unique.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("scheduler: task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("scheduler: task %s has no schedule", task.ID)
	}
	if task.Func == nil {
		return fmt.Errorf("scheduler: task %s has no function", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("scheduler: task %s already registered", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:      task.ID,
			Name:    task.Name,
			Enabled: task.Enabled,
		},
	}
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clk.Now())
		entry.status.NextRun = entry.nextRun
	}
	s.tasks[task.ID] = entry
	s.logger.Info("task registered", "id", task.ID, "name", task.Name)
	return nil
}

// RunTask forces an immediate run regardless of schedule.
func (s *Scheduler) RunTask(id string) error {
	s.mu.RLock()
	entry, exists := s.tasks[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	s.wg.Add(1)
	go s.executeTask(entry)
	return nil
}

// Status returns all task statuses, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		out = append(out, entry.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins the tick loop and fires RunOnStart tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.logger.Info("scheduler started")

	s.mu.RLock()
	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart {
			s.wg.Add(1)
			go s.executeTask(entry)
		}
	}
	s.mu.RUnlock()

	go s.run()
}

// Stop cancels the loop and waits for in-flight tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(s.clk.Now())
		}
	}
}

// dispatchDue launches every enabled task whose next run has arrived. The
// next run time is bumped here, before the task starts, so a slow task
// cannot be launched twice.
func (s *Scheduler) dispatchDue(now time.Time) {
	s.mu.Lock()
	var due []*taskEntry
	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() {
			continue
		}
		if !now.Before(entry.nextRun) {
			entry.nextRun = entry.task.Schedule.Next(now)
			entry.status.NextRun = entry.nextRun
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.wg.Add(1)
		go s.executeTask(entry)
	}
}

func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := s.clk.Now()
	err := task.Func(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
	} else {
		entry.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
}
