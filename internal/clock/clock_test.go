package clock

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	c := &RealClock{}

	before := time.Now()
	now := c.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", now, before, after)
	}

	past := now.Add(-time.Minute)
	if c.Since(past) < time.Minute {
		t.Error("Since should be at least a minute")
	}

	future := time.Now().Add(time.Hour)
	if c.Until(future) > time.Hour {
		t.Error("Until should be at most an hour")
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 1, 8, 14, 22, 0, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(5 * time.Minute)
	want := start.Add(5 * time.Minute)
	if !c.Now().Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", c.Now(), want)
	}

	if got := c.Since(start); got != 5*time.Minute {
		t.Errorf("Since(start) = %v, want 5m", got)
	}

	deadline := start.Add(time.Hour)
	if got := c.Until(deadline); got != 55*time.Minute {
		t.Errorf("Until(deadline) = %v, want 55m", got)
	}

	reset := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.Set(reset)
	if !c.Now().Equal(reset) {
		t.Errorf("after Set, Now() = %v, want %v", c.Now(), reset)
	}
}

func TestMockClockConcurrent(t *testing.T) {
	c := NewMockClock(time.Now())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Advance(time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = c.Now()
	}
	<-done
}
