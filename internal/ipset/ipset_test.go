package ipset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/clock"
)

func TestMemoryTTLExpiry(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 1, 8, 14, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "banned", "10.0.0.5", 5*time.Minute))
	require.NoError(t, m.Add(ctx, "banned", "10.0.0.6", 0))

	members, err := m.List(ctx, "banned")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, members)

	clk.Advance(6 * time.Minute)
	members, err = m.List(ctx, "banned")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.6"}, members, "timed element should age out")
}

// flaky fails the first n calls, then delegates to Memory.
type flaky struct {
	mu    sync.Mutex
	fails int
	inner *Memory
}

func (f *flaky) step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("netlink: transient")
	}
	return nil
}

func (f *flaky) Add(ctx context.Context, set, ip string, ttl time.Duration) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.Add(ctx, set, ip, ttl)
}

func (f *flaky) Remove(ctx context.Context, set, ip string) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.Remove(ctx, set, ip)
}

func (f *flaky) List(ctx context.Context, set string) ([]string, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return f.inner.List(ctx, set)
}

func TestRetryingRecoversFromOneFailure(t *testing.T) {
	inner := &flaky{fails: 1, inner: NewMemory(nil)}
	r := NewRetrying(inner, time.Millisecond, nil)

	err := r.Add(context.Background(), "banned", "10.0.0.5", time.Minute)
	require.NoError(t, err)

	members, err := r.List(context.Background(), "banned")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, members)
}

func TestRetryingSurfacesPersistentFailure(t *testing.T) {
	inner := &flaky{fails: 10, inner: NewMemory(nil)}
	r := NewRetrying(inner, time.Millisecond, nil)

	err := r.Add(context.Background(), "banned", "10.0.0.5", time.Minute)
	require.Error(t, err)
}

func TestRetryingHonorsContext(t *testing.T) {
	inner := &flaky{fails: 10, inner: NewMemory(nil)}
	r := NewRetrying(inner, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Remove(ctx, "banned", "10.0.0.5")
	require.ErrorIs(t, err, context.Canceled)
}
