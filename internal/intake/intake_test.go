package intake

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/ban"
)

// recordingSink collects events and remembers arrival order per IP.
type recordingSink struct {
	mu     sync.Mutex
	events []ban.FailedAuthEvent
	waitCh chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{waitCh: make(chan struct{}, 1024)}
}

func (r *recordingSink) RecordFailure(ctx context.Context, ev ban.FailedAuthEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.waitCh <- struct{}{}
	return nil
}

func (r *recordingSink) waitFor(t *testing.T, n int) []ban.FailedAuthEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.waitCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ban.FailedAuthEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestParseLine(t *testing.T) {
	ev, err := ParseLine("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ev.IP)
	assert.True(t, ev.Timestamp.IsZero())

	ev, err = ParseLine("203.0.113.9 1736344920")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1736344920, 0).UTC(), ev.Timestamp)

	_, err = ParseLine("203.0.113.9 not-a-time")
	assert.Error(t, err)

	_, err = ParseLine("a b c")
	assert.Error(t, err)
}

func TestFunnelPreservesPerIPOrder(t *testing.T) {
	sink := newRecordingSink()
	f := NewFunnel(sink, 4, 128, nil)
	f.Start()
	defer f.Stop()

	base := time.Date(2025, 1, 8, 14, 0, 0, 0, time.UTC)
	const perIP = 50
	ips := []string{"203.0.113.1", "203.0.113.2", "198.51.100.3"}

	for i := 0; i < perIP; i++ {
		for _, ip := range ips {
			require.True(t, f.Offer(ban.FailedAuthEvent{
				IP:        ip,
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}))
		}
	}

	events := sink.waitFor(t, perIP*len(ips))

	// Per-IP timestamps must arrive monotonically.
	last := make(map[string]time.Time)
	for _, ev := range events {
		if prev, ok := last[ev.IP]; ok {
			assert.False(t, ev.Timestamp.Before(prev),
				"events for %s arrived out of order", ev.IP)
		}
		last[ev.IP] = ev.Timestamp
	}
	assert.Len(t, last, len(ips))
}

func TestFunnelDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	f := NewFunnel(sink, 1, 1, nil)
	f.Start()
	defer func() {
		close(block)
		f.Stop()
	}()

	// First event occupies the worker, second fills the queue; the rest
	// must be rejected without blocking.
	f.Offer(ban.FailedAuthEvent{IP: "192.0.2.1"})
	f.Offer(ban.FailedAuthEvent{IP: "192.0.2.1"})

	dropped := false
	for i := 0; i < 10; i++ {
		if !f.Offer(ban.FailedAuthEvent{IP: "192.0.2.1"}) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) RecordFailure(ctx context.Context, ev ban.FailedAuthEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestServerFeedsFunnel(t *testing.T) {
	sink := newRecordingSink()
	f := NewFunnel(sink, 2, 64, nil)
	f.Start()
	defer f.Stop()

	sock := filepath.Join(t.TempDir(), "intake.sock")
	srv := NewServer(sock, f, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("203.0.113.9 1736344920\nbogus line here\n203.0.113.10\n"))
	require.NoError(t, err)

	events := sink.waitFor(t, 2)
	ips := []string{events[0].IP, events[1].IP}
	assert.ElementsMatch(t, []string{"203.0.113.9", "203.0.113.10"}, ips)
}

func TestServerStaleSocketRemoved(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "intake.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	ln.Close() // leaves the socket file behind on some systems

	sink := newRecordingSink()
	f := NewFunnel(sink, 1, 8, nil)
	f.Start()
	defer f.Stop()

	srv := NewServer(sock, f, nil)
	require.NoError(t, srv.Start())
	srv.Stop()
}
