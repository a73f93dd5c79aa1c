// Package intake receives failed-auth events from the external log-watcher
// and funnels them into the ban engine. Events for the same source IP are
// delivered in arrival order; events for different IPs may proceed in
// parallel across shards.
package intake

import (
	"context"
	"hash/fnv"
	"sync"

	"grimm.is/bastion/internal/ban"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

// Sink consumes failed-auth events. Satisfied by *ban.Engine.
type Sink interface {
	RecordFailure(ctx context.Context, ev ban.FailedAuthEvent) error
}

const (
	defaultShards    = 8
	defaultQueueSize = 256
)

// Funnel fans failed-auth events out over sharded worker queues. An IP
// always hashes to the same shard, so its events stay ordered.
type Funnel struct {
	sink   Sink
	logger *logging.Logger
	shards []chan ban.FailedAuthEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewFunnel creates a funnel over the given sink. shards and queueSize
// fall back to defaults when non-positive.
func NewFunnel(sink Sink, shards, queueSize int, logger *logging.Logger) *Funnel {
	if shards <= 0 {
		shards = defaultShards
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	f := &Funnel{
		sink:   sink,
		logger: logger.WithComponent("intake"),
		shards: make([]chan ban.FailedAuthEvent, shards),
	}
	for i := range f.shards {
		f.shards[i] = make(chan ban.FailedAuthEvent, queueSize)
	}
	return f
}

// Start launches one worker per shard.
func (f *Funnel) Start() {
	f.startOnce.Do(func() {
		f.ctx, f.cancel = context.WithCancel(context.Background())
		for i := range f.shards {
			f.wg.Add(1)
			go f.worker(f.shards[i])
		}
	})
}

// Stop drains nothing: queued events past the cancel point are dropped.
// Workers finish their in-flight event first.
func (f *Funnel) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.wg.Wait()
	})
}

// Offer enqueues an event. It never blocks: a full shard drops the event
// and counts it, because stalling the log-watcher is worse than losing
// one hit.
func (f *Funnel) Offer(ev ban.FailedAuthEvent) bool {
	metrics.Get().IntakeEvents.Inc()
	shard := f.shardFor(ev.IP)
	select {
	case f.shards[shard] <- ev:
		return true
	default:
		metrics.Get().IntakeDropped.Inc()
		f.logger.Warn("intake queue full, event dropped", "ip", ev.IP)
		return false
	}
}

func (f *Funnel) shardFor(ip string) int {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return int(h.Sum32() % uint32(len(f.shards)))
}

func (f *Funnel) worker(ch <-chan ban.FailedAuthEvent) {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-ch:
			if err := f.sink.RecordFailure(f.ctx, ev); err != nil {
				f.logger.Warn("event rejected", "ip", ev.IP, "error", err)
				metrics.Get().IntakeDropped.Inc()
			}
		}
	}
}
