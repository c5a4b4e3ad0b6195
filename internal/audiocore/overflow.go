package audiocore

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/airlog/airlog/internal/events"
)

// OverflowReporter turns frame drops into QUEUE_OVERFLOW events. Drops are
// counted on the hot path; events are limited to one per interval and carry
// the number of drops since the previous event.
type OverflowReporter struct {
	bus     events.Publisher
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]uint64
	total   atomic.Uint64

	sessionID string
}

// NewOverflowReporter creates a reporter publishing at most one event per interval
func NewOverflowReporter(bus events.Publisher, sessionID string, interval time.Duration) *OverflowReporter {
	if bus == nil {
		bus = events.Discard
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OverflowReporter{
		bus:       bus,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		pending:   make(map[string]uint64),
		sessionID: sessionID,
	}
}

// Drop records one dropped frame at stage ("queue" or a sink name)
func (r *OverflowReporter) Drop(stage string) {
	r.total.Add(1)

	r.mu.Lock()
	r.pending[stage]++
	if !r.limiter.Allow() {
		r.mu.Unlock()
		return
	}
	counts := r.pending
	r.pending = make(map[string]uint64, len(counts))
	r.mu.Unlock()

	for where, n := range counts {
		ev := events.NewEvent(events.KindQueueOverflow, ComponentAudioCore, "audio frames dropped at "+where).
			With("stage", where).
			With("dropped", n).
			With("dropped_total", r.total.Load())
		ev.SessionID = r.sessionID
		r.bus.Publish(ev)
	}
}

// Total returns all drops recorded
func (r *OverflowReporter) Total() uint64 {
	return r.total.Load()
}
