package audiocore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameQueue is a bounded single-consumer queue between the driver thread
// and the dispatcher. Push never blocks: on a full queue the newest frame
// is dropped and counted.
type FrameQueue struct {
	ch       chan Frame
	done     chan struct{}
	closeOne sync.Once
	closed   atomic.Bool

	pushed   atomic.Uint64
	dropped  atomic.Uint64
	lastPush atomic.Int64 // unix nanos of the most recent push, 0 before the first

	onDrop func()
}

// NewFrameQueue creates a queue holding up to capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	return &FrameQueue{
		ch:   make(chan Frame, max(capacity, 1)),
		done: make(chan struct{}),
	}
}

// OnDrop sets a callback run on the pushing thread for every dropped frame.
// It must be set before the first Push and must not block.
func (q *FrameQueue) OnDrop(fn func()) {
	q.onDrop = fn
}

// Push offers a frame and reports whether it was queued. Every push, even a
// dropped one, refreshes LastPush since it proves the device is alive.
func (q *FrameQueue) Push(f Frame) bool {
	q.lastPush.Store(time.Now().UnixNano())
	if q.closed.Load() {
		return false
	}

	select {
	case q.ch <- f:
		q.pushed.Add(1)
		return true
	default:
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
}

// Pop blocks until a frame is available, ctx is done or the queue is closed.
// Frames queued before Close are still returned; after that Pop returns
// ErrQueueClosed.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
	}

	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-q.done:
		select {
		case f := <-q.ch:
			return f, nil
		default:
			return Frame{}, ErrQueueClosed
		}
	}
}

// Close stops accepting frames. It is idempotent.
func (q *FrameQueue) Close() {
	q.closeOne.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

// LastPush returns the time of the most recent push, zero before the first
func (q *FrameQueue) LastPush() time.Time {
	ns := q.lastPush.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Pushed returns the number of frames accepted
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }

// Dropped returns the number of frames dropped on a full queue
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
