package audiocore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// Sink consumes frames on its own goroutine. A non-nil error from Consume
// retires the sink: it receives no further frames and the dispatcher's
// error handler is called once.
type Sink interface {
	Name() string
	Consume(Frame) error
}

// SinkStats are per-sink delivery counters
type SinkStats struct {
	Name      string
	Delivered uint64
	Dropped   uint64
	Buffered  int
	Failed    bool
}

type sinkSlot struct {
	sink      Sink
	ch        chan Frame
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Bool
}

// DispatcherOptions configures callbacks of a Dispatcher
type DispatcherOptions struct {
	// OnSinkDrop runs on the dispatcher goroutine when a sink's buffer is full
	OnSinkDrop func(sink string)
	// OnSinkError runs on the sink's goroutine when Consume fails
	OnSinkError func(sink string, err error)
}

// Dispatcher moves frames from a FrameQueue to every registered sink
type Dispatcher struct {
	queue *FrameQueue
	opts  DispatcherOptions

	mu      sync.Mutex
	slots   []*sinkSlot
	started bool

	frames atomic.Uint64
	bytes  atomic.Uint64

	sinkWg sync.WaitGroup
	done   chan struct{}
	log    logger.Logger
}

// NewDispatcher creates a dispatcher reading from queue
func NewDispatcher(queue *FrameQueue, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		opts:  opts,
		done:  make(chan struct{}),
		log:   GetLogger().Module("dispatcher"),
	}
}

// AddSink registers a sink with a private buffer of bufferFrames frames.
// Sinks must be added before Start.
func (d *Dispatcher) AddSink(sink Sink, bufferFrames int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.Newf("cannot add sink %s after start", sink.Name()).
			Component(ComponentAudioCore).
			Category(errors.CategoryState).
			Build()
	}
	for _, s := range d.slots {
		if s.sink.Name() == sink.Name() {
			return fmt.Errorf("sink %s already registered", sink.Name())
		}
	}

	d.slots = append(d.slots, &sinkSlot{sink: sink, ch: make(chan Frame, max(bufferFrames, 1))})
	return nil
}

// Start launches the dispatcher and one goroutine per sink. The dispatcher
// runs until the queue is closed and drained or ctx is cancelled; either
// way every sink channel is then closed and the sinks finish what they hold.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	slots := d.slots
	d.mu.Unlock()

	for _, s := range slots {
		d.sinkWg.Add(1)
		go d.runSink(s)
	}
	go d.run(ctx, slots)
}

func (d *Dispatcher) run(ctx context.Context, slots []*sinkSlot) {
	defer close(d.done)
	defer func() {
		for _, s := range slots {
			close(s.ch)
		}
		d.sinkWg.Wait()
	}()

	for {
		frame, err := d.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) {
				d.log.Debug("dispatcher cancelled", logger.Error(err))
			}
			return
		}

		d.frames.Add(1)
		d.bytes.Add(uint64(len(frame.Data)))

		for _, s := range slots {
			if s.failed.Load() {
				continue
			}
			select {
			case s.ch <- frame:
			default:
				s.dropped.Add(1)
				if d.opts.OnSinkDrop != nil {
					d.opts.OnSinkDrop(s.sink.Name())
				}
			}
		}
	}
}

func (d *Dispatcher) runSink(s *sinkSlot) {
	defer d.sinkWg.Done()

	for frame := range s.ch {
		if s.failed.Load() {
			continue
		}
		if err := s.sink.Consume(frame); err != nil {
			s.failed.Store(true)
			d.log.Error("sink failed, no further frames will be delivered",
				logger.String("sink", s.sink.Name()),
				logger.Error(err))
			if d.opts.OnSinkError != nil {
				d.opts.OnSinkError(s.sink.Name(), err)
			}
			continue
		}
		s.delivered.Add(1)
	}
}

// Done is closed once the dispatcher and all sinks have finished
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until Done or ctx expires
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames returns the number of frames taken from the queue
func (d *Dispatcher) Frames() uint64 { return d.frames.Load() }

// Bytes returns the PCM bytes taken from the queue
func (d *Dispatcher) Bytes() uint64 { return d.bytes.Load() }

// Stats returns delivery counters for every sink
func (d *Dispatcher) Stats() []SinkStats {
	d.mu.Lock()
	slots := d.slots
	d.mu.Unlock()

	out := make([]SinkStats, 0, len(slots))
	for _, s := range slots {
		out = append(out, SinkStats{
			Name:      s.sink.Name(),
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Buffered:  len(s.ch),
			Failed:    s.failed.Load(),
		})
	}
	return out
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc struct {
	SinkName string
	Fn       func(Frame) error
}

func (s SinkFunc) Name() string          { return s.SinkName }
func (s SinkFunc) Consume(f Frame) error { return s.Fn(f) }
