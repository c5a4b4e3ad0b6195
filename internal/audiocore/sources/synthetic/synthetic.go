// Package synthetic provides a tone generating audio source. It stands in
// for a capture device in dry runs ("device: synthetic") and in tests, where
// it can pause delivery to simulate a stalled device and fail opens on
// demand.
package synthetic

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airlog/airlog/internal/audiocore"
)

// DeviceName selects this source in configuration
const DeviceName = "synthetic"

// Options tune the generated signal
type Options struct {
	Frequency float64       // Hz, default 440
	Amplitude float64       // 0..1, default 0.5
	Interval  time.Duration // time between frames, default the real frame duration
}

// Source generates a sine tone in the configured format
type Source struct {
	opts Options

	mu      sync.Mutex
	cfg     audiocore.DeviceConfig
	format  audiocore.Format
	opened  bool
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	paused   atomic.Bool
	hung     atomic.Bool
	failOpen atomic.Int32
	opens    atomic.Int32

	seq      atomic.Uint64
	frames   atomic.Uint64
	overruns atomic.Uint64
	phase    float64
}

// New creates a synthetic source
func New(opts Options) *Source {
	if opts.Frequency <= 0 {
		opts.Frequency = 440
	}
	if opts.Amplitude <= 0 || opts.Amplitude > 1 {
		opts.Amplitude = 0.5
	}
	return &Source{opts: opts}
}

// Open validates cfg and prepares the generator
func (s *Source) Open(cfg audiocore.DeviceConfig) error {
	s.opens.Add(1)
	if n := s.failOpen.Load(); n > 0 {
		s.failOpen.Add(-1)
		return fmt.Errorf("synthetic device unavailable (%d injected failures left)", n-1)
	}

	f := cfg.Format()
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return audiocore.ErrRunning
	}
	s.cfg = cfg
	s.format = f
	s.opened = true
	s.paused.Store(false)
	return nil
}

// Start begins producing frames to onFrame from a generator goroutine
func (s *Source) Start(onFrame audiocore.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return audiocore.ErrNotOpen
	}
	if s.started {
		return audiocore.ErrRunning
	}

	interval := s.opts.Interval
	if interval <= 0 {
		interval = s.format.FrameDuration()
	}

	s.stop = make(chan struct{})
	s.started = true
	s.wg.Add(1)
	go s.generate(onFrame, interval, s.stop)
	return nil
}

func (s *Source) generate(onFrame audiocore.FrameHandler, interval time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.paused.Load() || s.hung.Load() {
				continue
			}
			f := audiocore.Frame{
				Seq:       s.seq.Add(1),
				Timestamp: time.Now(),
				Data:      s.render(),
			}
			s.frames.Add(1)
			if !onFrame(f) {
				s.overruns.Add(1)
			}
		}
	}
}

// render produces one frame of sine wave, continuing the phase
func (s *Source) render() []byte {
	f := s.format
	bps := f.BytesPerSample()
	data := make([]byte, f.BytesPerFrame())
	step := 2 * math.Pi * s.opts.Frequency / float64(f.SampleRate)

	off := 0
	for range f.FrameSize {
		v := s.opts.Amplitude * math.Sin(s.phase)
		for range f.Channels {
			audiocore.PutSample(data, off, f.SampleFormat, v)
			off += bps
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return data
}

// Stop halts generation and closes the source. It is idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	stop := s.stop
	wasStarted := s.started
	s.started = false
	s.opened = false
	s.stop = nil
	s.mu.Unlock()

	if wasStarted {
		close(stop)
		s.wg.Wait()
	}
	return nil
}

// Format returns the format of produced frames
func (s *Source) Format() audiocore.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Stats returns frame counters
func (s *Source) Stats() audiocore.SourceStats {
	return audiocore.SourceStats{
		Frames:   s.frames.Load(),
		Overruns: s.overruns.Load(),
	}
}

// Pause stops frame delivery without closing the source, as a stalled
// device would. Reopening the source clears the pause.
func (s *Source) Pause() { s.paused.Store(true) }

// Resume restarts frame delivery after Pause or Hang
func (s *Source) Resume() {
	s.paused.Store(false)
	s.hung.Store(false)
}

// Hang stops frame delivery until Resume, surviving reopens
func (s *Source) Hang() { s.hung.Store(true) }

// FailOpens makes the next n calls to Open fail
func (s *Source) FailOpens(n int) { s.failOpen.Store(int32(n)) } //nolint:gosec // test helper, small n

// Opens returns how many times Open was called
func (s *Source) Opens() int { return int(s.opens.Load()) }
