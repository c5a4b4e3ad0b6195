// Package streaming re-streams captured audio to RTMP and Icecast servers
// through ffmpeg child processes.
//
// Each target owns one ffmpeg process reading raw PCM from stdin, a ring
// buffer, a feeder goroutine copying the ring to stdin and a supervisor
// goroutine waiting for the process. Targets never restart on their own:
// an unexpected exit marks the target failed until it is enabled again.
package streaming

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentStreaming is the error and event component of the manager
const ComponentStreaming = "streaming"

// Defaults used when a Config field is zero
const (
	DefaultFFmpegPath    = "ffmpeg"
	DefaultStopTimeout   = 5 * time.Second
	DefaultBufferSeconds = 5.0
	minBufferFrames      = 4
)

// ErrTargetStopping is returned by Enable while the same target is still
// shutting down
var ErrTargetStopping = errors.NewStd("stream target is stopping")

// Config of the stream manager
type Config struct {
	FFmpegPath    string
	StopTimeout   time.Duration
	BufferSeconds float64 // per-target ring size in seconds of audio
	SessionID     string
	// OnDrop is called for every frame a target could not buffer
	OnDrop func(kind Kind)
}

// Manager owns the stream targets of a session
type Manager struct {
	cfg    Config
	format audiocore.Format
	bus    events.Publisher
	runner Runner
	log    logger.Logger

	mu      sync.RWMutex
	targets map[Kind]*target
}

// NewManager creates a manager for audio in format f. A nil runner uses
// ExecRunner.
func NewManager(cfg Config, f audiocore.Format, bus events.Publisher, runner Runner) *Manager {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = DefaultBufferSeconds
	}
	if bus == nil {
		bus = events.Discard
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{
		cfg:     cfg,
		format:  f,
		bus:     bus,
		runner:  runner,
		log:     GetLogger(),
		targets: make(map[Kind]*target),
	}
}

// Enable starts the target. Enabling a running target is a no-op.
func (m *Manager) Enable(ctx context.Context, kind Kind, cfg TargetConfig) error {
	if err := cfg.validate(kind); err != nil {
		return targetError(err, kind, "validate")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.targets[kind]; prev != nil {
		switch prev.State() {
		case StateStarting, StateRunning:
			return nil
		case StateStopping:
			return targetError(ErrTargetStopping, kind, "enable")
		default:
			prev.wait(m.cfg.StopTimeout)
		}
	}

	t := newTarget(kind, cfg, m.ringBytes(), m.log)
	t.state.Store(int32(StateStarting))
	m.targets[kind] = t

	proc, err := m.runner.Start(ctx, m.cfg.FFmpegPath, BuildArgs(kind, cfg, m.format))
	if err != nil {
		t.state.Store(int32(StateFailed))
		t.setErr(err)
		close(t.feederDone)
		close(t.exited)
		t.log.Error("failed to start encoder", logger.Error(err))
		m.publish(events.NewEvent(events.KindTargetFailed, ComponentStreaming,
			fmt.Sprintf("%s target failed to start: %v", kind, err)).
			With("target", string(kind)).
			With("destination", t.dest).
			With("exit_code", -1))
		return targetError(err, kind, "start")
	}

	t.proc = proc
	t.startedAt = time.Now()
	t.state.Store(int32(StateRunning))

	go t.feed()
	go t.supervise(m.onTargetFailure)

	t.log.Info("stream target started", logger.Int("pid", proc.Pid()))
	m.publish(events.NewEvent(events.KindTargetStarted, ComponentStreaming,
		fmt.Sprintf("%s target started", kind)).
		With("target", string(kind)).
		With("destination", t.dest).
		With("pid", proc.Pid()))
	return nil
}

// Disable stops the target. It is idempotent and returns once the encoder
// has exited or been killed.
func (m *Manager) Disable(kind Kind) error {
	m.mu.Lock()
	t := m.targets[kind]
	if t == nil {
		m.mu.Unlock()
		return nil
	}
	stopping := t.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	m.mu.Unlock()

	if !stopping {
		if t.State() == StateStopping {
			<-t.stopped
		} else {
			t.wait(m.cfg.StopTimeout)
		}
		return nil
	}

	t.log.Info("stopping stream target")
	if err := t.stop(m.cfg.StopTimeout); err != nil {
		t.log.Error("stream target did not stop", logger.Error(err))
		return targetError(err, kind, "stop")
	}

	st := t.status()
	t.log.Info("stream target stopped", logger.Uint64("bytes_written", st.BytesWritten))
	m.publish(events.NewEvent(events.KindTargetStopped, ComponentStreaming,
		fmt.Sprintf("%s target stopped", kind)).
		With("target", string(kind)).
		With("bytes_written", st.BytesWritten).
		With("frames_dropped", st.FramesDropped))
	return nil
}

// StopAll disables every target in parallel
func (m *Manager) StopAll() error {
	m.mu.RLock()
	kinds := make([]Kind, 0, len(m.targets))
	for kind := range m.targets {
		kinds = append(kinds, kind)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, kind := range kinds {
		g.Go(func() error { return m.Disable(kind) })
	}
	return g.Wait()
}

// Feed offers a frame to every running target without blocking
func (m *Manager) Feed(f audiocore.Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for kind, t := range m.targets {
		if t.State() != StateRunning {
			continue
		}
		if !t.offer(f.Data) && m.cfg.OnDrop != nil {
			m.cfg.OnDrop(kind)
		}
	}
}

// Name implements audiocore.Sink
func (m *Manager) Name() string { return "stream" }

// Consume implements audiocore.Sink
func (m *Manager) Consume(f audiocore.Frame) error {
	m.Feed(f)
	return nil
}

// Status returns a snapshot of every known target, in kind order
func (m *Manager) Status() []TargetStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TargetStatus, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t.status())
	}
	slices.SortFunc(out, func(a, b TargetStatus) int {
		return slices.Index(Kinds, a.Kind) - slices.Index(Kinds, b.Kind)
	})
	return out
}

// TargetState returns the state of a target, idle if it was never enabled
func (m *Manager) TargetState(kind Kind) TargetState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t := m.targets[kind]; t != nil {
		return t.State()
	}
	return StateIdle
}

func (m *Manager) onTargetFailure(t *target, code int, stderr string) {
	st := t.status()
	t.log.Error("stream target failed",
		logger.Int("exit_code", code),
		logger.String("stderr", stderr),
		logger.String("error", st.LastError))

	m.publish(events.NewEvent(events.KindTargetFailed, ComponentStreaming,
		fmt.Sprintf("%s target failed: %s", t.kind, st.LastError)).
		With("target", string(t.kind)).
		With("destination", t.dest).
		With("exit_code", code).
		With("stderr", stderr))
}

func (m *Manager) ringBytes() int {
	n := int(m.cfg.BufferSeconds * float64(m.format.BytesPerSecond()))
	return max(n, minBufferFrames*m.format.BytesPerFrame())
}

func (m *Manager) publish(e events.HealthEvent) {
	e.SessionID = m.cfg.SessionID
	m.bus.Publish(e)
}

func targetError(err error, kind Kind, op string) error {
	return errors.New(err).
		Component(ComponentStreaming).
		Category(errors.CategoryTarget).
		Context("target", string(kind)).
		Context("operation", op).
		Build()
}

// GetLogger returns the streaming module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentStreaming)
}
