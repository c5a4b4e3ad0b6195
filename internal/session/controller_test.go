package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airlog/airlog/internal/archive"
	"github.com/airlog/airlog/internal/audiocore/sources/synthetic"
	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/streaming"
	"github.com/airlog/airlog/internal/watchdog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const baseConfig = `
audio:
  device: synthetic
  sample_rate: 8000
  channels: 1
  sample_format: s16
  frame_size: 80
recording:
  output_directory: %s
  filename_prefix: test
  chunk_duration_minutes: 1
  max_chunks_per_day: 96
watchdog:
  poll_interval: 20ms
  stall_threshold_seconds: 1
  max_recovery_attempts: 2
  recovery_grace: 300ms
session:
  shutdown_timeout: 3s
monitor:
  enabled: false
streaming:
  stop_timeout: 500ms
%s`

type harness struct {
	ctrl   *Controller
	source *synthetic.Source
	bus    *events.Collector
	runner *fakeRunner
	dir    string
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()

	dir := t.TempDir()
	out := filepath.Join(dir, "archive")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, fmt.Appendf(nil, baseConfig, out, extra), 0o600))
	settings, err := conf.Load(path)
	require.NoError(t, err)

	h := &harness{
		source: synthetic.New(synthetic.Options{Interval: 2 * time.Millisecond}),
		bus:    events.NewCollector("test", 0),
		runner: &fakeRunner{},
		dir:    out,
	}
	h.ctrl = NewController(settings, Deps{
		Bus:      h.bus,
		Source:   h.source,
		Runner:   h.runner,
		Location: time.UTC,
	})
	return h
}

func (h *harness) waitFrames(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Status().FramesCaptured >= n },
		5*time.Second, 5*time.Millisecond, "frames never reached the dispatcher")
}

func (h *harness) waitEvent(t *testing.T, kind events.Kind, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bus.Count(kind) > 0 },
		within, 10*time.Millisecond, "no %s event", kind)
}

func stop(t *testing.T, c *Controller) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Stop(ctx)
}

func TestStartStopWritesOneChunk(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.True(t, h.ctrl.Active())

	st := h.ctrl.Status()
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, watchdog.StateHealthy.String(), st.Health)
	assert.Equal(t, 8000, st.Device.SampleRate)

	h.waitFrames(t, 50)
	require.NoError(t, stop(t, h.ctrl))

	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	require.NoError(t, h.ctrl.Err())

	st = h.ctrl.Status()
	assert.False(t, st.Active)
	assert.Equal(t, archive.StateClosed.String(), st.WriterState)
	assert.Equal(t, 1, st.Chunks)
	require.NotNil(t, st.LastChunk)
	assert.Nil(t, st.CurrentChunk)

	info, err := archive.VerifyChunk(st.LastChunk.Path)
	require.NoError(t, err)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, st.LastChunk.Bytes, info.DataBytes)
	assert.True(t, strings.HasPrefix(st.LastChunk.Path, h.dir))

	kinds := h.bus.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindSessionStarted, kinds[0])
	assert.Equal(t, events.KindSessionStopped, kinds[len(kinds)-1])
	assert.Equal(t, 1, h.bus.Count(events.KindChunkRotated))
	for _, e := range h.bus.Events() {
		assert.Equal(t, st.ID, e.SessionID, "event %s", e.Kind)
	}
}

func TestEveryDispatchedFrameIsArchived(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 30)
	require.NoError(t, stop(t, h.ctrl))

	st := h.ctrl.Status()
	require.NotNil(t, st.LastChunk)
	assert.Equal(t, int64(st.FramesCaptured)*80, st.LastChunk.Frames,
		"every dispatched frame lands in the chunk")
	assert.Zero(t, st.QueueDrops)
}

func TestStartWhileActive(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	defer func() { require.NoError(t, stop(t, h.ctrl)) }()

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, stop(t, h.ctrl), "stop without a session")

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 5)
	require.NoError(t, stop(t, h.ctrl))
	require.NoError(t, stop(t, h.ctrl))
	assert.Equal(t, 1, h.bus.Count(events.KindSessionStopped))
}

func TestConcurrentStopsRunSequenceOnce(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 5)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() { assert.NoError(t, stop(t, h.ctrl)) })
	}
	wg.Wait()
	assert.Equal(t, 1, h.bus.Count(events.KindSessionStopped))
	assert.Equal(t, 1, h.bus.Count(events.KindChunkRotated))
}

func TestRestartAfterStopGetsNewSession(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	first := h.ctrl.Status().ID
	h.waitFrames(t, 5)
	require.NoError(t, stop(t, h.ctrl))

	require.NoError(t, h.ctrl.Start(context.Background()))
	second := h.ctrl.Status().ID
	h.waitFrames(t, 5)
	require.NoError(t, stop(t, h.ctrl))

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, h.bus.Count(events.KindSessionStarted))
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	h := newHarness(t, "")
	h.ctrl.settings.Audio.SampleRate = 100

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfig))
	assert.False(t, h.ctrl.Active())
	assert.Zero(t, h.bus.Count(events.KindSessionStarted))
}

func TestDeviceOpenFailureIsFatal(t *testing.T) {
	h := newHarness(t, "")
	h.source.FailOpens(1)

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDevice))
	assert.False(t, h.ctrl.Active())
	assert.Equal(t, HealthNone, h.ctrl.Status().Health)
	assert.Zero(t, h.bus.Count(events.KindChunkRotated), "no frames, no chunk")

	// the device is back; a new Start works
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, stop(t, h.ctrl))
}

func TestWatchdogRecoversPausedDevice(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 10)

	h.source.Pause()
	h.waitEvent(t, events.KindRecoverySuccess, 8*time.Second)

	st := h.ctrl.Status()
	assert.Equal(t, watchdog.StateHealthy.String(), st.Health)
	assert.Equal(t, 1, st.DeviceRestarts)
	assert.Equal(t, 1, st.Watchdog.Recoveries)
	assert.True(t, st.Active)

	require.NoError(t, stop(t, h.ctrl))
	assert.Equal(t, 1, h.bus.Count(events.KindStallDetected))
	assert.Zero(t, h.bus.Count(events.KindRecoveryFailed))
}

func TestWatchdogFailureEndsSession(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 10)

	h.source.Hang()
	select {
	case <-h.ctrl.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after recovery failed")
	}

	err := h.ctrl.Err()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDevice))
	assert.Equal(t, err, stop(t, h.ctrl), "Stop returns the fatal error")

	st := h.ctrl.Status()
	assert.False(t, st.Active)
	assert.Equal(t, watchdog.StateFailed.String(), st.Health)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, 1, st.Chunks, "audio before the stall is finalized")

	kinds := h.bus.Kinds()
	assert.Equal(t, events.KindSessionStopped, kinds[len(kinds)-1])
	assert.Equal(t, 1, h.bus.Count(events.KindRecoveryFailed))
	assert.Equal(t, 2, h.bus.Count(events.KindRecoveryAttempt))
}

func TestWriteFailureEndsSession(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	year := time.Now().UTC().Format("2006")
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, year), []byte("not a directory"), 0o600))

	require.NoError(t, h.ctrl.Start(context.Background()))
	select {
	case <-h.ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after write failure")
	}

	err := h.ctrl.Err()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryWrite))
	assert.Equal(t, 1, h.bus.Count(events.KindWriteFailed))
	assert.Equal(t, 1, h.bus.Count(events.KindSessionStopped))
	assert.Equal(t, err, stop(t, h.ctrl))
}

func TestTargetsAutoEnabledAndToggled(t *testing.T) {
	h := newHarness(t, `
  rtmp:
    enabled: true
    url: rtmp://live.example.com/app/secret-key
`)
	require.NoError(t, h.ctrl.Start(context.Background()))

	targets := h.ctrl.Status().Targets
	require.Len(t, targets, 1)
	assert.Equal(t, streaming.KindRTMP, targets[0].Kind)
	assert.Equal(t, "running", targets[0].State)
	assert.NotContains(t, targets[0].Destination, "secret-key")

	require.Eventually(t, func() bool { return h.runner.last().received.Load() > 0 },
		5*time.Second, 5*time.Millisecond, "encoder got no audio")

	require.NoError(t, h.ctrl.DisableTarget(streaming.KindRTMP))
	assert.Equal(t, "stopped", h.ctrl.Status().Targets[0].State)

	require.NoError(t, h.ctrl.EnableTarget(context.Background(), streaming.KindRTMP))
	assert.Equal(t, "running", h.ctrl.Status().Targets[0].State)
	assert.Equal(t, 2, h.runner.starts())

	require.NoError(t, stop(t, h.ctrl))
	assert.Equal(t, 2, h.bus.Count(events.KindTargetStarted))
	assert.Equal(t, 2, h.bus.Count(events.KindTargetStopped))
	assert.Equal(t, "stopped", h.ctrl.Status().Targets[0].State)
}

func TestTargetStartFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, `
  icecast:
    enabled: true
    host: icecast.local
    source_password: hackme
`)
	h.runner.err = fmt.Errorf("exec: ffmpeg: not found")

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitFrames(t, 10)

	targets := h.ctrl.Status().Targets
	require.Len(t, targets, 1)
	assert.Equal(t, "failed", targets[0].State)
	assert.Equal(t, 1, h.bus.Count(events.KindTargetFailed))
	assert.True(t, h.ctrl.Active())
	require.NoError(t, stop(t, h.ctrl))
}

func TestTargetControlWithoutSession(t *testing.T) {
	h := newHarness(t, "")
	require.ErrorIs(t, h.ctrl.EnableTarget(context.Background(), streaming.KindRTMP), ErrNoSession)
	require.ErrorIs(t, h.ctrl.DisableTarget(streaming.KindRTMP), ErrNoSession)
}

func TestLevelIsReported(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return h.ctrl.Status().Level > 0.1 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop(t, h.ctrl))
}

// fakeEncoder stands in for ffmpeg: it reads stdin until it is closed
type fakeEncoder struct {
	stdin    *io.PipeWriter
	reader   *io.PipeReader
	received atomic.Int64
	exited   chan struct{}
}

func newFakeEncoder() *fakeEncoder {
	r, w := io.Pipe()
	e := &fakeEncoder{stdin: w, reader: r, exited: make(chan struct{})}
	go func() {
		defer close(e.exited)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			e.received.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()
	return e
}

func (e *fakeEncoder) Stdin() io.WriteCloser { return e.stdin }
func (e *fakeEncoder) Wait() error           { <-e.exited; return nil }
func (e *fakeEncoder) ExitCode() int         { return 0 }
func (e *fakeEncoder) Terminate() error      { return nil }
func (e *fakeEncoder) Pid() int              { return 4242 }
func (e *fakeEncoder) StderrTail() string    { return "" }

func (e *fakeEncoder) Kill() error {
	return e.reader.CloseWithError(io.ErrClosedPipe)
}

// encoderMode selects how the encoders of a fakeRunner behave
type encoderMode int

const (
	encoderNormal encoderMode = iota
	encoderStuck              // never reads stdin, exits only on kill
	encoderCrash              // exits right after start
)

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	mode     encoderMode
	encoders []*fakeEncoder
}

func (r *fakeRunner) Start(context.Context, string, []string) (streaming.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.mode == encoderStuck {
		return newStuckEncoder(), nil
	}
	e := newFakeEncoder()
	if r.mode == encoderCrash {
		_ = e.Kill()
	}
	r.encoders = append(r.encoders, e)
	return e, nil
}

func (r *fakeRunner) last() *fakeEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encoders[len(r.encoders)-1]
}

func (r *fakeRunner) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.encoders)
}
