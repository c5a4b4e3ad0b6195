package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/airlog/airlog/internal/archive"
	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/streaming"
	"github.com/airlog/airlog/internal/watchdog"
)

// ComponentSession is the error and event component of the controller
const ComponentSession = "session"

const (
	minQueueFrames       = 4
	streamBufferFrames   = 8
	levelBufferFrames    = 2
	monitorBufferFrames  = 2
	overflowInterval     = 5 * time.Second
	defaultShutdownLimit = 10 * time.Second
	forcedStopGrace      = time.Second // per step once the shutdown deadline has passed
)

// Sentinel errors of the controller
var (
	ErrSessionActive = errors.NewStd("a capture session is already active")
	ErrNoSession     = errors.NewStd("no active capture session")
	ErrNoMonitor     = errors.NewStd("monitor playback is not enabled")
)

// Deps are the collaborators of a controller. Zero values pick the
// production implementation.
type Deps struct {
	Bus      events.Publisher
	Source   audiocore.Source // nil selects by audio.device
	Runner   streaming.Runner // nil runs ffmpeg
	Clock    watchdog.Clock   // nil is the wall clock
	Location *time.Location   // archive day boundaries, nil is local time
	Backoff  watchdog.Backoff // delay between recovery attempts, nil is none
	Monitor  Monitor          // playback used when audio.monitor is enabled, nil opens the output device
	// DayCount reports chunks already recorded on a day; nil counts archive files
	DayCount func(day string) (int, error)
}

// Controller owns at most one active session at a time
type Controller struct {
	settings *conf.Settings
	deps     Deps
	log      logger.Logger

	mu  sync.Mutex
	cur *run
}

// NewController creates a controller for settings
func NewController(settings *conf.Settings, deps Deps) *Controller {
	if deps.Bus == nil {
		deps.Bus = events.Discard
	}
	return &Controller{
		settings: settings,
		deps:     deps,
		log:      GetLogger(),
	}
}

// sinkSpec is a dispatcher sink and the depth of its channel in frames
type sinkSpec struct {
	sink   audiocore.Sink
	frames int
}

// run is the live state of one session
type run struct {
	Session

	settings *conf.Settings
	bus      events.Publisher
	log      logger.Logger

	capture    *audiocore.Capture
	queue      *audiocore.FrameQueue
	dispatcher *audiocore.Dispatcher
	writer     *archive.Writer
	streams    *streaming.Manager
	watchdog   *watchdog.Watchdog
	level      *audiocore.LevelMeter
	monitor    Monitor
	overflow   *audiocore.OverflowReporter
	sinkDrops  atomic.Uint64

	cancelDispatch context.CancelFunc

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	fatalMu  sync.Mutex
	fatalErr error
}

// Start opens the device and begins capturing. Configured stream targets
// that fail to start are logged and left failed; they do not fail Start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil && !c.cur.finished() {
		return ErrSessionActive
	}

	if err := conf.ValidateSettings(c.settings); err != nil {
		return errors.New(err).
			Component(ComponentSession).
			Category(errors.CategoryConfig).
			Context("operation", "start").
			Build()
	}

	r, err := c.newRun()
	if err != nil {
		return err
	}
	if err := r.start(ctx); err != nil {
		return err
	}
	c.cur = r

	for _, kind := range streaming.Kinds {
		cfg, enabled := targetConfig(c.settings, kind)
		if !enabled {
			continue
		}
		if err := r.streams.Enable(ctx, kind, cfg); err != nil {
			r.log.Warn("stream target not started", logger.String("target", string(kind)), logger.Error(err))
		}
	}

	r.publish(events.NewEvent(events.KindSessionStarted, ComponentSession, "capture session started").
		With("device", c.settings.Audio.Device).
		With("format", r.format().String()).
		With("output_directory", c.settings.Recording.OutputDirectory))
	r.log.Info("capture session started",
		logger.String("format", r.format().String()),
		logger.String("output_directory", c.settings.Recording.OutputDirectory))
	return nil
}

// Stop ends the active session. Components stop in order: watchdog,
// device, queue, dispatcher drain, writer, stream targets. The whole
// sequence is bounded by session.shutdown_timeout. Stop is idempotent and
// returns the fatal error that ended the session, if any.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	r.shutdown(ctx)
	if err := r.fatal(); err != nil {
		return err
	}
	return r.stopErr
}

// Done is closed when the current session has stopped. With no session it
// returns a closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.cur.done
}

// Err returns the fatal error that ended the current session, nil while it
// runs or after a requested stop
func (c *Controller) Err() error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.fatal()
}

// Active reports whether a session is capturing
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && !c.cur.finished()
}

// EnableTarget starts a configured stream target in the active session
func (c *Controller) EnableTarget(ctx context.Context, kind streaming.Kind) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	cfg, _ := targetConfig(c.settings, kind)
	return r.streams.Enable(ctx, kind, cfg)
}

// SetMonitorVolume changes the monitor playback gain of the active session
// and returns the value applied after clamping to 0..1.5
func (c *Controller) SetMonitorVolume(v float64) (float64, error) {
	r, err := c.active()
	if err != nil {
		return 0, err
	}
	if r.monitor == nil {
		return 0, ErrNoMonitor
	}
	applied := r.monitor.SetVolume(v)
	r.log.Info("monitor volume changed", logger.Float64("volume", applied))
	return applied, nil
}

// DisableTarget stops a stream target in the active session
func (c *Controller) DisableTarget(kind streaming.Kind) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	return r.streams.Disable(kind)
}

func (c *Controller) active() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.finished() {
		return nil, ErrNoSession
	}
	return c.cur, nil
}

// Status returns a snapshot of the current or last session
func (c *Controller) Status() Status {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return Status{Health: HealthNone}
	}
	return r.status()
}

func (c *Controller) newRun() (*run, error) {
	s := c.settings
	dev, err := deviceConfig(s)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentSession).
			Category(errors.CategoryConfig).
			Build()
	}

	id := uuid.NewString()
	r := &run{
		Session:  Session{ID: id, Device: dev},
		settings: s,
		bus:      c.deps.Bus,
		log:      c.log.With(logger.String("session_id", id)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	format := dev.Format()

	r.overflow = audiocore.NewOverflowReporter(r.bus, id, overflowInterval)
	r.queue = audiocore.NewFrameQueue(framesFor(format, s.Queue.CapacitySeconds, minQueueFrames))
	r.queue.OnDrop(func() { r.overflow.Drop("queue") })

	r.writer, err = archive.NewWriter(archive.Config{
		OutputDir:       s.Recording.OutputDirectory,
		Prefix:          s.Recording.FilenamePrefix,
		FilenameDate:    s.Recording.FilenameDate,
		ChunkDuration:   s.Recording.ChunkDuration(),
		MaxChunksPerDay: s.Recording.MaxChunksPerDay,
		Format:          format,
		Location:        c.deps.Location,
		SessionID:       id,
		DayCount:        c.deps.DayCount,
	}, r.bus)
	if err != nil {
		return nil, err
	}

	ffmpeg := s.Streaming.FFmpegPath
	if s.StreamingEnabled() {
		if resolved, err := s.ResolveFfmpegPath(); err == nil {
			ffmpeg = resolved
		} else {
			r.log.Warn("ffmpeg not found, stream targets will fail to start", logger.Error(err))
		}
	}
	r.streams = streaming.NewManager(streaming.Config{
		FFmpegPath:    ffmpeg,
		StopTimeout:   s.Streaming.StopTimeout,
		BufferSeconds: s.Streaming.BufferSeconds,
		SessionID:     id,
		OnDrop:        func(kind streaming.Kind) { r.overflow.Drop("stream:" + string(kind)) },
	}, format, r.bus, c.deps.Runner)

	r.level = audiocore.NewLevelMeter(format)
	r.dispatcher = audiocore.NewDispatcher(r.queue, audiocore.DispatcherOptions{
		OnSinkDrop: func(sink string) {
			r.sinkDrops.Add(1)
			r.overflow.Drop(sink)
		},
		OnSinkError: r.onSinkError,
	})
	sinks := []sinkSpec{
		{r.writer, framesFor(format, s.Queue.WriterBufferSeconds, minQueueFrames)},
		{r.streams, streamBufferFrames},
		{r.level, levelBufferFrames},
	}
	if s.Audio.Monitor.Enabled {
		r.monitor = c.deps.Monitor
		if r.monitor == nil {
			r.monitor = NewMonitor(s, format)
		}
		r.monitor.SetVolume(s.Audio.Monitor.Volume)
		sinks = append(sinks, sinkSpec{r.monitor, monitorBufferFrames})
	}
	for _, sk := range sinks {
		if err := r.dispatcher.AddSink(sk.sink, sk.frames); err != nil {
			return nil, err
		}
	}

	source := c.deps.Source
	if source == nil {
		source = NewSource(s)
	}
	r.capture = audiocore.NewCapture(source, dev, r.queue.Push)

	r.watchdog = watchdog.New(watchdog.Config{
		PollInterval:        s.Watchdog.PollInterval,
		StallThreshold:      s.Watchdog.StallThreshold(),
		MaxRecoveryAttempts: s.Watchdog.MaxRecoveryAttempts,
		RecoveryGrace:       s.Watchdog.RecoveryGrace,
		Backoff:             c.deps.Backoff,
		SessionID:           id,
	}, r.capture, r.queue.LastPush, r.bus, c.deps.Clock)

	return r, nil
}

// start brings the pipeline up from the sink end so no frame is produced
// before something can consume it
func (r *run) start(ctx context.Context) error {
	if err := r.writer.Open(ctx); err != nil {
		return err
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	r.cancelDispatch = cancel
	r.dispatcher.Start(dispatchCtx)

	if r.monitor != nil {
		if err := r.monitor.Start(); err != nil {
			r.log.Warn("monitor playback unavailable, recording continues without it", logger.Error(err))
		}
	}

	if err := r.capture.Start(); err != nil {
		r.log.Error("failed to open capture device", logger.Error(err))
		r.queue.Close()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
		_ = r.dispatcher.Wait(waitCtx)
		waitCancel()
		cancel()
		<-r.dispatcher.Done()
		_ = r.writer.Close()
		if r.monitor != nil {
			_ = r.monitor.Close()
		}
		close(r.done)
		return err
	}

	r.StartedAt = time.Now()
	r.watchdog.Start(context.Background())
	go r.watchFatal()
	return nil
}

// watchFatal turns a watchdog failure into a session stop
func (r *run) watchFatal() {
	select {
	case <-r.watchdog.Failed():
		r.setFatal(r.watchdog.Err())
		r.shutdown(context.Background())
	case <-r.quit:
	}
}

func (r *run) onSinkError(sink string, err error) {
	if sink != archive.ComponentArchive || errors.Is(err, archive.ErrWriterClosed) {
		return
	}
	r.setFatal(err)
	// the dispatcher waits for this sink goroutine during shutdown
	go r.shutdown(context.Background())
}

func (r *run) setFatal(err error) {
	if err == nil {
		return
	}
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	if r.fatalErr == nil {
		r.fatalErr = err
		r.log.Error("capture session failed", logger.Error(err))
	}
}

func (r *run) fatal() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatalErr
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// shutdown runs the stop sequence once; concurrent callers wait for it
func (r *run) shutdown(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.stopErr = r.teardown(ctx)
		close(r.done)
	})
}

func (r *run) teardown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, r.shutdownTimeout())
	defer cancel()
	defer r.cancelDispatch()

	close(r.quit)
	var errs []error

	if err := r.watchdog.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping watchdog: %w", err))
	}

	if err := r.bounded(ctx, "device stop", r.capture.Stop); err != nil {
		r.log.Warn("device stop failed", logger.Error(err))
		errs = append(errs, err)
	}

	r.queue.Close()
	drainCtx, drainCancel := stepContext(ctx)
	err := r.dispatcher.Wait(drainCtx)
	drainCancel()
	if err != nil {
		r.log.Warn("dispatcher did not drain in time, discarding queued frames",
			logger.Int("queued", r.queue.Len()))
		r.cancelDispatch()
		select {
		case <-r.dispatcher.Done():
		case <-time.After(forcedStopGrace):
			r.log.Error("sinks still busy after forced stop")
		}
	}

	if err := r.bounded(ctx, "chunk writer close", r.writer.Close); err != nil {
		errs = append(errs, err)
	}

	if r.monitor != nil {
		if err := r.bounded(ctx, "monitor close", r.monitor.Close); err != nil {
			r.log.Warn("monitor playback did not close cleanly", logger.Error(err))
		}
	}

	if err := r.bounded(ctx, "stream targets stop", r.streams.StopAll); err != nil {
		errs = append(errs, err)
	}

	st := r.status()
	ev := events.NewEvent(events.KindSessionStopped, ComponentSession, "capture session stopped").
		With("uptime", time.Since(r.StartedAt).Round(time.Second).String()).
		With("chunks", st.Chunks).
		With("frames_captured", st.FramesCaptured).
		With("queue_drops", st.QueueDrops)
	if err := r.fatal(); err != nil {
		ev = ev.With("error", err.Error())
	}
	r.publish(ev)
	r.log.Info("capture session stopped",
		logger.Int("chunks", st.Chunks),
		logger.Uint64("frames_captured", st.FramesCaptured),
		logger.Uint64("queue_drops", st.QueueDrops))

	return errors.Join(errs...)
}

// bounded runs one shutdown step until it returns or its deadline passes.
// A step that overruns is abandoned and left running in the background.
func (r *run) bounded(ctx context.Context, step string, fn func() error) error {
	ctx, cancel := stepContext(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		r.log.Error("shutdown step did not finish in time, abandoning it", logger.String("step", step))
		return fmt.Errorf("%s: %w", step, ctx.Err())
	}
}

// stepContext returns ctx, or a fresh forcedStopGrace deadline when ctx
// has already expired
func stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.Background(), forcedStopGrace)
}

func (r *run) status() Status {
	ws := r.writer.Stats()
	wd := r.watchdog.Status()

	st := Status{
		Session:        r.Session,
		Active:         !r.finished(),
		Health:         wd.State.String(),
		Watchdog:       wd,
		WriterState:    ws.State.String(),
		CurrentChunk:   ws.Current,
		LastChunk:      ws.Last,
		Chunks:         ws.Chunks,
		ChunksToday:    ws.ChunksToday,
		FramesCaptured: r.dispatcher.Frames(),
		BytesCaptured:  r.dispatcher.Bytes(),
		QueueDrops:     r.queue.Dropped(),
		SinkDrops:      r.sinkDrops.Load(),
		QuotaDrops:     ws.FramesDropped,
		QueueDepth:     r.queue.Len(),
		DeviceRestarts: r.capture.Restarts(),
		Level:          r.level.Level(),
		Targets:        r.streams.Status(),
	}
	if r.monitor != nil {
		st.Monitor = &MonitorStatus{Volume: r.monitor.Volume()}
	}
	if st.Active && !r.StartedAt.IsZero() {
		st.Uptime = time.Since(r.StartedAt)
	}
	if err := r.fatal(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (r *run) format() audiocore.Format {
	return r.Device.Format()
}

func (r *run) shutdownTimeout() time.Duration {
	if d := r.settings.Session.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownLimit
}

func (r *run) publish(e events.HealthEvent) {
	e.SessionID = r.ID
	r.bus.Publish(e)
}

// GetLogger returns the session module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentSession)
}
