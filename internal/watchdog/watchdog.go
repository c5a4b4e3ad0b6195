// Package watchdog detects capture stalls and restarts the audio device.
//
// A stall is a gap since the last frame longer than the stall threshold.
// Each stall episode runs HEALTHY -> STALLED -> RECOVERING and ends either
// HEALTHY again, once a frame arrives after a restart, or FAILED after the
// configured number of consecutive failed restarts. FAILED is terminal.
//
// A restart that does not return within the restart timeout counts as a
// failed attempt. The hung call is abandoned and no new restart is issued
// until it returns.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentWatchdog is the error and event component of the watchdog
const ComponentWatchdog = "watchdog"

// Defaults used when a Config field is zero
const (
	DefaultPollInterval        = time.Second
	DefaultStallThreshold      = 10 * time.Second
	DefaultMaxRecoveryAttempts = 5
	DefaultRecoveryGrace       = 5 * time.Second
)

// State is the health of the capture path
type State int32

const (
	StateHealthy State = iota
	StateStalled
	StateRecovering
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateStalled:
		return "STALLED"
	case StateRecovering:
		return "RECOVERING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sentinel errors of the watchdog
var (
	ErrRestartPending = errors.NewStd("previous device restart has not returned")
	errStopped        = errors.NewStd("watchdog stopped")
)

// Restarter stops the device and opens it again with the same settings
type Restarter interface {
	Restart() error
}

// RestartFunc adapts a function to Restarter
type RestartFunc func() error

// Restart implements Restarter
func (f RestartFunc) Restart() error { return f() }

// Clock is the time source of the watchdog
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the wall clock
var RealClock Clock = realClock{}

// Backoff returns how long to wait after the given failed attempt (1-based)
// before the next one
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff waits the same time after every failed attempt
type ConstantBackoff time.Duration

// Delay implements Backoff
func (b ConstantBackoff) Delay(int) time.Duration { return time.Duration(b) }

// Config of a watchdog
type Config struct {
	PollInterval        time.Duration
	StallThreshold      time.Duration
	MaxRecoveryAttempts int
	RecoveryGrace       time.Duration
	RestartTimeout      time.Duration // zero uses RecoveryGrace
	Backoff             Backoff       // nil means no delay between attempts
	SessionID           string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = DefaultRecoveryGrace
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = c.RecoveryGrace
	}
	if c.Backoff == nil {
		c.Backoff = ConstantBackoff(0)
	}
}

// Status is a snapshot of the watchdog
type Status struct {
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"` // attempts in the current episode
	Stalls      int       `json:"stalls"`   // stall episodes since start
	Restarts    int       `json:"restarts"` // restarts since start
	Recoveries  int       `json:"recoveries"`
	LastStallAt time.Time `json:"last_stall_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Watchdog polls the last frame time and drives device recovery
type Watchdog struct {
	cfg       Config
	restarter Restarter
	lastFrame func() time.Time
	bus       events.Publisher
	clock     Clock
	log       logger.Logger

	checkMu sync.Mutex // serializes Check

	mu            sync.Mutex
	state         State
	armedAt       time.Time
	stalledAt     time.Time
	restartAt     time.Time
	nextAttemptAt time.Time
	attemptFailed bool
	attempts      int
	stalls        int
	restarts      int
	recoveries    int
	lastErr       error
	failErr       error
	pending       chan error // result of an abandoned restart

	failed     chan struct{}
	failOnce   sync.Once
	stopCh     chan struct{}
	stopOnce   sync.Once
	loopMu     sync.Mutex
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New creates a watchdog. lastFrame reports the time of the most recent
// frame seen by the capture path, zero if none yet.
func New(cfg Config, restarter Restarter, lastFrame func() time.Time, bus events.Publisher, clock Clock) *Watchdog {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.Discard
	}
	if clock == nil {
		clock = RealClock
	}
	return &Watchdog{
		cfg:       cfg,
		restarter: restarter,
		lastFrame: lastFrame,
		bus:       bus,
		clock:     clock,
		log:       GetLogger(),
		failed:    make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is done or Stop is called
func (w *Watchdog) Start(ctx context.Context) {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()

	if w.loopDone != nil {
		return
	}

	w.arm(w.clock.Now())
	ctx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	w.loopDone = make(chan struct{})

	go w.loop(ctx, w.loopDone)

	w.log.Info("watchdog started",
		logger.Duration("poll_interval", w.cfg.PollInterval),
		logger.Duration("stall_threshold", w.cfg.StallThreshold),
		logger.Int("max_recovery_attempts", w.cfg.MaxRecoveryAttempts))
}

// Stop ends the poll loop and waits for it until ctx is done. A restart in
// progress is abandoned. Stop is idempotent.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.loopMu.Lock()
	cancel, done := w.cancelLoop, w.loopDone
	w.cancelLoop = nil
	w.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.log.Info("watchdog stopped")
		return nil
	case <-ctx.Done():
		w.log.Error("watchdog loop did not stop in time")
		return ctx.Err()
	}
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Check(w.clock.Now()) == StateFailed {
				return
			}
		}
	}
}

// arm records the time monitoring began, the stall reference until the
// first frame arrives
func (w *Watchdog) arm(now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armedAt.IsZero() {
		w.armedAt = now
	}
	return w.armedAt
}

// Check performs one poll at now and returns the resulting state
func (w *Watchdog) Check(now time.Time) State {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	armedAt := w.arm(now)
	last := w.lastFrame()

	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	switch state {
	case StateHealthy:
		ref := last
		if ref.IsZero() {
			ref = armedAt
		}
		gap := now.Sub(ref)
		if gap <= w.cfg.StallThreshold {
			return StateHealthy
		}
		w.stall(now, gap)
		return w.attempt(now)

	case StateStalled:
		return w.attempt(now)

	case StateRecovering:
		if last.After(w.restartAt) {
			w.recover(now)
			return StateHealthy
		}
		if !w.attemptFailed {
			if now.Sub(w.restartAt) < w.cfg.RecoveryGrace {
				return StateRecovering
			}
			return w.failAttempt(now, fmt.Errorf("no audio within %s after restart", w.cfg.RecoveryGrace))
		}
		if now.Before(w.nextAttemptAt) {
			return StateRecovering
		}
		return w.attempt(now)

	default:
		return state
	}
}

func (w *Watchdog) stall(now time.Time, gap time.Duration) {
	w.mu.Lock()
	w.state = StateStalled
	w.stalledAt = now
	w.stalls++
	w.attempts = 0
	w.attemptFailed = false
	w.mu.Unlock()

	w.log.Warn("audio capture stalled",
		logger.Duration("gap", gap),
		logger.Duration("threshold", w.cfg.StallThreshold))
	w.publish(events.NewEvent(events.KindStallDetected, ComponentWatchdog,
		fmt.Sprintf("no audio for %s", gap.Round(time.Millisecond))).
		With("gap", gap).
		With("threshold", w.cfg.StallThreshold))
}

func (w *Watchdog) attempt(now time.Time) State {
	w.mu.Lock()
	w.attempts++
	w.restarts++
	attempt := w.attempts
	w.state = StateRecovering
	w.restartAt = now
	w.attemptFailed = false
	w.mu.Unlock()

	w.log.Info("restarting audio device",
		logger.Int("attempt", attempt),
		logger.Int("max_attempts", w.cfg.MaxRecoveryAttempts))
	w.publish(events.NewEvent(events.KindRecoveryAttempt, ComponentWatchdog,
		fmt.Sprintf("restart attempt %d of %d", attempt, w.cfg.MaxRecoveryAttempts)).
		With("attempt", attempt).
		With("max_attempts", w.cfg.MaxRecoveryAttempts))

	err := w.restart()
	if errors.Is(err, errStopped) {
		return StateRecovering
	}
	if err != nil {
		return w.failAttempt(now, err)
	}
	return StateRecovering
}

// restart calls the restarter with a deadline. A call that outlives it is
// kept as pending and blocks further restarts until it returns.
func (w *Watchdog) restart() error {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	if pending != nil {
		select {
		case err := <-pending:
			w.log.Info("abandoned device restart returned", logger.Error(err))
			w.mu.Lock()
			w.pending = nil
			w.mu.Unlock()
		default:
			return ErrRestartPending
		}
	}

	result := make(chan error, 1)
	go func() { result <- w.restarter.Restart() }()

	timer := time.NewTimer(w.cfg.RestartTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		w.log.Warn("device restart hung, abandoning it", logger.Duration("timeout", w.cfg.RestartTimeout))
		w.mu.Lock()
		w.pending = result
		w.mu.Unlock()
		return fmt.Errorf("device restart did not return within %s", w.cfg.RestartTimeout)
	case <-w.stopCh:
		w.mu.Lock()
		w.pending = result
		w.mu.Unlock()
		return errStopped
	}
}

func (w *Watchdog) failAttempt(now time.Time, cause error) State {
	w.mu.Lock()
	attempt := w.attempts
	w.lastErr = cause
	w.attemptFailed = true
	w.nextAttemptAt = now.Add(w.cfg.Backoff.Delay(attempt))
	exhausted := attempt >= w.cfg.MaxRecoveryAttempts
	w.mu.Unlock()

	w.log.Warn("recovery attempt failed",
		logger.Int("attempt", attempt),
		logger.Error(cause))

	if !exhausted {
		return StateRecovering
	}
	w.fail(cause)
	return StateFailed
}

func (w *Watchdog) fail(cause error) {
	w.mu.Lock()
	w.state = StateFailed
	attempts := w.attempts
	downtime := w.clock.Now().Sub(w.stalledAt)
	w.failErr = errors.New(cause).
		Component(ComponentWatchdog).
		Category(errors.CategoryDevice).
		Priority(errors.PriorityCritical).
		Context("attempts", attempts).
		Build()
	w.mu.Unlock()

	w.log.Error("audio device recovery failed, giving up",
		logger.Int("attempts", attempts),
		logger.Error(cause))
	w.publish(events.NewEvent(events.KindRecoveryFailed, ComponentWatchdog,
		fmt.Sprintf("device did not recover after %d attempts: %v", attempts, cause)).
		With("attempts", attempts).
		With("downtime", downtime).
		With("last_error", cause.Error()))

	w.failOnce.Do(func() { close(w.failed) })
}

func (w *Watchdog) recover(now time.Time) {
	w.mu.Lock()
	attempts := w.attempts
	downtime := now.Sub(w.stalledAt)
	w.state = StateHealthy
	w.attempts = 0
	w.attemptFailed = false
	w.lastErr = nil
	w.recoveries++
	w.mu.Unlock()

	w.log.Info("audio capture recovered",
		logger.Int("attempts", attempts),
		logger.Duration("downtime", downtime))
	w.publish(events.NewEvent(events.KindRecoverySuccess, ComponentWatchdog,
		fmt.Sprintf("audio resumed after %d restart attempt(s)", attempts)).
		With("attempts", attempts).
		With("downtime", downtime))
}

func (w *Watchdog) publish(e events.HealthEvent) {
	e.SessionID = w.cfg.SessionID
	w.bus.Publish(e)
}

// State returns the current health state
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns a snapshot of the watchdog
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		State:       w.state,
		Attempts:    w.attempts,
		Stalls:      w.stalls,
		Restarts:    w.restarts,
		Recoveries:  w.recoveries,
		LastStallAt: w.stalledAt,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Failed is closed when the watchdog reaches FAILED
func (w *Watchdog) Failed() <-chan struct{} {
	return w.failed
}

// Err returns the device error that made the watchdog give up
func (w *Watchdog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failErr
}

// GetLogger returns the watchdog module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentWatchdog)
}
