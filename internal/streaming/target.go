package streaming

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/airlog/airlog/internal/logger"
)

const (
	feedChunkBytes = 32 * 1024
	// killWait bounds the wait for exit after SIGKILL
	killWait = 2 * time.Second
)

// TargetState is the lifecycle state of a stream target
type TargetState int32

const (
	StateIdle TargetState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s TargetState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// TargetStatus is a snapshot of one target
type TargetStatus struct {
	Kind          Kind      `json:"kind"`
	State         string    `json:"state"`
	Destination   string    `json:"destination"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	BytesWritten  uint64    `json:"bytes_written"`
	FramesDropped uint64    `json:"frames_dropped"`
	Buffered      int       `json:"buffered_bytes"`
	ExitCode      int       `json:"exit_code,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// target is one encoder process fed from its own ring buffer. The ring
// isolates the dispatcher from a slow encoder: a full ring drops frames for
// this target only.
type target struct {
	kind Kind
	cfg  TargetConfig
	dest string // redacted, for logs and status
	log  logger.Logger

	proc      Process
	startedAt time.Time

	ring   *ringbuffer.RingBuffer
	ringMu sync.Mutex
	wake   chan struct{}

	stopFeed   chan struct{}
	feederDone chan struct{}
	exited     chan struct{}
	stopped    chan struct{}

	state   atomic.Int32
	written atomic.Uint64
	dropped atomic.Uint64

	mu       sync.Mutex
	lastErr  error
	exitCode int
}

func newTarget(kind Kind, cfg TargetConfig, ringBytes int, log logger.Logger) *target {
	dest := redactDestination(kind, cfg.Destination(kind))
	return &target{
		kind:       kind,
		cfg:        cfg,
		dest:       dest,
		log:        log.With(logger.String("target", string(kind)), logger.String("destination", dest)),
		ring:       ringbuffer.New(ringBytes),
		wake:       make(chan struct{}, 1),
		stopFeed:   make(chan struct{}),
		feederDone: make(chan struct{}),
		exited:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (t *target) State() TargetState {
	return TargetState(t.state.Load())
}

// offer queues a frame for the encoder without blocking
func (t *target) offer(data []byte) bool {
	if t.State() != StateRunning {
		return false
	}

	t.ringMu.Lock()
	if t.ring.Free() < len(data) {
		t.ringMu.Unlock()
		t.dropped.Add(1)
		return false
	}
	_, err := t.ring.Write(data)
	t.ringMu.Unlock()
	if err != nil {
		t.dropped.Add(1)
		return false
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// feed copies the ring to the encoder's stdin until stopFeed is closed, the
// process exits or a write fails
func (t *target) feed() {
	defer close(t.feederDone)

	buf := make([]byte, feedChunkBytes)
	for {
		if !t.drain(buf) {
			return
		}
		select {
		case <-t.wake:
		case <-t.stopFeed:
			t.drain(buf)
			return
		case <-t.exited:
			return
		}
	}
}

func (t *target) drain(buf []byte) bool {
	stdin := t.proc.Stdin()
	for {
		t.ringMu.Lock()
		n, _ := t.ring.Read(buf)
		t.ringMu.Unlock()
		if n == 0 {
			return true
		}
		if _, err := stdin.Write(buf[:n]); err != nil {
			if t.State() == StateRunning {
				t.log.Debug("encoder stdin write failed", logger.Error(err))
			}
			return false
		}
		t.written.Add(uint64(n)) //nolint:gosec // n is non-negative
	}
}

// supervise waits for the process and reports an exit that nobody asked for
func (t *target) supervise(onFailure func(t *target, code int, stderr string)) {
	err := t.proc.Wait()
	code := t.proc.ExitCode()

	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
	close(t.exited)

	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		return
	}

	stderr := redactStderr(strings.TrimSpace(t.proc.StderrTail()))
	cause := fmt.Errorf("ffmpeg exited unexpectedly (code %d)", code)
	if stderr != "" {
		cause = fmt.Errorf("ffmpeg exited unexpectedly (code %d): %s", code, lastLine(stderr))
	} else if err != nil {
		cause = fmt.Errorf("ffmpeg exited unexpectedly (code %d): %w", code, err)
	}
	t.setErr(cause)
	onFailure(t, code, stderr)
}

// stop flushes the ring, closes stdin and asks the encoder to exit,
// escalating to SIGKILL after timeout
func (t *target) stop(timeout time.Duration) error {
	defer close(t.stopped)

	drain := time.NewTimer(timeout)
	defer drain.Stop()

	close(t.stopFeed)
	select {
	case <-t.feederDone:
	case <-drain.C:
		t.log.Warn("encoder not draining input, closing stdin")
	}
	if err := t.proc.Stdin().Close(); err != nil {
		t.log.Debug("closing encoder stdin", logger.Error(err))
	}
	<-t.feederDone

	if err := t.proc.Terminate(); err != nil {
		t.log.Debug("terminate encoder", logger.Error(err))
	}

	// the exit wait gets the full timeout even when the drain used it up
	exit := time.NewTimer(timeout)
	defer exit.Stop()
	select {
	case <-t.exited:
		t.state.Store(int32(StateStopped))
		return nil
	case <-exit.C:
	}

	t.log.Warn("encoder did not exit in time, killing", logger.Duration("stop_timeout", timeout))
	if err := t.proc.Kill(); err != nil {
		t.log.Warn("kill encoder", logger.Error(err))
	}
	select {
	case <-t.exited:
		t.state.Store(int32(StateStopped))
		return nil
	case <-time.After(killWait):
		t.state.Store(int32(StateFailed))
		err := fmt.Errorf("encoder pid %d still running after kill", t.proc.Pid())
		t.setErr(err)
		return err
	}
}

// wait blocks until the goroutines of a finished target are gone
func (t *target) wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, ch := range []chan struct{}{t.feederDone, t.exited} {
		select {
		case <-ch:
		case <-timer.C:
			return
		}
	}
}

func (t *target) setErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *target) status() TargetStatus {
	s := TargetStatus{
		Kind:          t.kind,
		State:         t.State().String(),
		Destination:   t.dest,
		StartedAt:     t.startedAt,
		BytesWritten:  t.written.Load(),
		FramesDropped: t.dropped.Load(),
	}
	if t.proc != nil {
		s.PID = t.proc.Pid()
	}

	t.ringMu.Lock()
	s.Buffered = t.ring.Length()
	t.ringMu.Unlock()

	t.mu.Lock()
	s.ExitCode = t.exitCode
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	t.mu.Unlock()
	return s
}

// redactDestination hides icecast passwords and RTMP stream keys
func redactDestination(kind Kind, dest string) string {
	if kind != KindRTMP {
		return logger.RedactURL(dest)
	}
	u, err := url.Parse(dest)
	if err != nil {
		return logger.RedactSensitiveData(dest)
	}
	if parts := strings.Split(strings.Trim(u.Path, "/"), "/"); len(parts) > 1 {
		parts[len(parts)-1] = "[REDACTED]"
		u.Path = "/" + strings.Join(parts, "/")
	}
	u.RawQuery = ""
	return logger.RedactURL(strings.ReplaceAll(u.String(), "%5BREDACTED%5D", "[REDACTED]"))
}

var urlUserinfo = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:)[^@\s]+@`)

// redactStderr hides credentials ffmpeg echoes back in error messages
func redactStderr(s string) string {
	return logger.RedactSensitiveData(urlUserinfo.ReplaceAllString(s, "${1}[REDACTED]@"))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
