package streaming

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	stderrTailBytes = 4096
	// waitDelay bounds how long Wait keeps copying stderr after exit
	waitDelay = 2 * time.Second
)

// Process is a running encoder
type Process interface {
	Stdin() io.WriteCloser
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// ExitCode is valid after Wait returned; -1 when killed by a signal
	ExitCode() int
	// Terminate asks the process group to exit
	Terminate() error
	// Kill forcibly ends the process group
	Kill() error
	Pid() int
	// StderrTail returns the last bytes the process wrote to stderr
	StderrTail() string
}

// Runner starts encoder processes
type Runner interface {
	Start(ctx context.Context, name string, args []string) (Process, error)
}

// ExecRunner runs processes with os/exec in their own process group
type ExecRunner struct {
	// Env is appended to the inherited environment
	Env []string
}

// Start implements Runner. ctx only bounds the start itself; the process
// lifetime is controlled through Terminate and Kill.
func (r ExecRunner) Start(ctx context.Context, name string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...) //nolint:gosec // ffmpeg path comes from validated configuration
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	setupProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stderr: tail}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *execProcess) Terminate() error { return terminateProcessGroup(p.cmd) }

func (p *execProcess) Kill() error { return killProcessGroup(p.cmd) }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) StderrTail() string { return p.stderr.String() }

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
