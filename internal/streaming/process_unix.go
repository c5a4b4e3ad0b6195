//go:build !windows

package streaming

import (
	"errors"
	"os/exec"
	"syscall"
)

// setupProcessGroup starts the process in its own group so signals reach
// ffmpeg and anything it spawned
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func terminateProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGTERM)
}

func killProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	// The process may have exited already
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
