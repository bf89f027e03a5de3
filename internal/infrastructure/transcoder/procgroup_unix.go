//go:build unix

package transcoder

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command as the leader of its own group so
// signals reach any children ffmpeg forks.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		// group signalling can be refused; fall back to the leader
		return cmd.Process.Signal(sig)
	}
	return nil
}

func terminateGroup(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }
func killGroup(cmd *exec.Cmd) error      { return signalGroup(cmd, syscall.SIGKILL) }
