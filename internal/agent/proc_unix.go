//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own group so Terminate reaches
// every subprocess it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, kill bool) error {
	if cmd.Process == nil {
		return nil
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	// Negative pid targets the whole group.
	return syscall.Kill(-cmd.Process.Pid, sig)
}
