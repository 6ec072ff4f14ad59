//go:build windows

package agent

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no graceful stage on Windows; both calls kill.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
