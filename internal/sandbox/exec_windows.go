//go:build windows

package sandbox

import "os/exec"

// setSysProcAttr is a no-op on Windows; process-group signaling is not
// available, so terminate/force_kill fall back to killing the single
// process handle (mirrors pkg/sandbox/exec_windows.go).
func setSysProcAttr(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig int) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func sigterm() int { return 0 }
func sigkill() int { return 0 }
