//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr isolates the child into its own process group so
// terminate/force_kill can signal the whole tree, not just the immediate
// child (mirrors pkg/sandbox/exec_unix.go).
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the child's process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

func sigterm() syscall.Signal { return syscall.SIGTERM }
func sigkill() syscall.Signal { return syscall.SIGKILL }
