//go:build unix

// Package osutil holds platform specific process helpers.
package osutil

import (
	"os/exec"
	"syscall"
)

// KillTreeOnCancel runs cmd in its own process group and makes context
// cancellation kill the whole group, so helpers spawned by a skill
// executable do not outlive it.
func KillTreeOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
