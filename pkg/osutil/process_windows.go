//go:build windows

// Package osutil holds platform specific process helpers.
package osutil

import (
	"os"
	"os/exec"
)

// KillTreeOnCancel kills the process on context cancellation. Windows has no
// process groups to signal, so children of the process may keep running.
func KillTreeOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Kill)
	}
}
