//go:build windows

package node

import (
	"os/exec"
)

// setProcessGroup is a no-op on Windows; job-object management is not
// wired here, so termination falls back to killing the direct child.
func setProcessGroup(cmd *exec.Cmd) {}

// interruptProcess has no SIGINT equivalent for a detached child on
// Windows, so it terminates the process outright.
func interruptProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

// killProcess force-terminates the child.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
