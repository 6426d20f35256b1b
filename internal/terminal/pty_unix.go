//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize starts the command in a Unix PTY with the given dimensions.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (ptyHandle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f}, nil
}

// terminateProcess delivers SIGTERM to the process group, waits for done or
// the grace period, then escalates to SIGKILL. The child is a session leader
// (pty start uses setsid), so its pid doubles as the group id.
func terminateProcess(p *os.Process, done <-chan struct{}, grace time.Duration) {
	if p == nil {
		return
	}

	pgid, err := syscall.Getpgid(p.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = p.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = p.Kill()
	}
}
