// Package terminal provides the pseudo-terminal and external-terminal
// backends that persistent nodes drive. Both implementations share one
// interface: write input, read the rolling output buffer non-destructively,
// signal, and stop.
package terminal

import (
	"context"
	"os"
	"time"
)

// Backend is the shared terminal driver contract.
type Backend interface {
	// Start launches or attaches the terminal. Readiness is reported
	// asynchronously through Ready; a backend is ready after its first
	// successful read.
	Start(ctx context.Context) error

	// Write sends raw bytes to the terminal.
	Write(data []byte) error

	// ReadAll returns the full rolling buffer. Reads are non-destructive.
	ReadAll() (string, error)

	// ReadTail returns the last n lines of the buffer.
	ReadTail(lines int) (string, error)

	// Signal delivers a signal to the terminal's process. os.Interrupt is
	// translated to the terminal-appropriate interrupt (ETX byte or C-c key).
	Signal(sig os.Signal) error

	// Stop tears the terminal down, escalating from graceful to forced.
	Stop(ctx context.Context) error

	// Ready is closed after the first successful read.
	Ready() <-chan struct{}
}

// Config carries backend construction parameters.
type Config struct {
	// Command is the shell command to run. Empty with a PaneID attaches to an
	// existing external-terminal pane.
	Command string
	// Cwd is the working directory for a spawned process or pane.
	Cwd string
	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string
	// PaneID attaches an external-terminal backend to a pre-existing pane.
	PaneID string

	Cols         int
	Rows         int
	BufferLines  int
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Cols <= 0 {
		out.Cols = 200
	}
	if out.Rows <= 0 {
		out.Rows = 50
	}
	if out.BufferLines <= 0 {
		out.BufferLines = 2000
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = 120 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 250 * time.Millisecond
	}
	return out
}

// WaitReady blocks until the backend reports ready, the configured ready
// timeout elapses, or the context is cancelled.
func WaitReady(ctx context.Context, b Backend, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.Ready():
		return nil
	case <-timer.C:
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
