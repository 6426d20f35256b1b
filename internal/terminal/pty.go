package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
)

// Backend errors.
var (
	ErrNotStarted   = errors.New("terminal not started")
	ErrStopped      = errors.New("terminal stopped")
	ErrReadyTimeout = errors.New("terminal did not become ready in time")
)

const stopGrace = 2 * time.Second

// PTYBackend spawns a child process under a controlling pseudo-terminal and
// maintains a rolling buffer of its output.
type PTYBackend struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    ptyHandle
	buffer  *lineBuffer
	started bool
	stopped bool

	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	waitDone  chan struct{}
}

// NewPTYBackend builds a PTY backend. The command runs through "sh -lc" so
// the child sees a login shell environment, matching interactive use.
func NewPTYBackend(cfg Config, log *logger.Logger) *PTYBackend {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &PTYBackend{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "pty")),
		buffer:   newLineBuffer(cfg.BufferLines),
		ready:    make(chan struct{}),
		waitDone: make(chan struct{}),
	}
}

// Start spawns the child under a PTY and begins streaming output into the
// rolling buffer. Readiness is signalled after the first successful read.
func (b *PTYBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("terminal already started")
	}
	if b.cfg.Command == "" {
		return fmt.Errorf("command is required")
	}

	cmd := exec.Command("sh", "-lc", b.cfg.Command)
	if b.cfg.Cwd != "" {
		cmd.Dir = b.cfg.Cwd
	}
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}

	ptmx, err := startPTYWithSize(cmd, b.cfg.Cols, b.cfg.Rows)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}

	b.cmd = cmd
	b.ptmx = ptmx
	b.started = true

	go b.readLoop()
	go b.waitLoop()

	b.logger.Debug("pty started",
		zap.String("command", b.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// readLoop streams PTY output into the buffer until the master closes.
func (b *PTYBackend) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.buffer.Append(string(buf[:n]))
			b.readyOnce.Do(func() { close(b.ready) })
		}
		if err != nil {
			// EOF or closed master ends the loop; the wait loop records exit.
			return
		}
	}
}

// waitLoop reaps the child and closes waitDone.
func (b *PTYBackend) waitLoop() {
	err := b.cmd.Wait()
	close(b.waitDone)
	if err != nil {
		b.logger.Debug("pty child exited", zap.Error(err))
	}
}

// Write sends raw bytes to the PTY.
func (b *PTYBackend) Write(data []byte) error {
	b.mu.Lock()
	ptmx, started, stopped := b.ptmx, b.started, b.stopped
	b.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if stopped {
		return ErrStopped
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write failed: %w", err)
	}
	return nil
}

// ReadAll returns the full rolling buffer.
func (b *PTYBackend) ReadAll() (string, error) {
	if !b.isStarted() {
		return "", ErrNotStarted
	}
	return b.buffer.String(), nil
}

// ReadTail returns the last n lines of the buffer.
func (b *PTYBackend) ReadTail(lines int) (string, error) {
	if !b.isStarted() {
		return "", ErrNotStarted
	}
	return b.buffer.Tail(lines), nil
}

// Signal delivers a signal. os.Interrupt is written to the PTY as ETX so the
// foreground process group receives it the way a keyboard ^C would.
func (b *PTYBackend) Signal(sig os.Signal) error {
	b.mu.Lock()
	ptmx, cmd, started := b.ptmx, b.cmd, b.started
	b.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if sig == os.Interrupt {
		_, err := ptmx.Write([]byte{0x03})
		return err
	}
	if cmd.Process == nil {
		return ErrNotStarted
	}
	return cmd.Process.Signal(sig)
}

// Stop terminates the child, escalating from graceful to forced, and closes
// the PTY master. Safe to call more than once.
func (b *PTYBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cmd, ptmx := b.cmd, b.ptmx
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		grace := stopGrace
		if deadline, ok := ctx.Deadline(); ok {
			if until := time.Until(deadline); until < grace {
				grace = until
			}
		}
		terminateProcess(cmd.Process, b.waitDone, grace)
		_ = ptmx.Close()
	})
	return nil
}

// Ready implements Backend.
func (b *PTYBackend) Ready() <-chan struct{} {
	return b.ready
}

// PID returns the child process id, or 0 before start.
func (b *PTYBackend) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *PTYBackend) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}
