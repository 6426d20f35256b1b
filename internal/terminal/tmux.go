package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
)

// TmuxBackend drives a pane of an external tmux server. It owns no
// controlling PTY: writes go through send-keys on the control channel and
// reads query the pane contents with capture-pane. Panes are either attached
// by id or spawned on demand in a new window.
type TmuxBackend struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	paneID  string
	spawned bool
	started bool
	stopped bool

	ready     chan struct{}
	readyOnce sync.Once
	cancelMon context.CancelFunc
}

// NewTmuxBackend builds a tmux pane backend. With cfg.PaneID set it attaches
// to the existing pane; otherwise Start spawns a new window running
// cfg.Command.
func NewTmuxBackend(cfg Config, log *logger.Logger) *TmuxBackend {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &TmuxBackend{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "tmux")),
		paneID: cfg.PaneID,
		ready:  make(chan struct{}),
	}
}

// Start attaches to or spawns the pane and begins polling for readiness.
func (b *TmuxBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("terminal already started")
	}

	if b.paneID == "" {
		if b.cfg.Command == "" {
			return fmt.Errorf("command or pane id is required")
		}
		paneID, err := b.spawnPane(ctx)
		if err != nil {
			return err
		}
		b.paneID = paneID
		b.spawned = true
	}

	b.started = true

	monCtx, cancel := context.WithCancel(context.Background())
	b.cancelMon = cancel
	go b.pollReady(monCtx)

	b.logger.Debug("tmux pane attached",
		zap.String("pane_id", b.paneID),
		zap.Bool("spawned", b.spawned))
	return nil
}

// spawnPane creates a detached window running the command and returns the
// new pane id.
func (b *TmuxBackend) spawnPane(ctx context.Context) (string, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{pane_id}"}
	if b.cfg.Cwd != "" {
		args = append(args, "-c", b.cfg.Cwd)
	}
	for _, kv := range b.cfg.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, b.cfg.Command)

	out, err := b.tmux(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to spawn tmux pane: %w", err)
	}
	paneID := strings.TrimSpace(out)
	if paneID == "" {
		return "", fmt.Errorf("tmux new-window returned no pane id")
	}
	return paneID, nil
}

// pollReady probes capture-pane until the first successful read.
func (b *TmuxBackend) pollReady(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.ReadAll(); err == nil {
				b.readyOnce.Do(func() { close(b.ready) })
				return
			}
		}
	}
}

// Write sends input to the pane. Literal text goes through send-keys -l; a
// trailing carriage return or newline is translated to the Enter key so the
// pane's application sees a submission rather than a pasted control byte.
func (b *TmuxBackend) Write(data []byte) error {
	if err := b.checkStarted(); err != nil {
		return err
	}

	text := string(data)
	enter := false
	for strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\r") {
		text = text[:len(text)-1]
		enter = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if text != "" {
		if _, err := b.tmux(ctx, "send-keys", "-t", b.pane(), "-l", text); err != nil {
			return fmt.Errorf("tmux send-keys failed: %w", err)
		}
	}
	if enter {
		if _, err := b.tmux(ctx, "send-keys", "-t", b.pane(), "Enter"); err != nil {
			return fmt.Errorf("tmux send-keys Enter failed: %w", err)
		}
	}
	return nil
}

// ReadAll captures the full pane contents including scrollback.
func (b *TmuxBackend) ReadAll() (string, error) {
	if err := b.checkStarted(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := b.tmux(ctx, "capture-pane", "-p", "-t", b.pane(), "-S", "-")
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane failed: %w", err)
	}
	return out, nil
}

// ReadTail returns the last n lines of the pane contents.
func (b *TmuxBackend) ReadTail(lines int) (string, error) {
	out, err := b.ReadAll()
	if err != nil {
		return "", err
	}
	split := strings.Split(out, "\n")
	if lines < len(split) {
		split = split[len(split)-lines:]
	}
	return strings.Join(split, "\n"), nil
}

// Signal translates os.Interrupt to the C-c key; other signals are not
// deliverable through the multiplexer control channel.
func (b *TmuxBackend) Signal(sig os.Signal) error {
	if err := b.checkStarted(); err != nil {
		return err
	}
	if sig != os.Interrupt {
		return fmt.Errorf("tmux backend cannot deliver signal %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := b.tmux(ctx, "send-keys", "-t", b.pane(), "C-c")
	return err
}

// Stop kills the pane when this backend spawned it; attached panes are left
// running.
func (b *TmuxBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	spawned, paneID := b.spawned, b.paneID
	cancel := b.cancelMon
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !spawned {
		return nil
	}
	if _, err := b.tmux(ctx, "kill-pane", "-t", paneID); err != nil {
		return fmt.Errorf("tmux kill-pane failed: %w", err)
	}
	return nil
}

// Ready implements Backend.
func (b *TmuxBackend) Ready() <-chan struct{} {
	return b.ready
}

// PaneID returns the attached pane id.
func (b *TmuxBackend) PaneID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paneID
}

func (b *TmuxBackend) pane() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paneID
}

func (b *TmuxBackend) checkStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrNotStarted
	}
	if b.stopped {
		return ErrStopped
	}
	return nil
}

// tmux runs one tmux control command and returns its stdout.
func (b *TmuxBackend) tmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}
