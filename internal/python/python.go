// Package python runs per-session interactive Python interpreters for the
// execute_code command. Each session gets one long-lived python3 child
// whose namespace persists across calls.
//
// Code runs with the server's privileges and is not sandboxed. The
// websocket API is the trust boundary.
package python

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
)

const defaultExecTimeout = 2 * time.Minute

// Executor manages one interpreter per session.
type Executor struct {
	log *logger.Logger

	mu           sync.Mutex
	interpreters map[string]*interpreter
}

// NewExecutor creates an executor. Interpreters start lazily on first use.
func NewExecutor(log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		log:          log,
		interpreters: make(map[string]*interpreter),
	}
}

// interpreter is one python3 child. Execute calls are serialized per
// interpreter; output is read line by line off a channel fed by the stdout
// pump.
type interpreter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	errMu  sync.Mutex
	stderr strings.Builder

	execMu sync.Mutex
}

func startInterpreter(log *logger.Logger, session string) (*interpreter, error) {
	cmd := exec.Command("python3", "-i", "-q", "-u")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start python3: %w", err)
	}

	in := &interpreter{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			in.lines <- scanner.Text()
		}
		close(in.lines)
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := stripPrompts(scanner.Text())
			if line == "" {
				continue
			}
			in.errMu.Lock()
			in.stderr.WriteString(line + "\n")
			in.errMu.Unlock()
		}
	}()

	log.Info("Python interpreter started",
		zap.String("session", session),
		zap.Int("pid", cmd.Process.Pid))
	return in, nil
}

// stripPrompts removes the interactive prompt noise python emits on stderr.
func stripPrompts(line string) string {
	for {
		switch {
		case strings.HasPrefix(line, ">>> "):
			line = line[4:]
		case strings.HasPrefix(line, "... "):
			line = line[4:]
		case line == ">>>" || line == "...":
			return ""
		default:
			return line
		}
	}
}

func (in *interpreter) takeStderr() string {
	in.errMu.Lock()
	defer in.errMu.Unlock()
	out := in.stderr.String()
	in.stderr.Reset()
	return out
}

func (in *interpreter) close() {
	_ = in.stdin.Close()
	if in.cmd.Process != nil {
		_ = in.cmd.Process.Kill()
	}
	_ = in.cmd.Wait()
}

func (e *Executor) get(session string) (*interpreter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in, ok := e.interpreters[session]; ok {
		return in, nil
	}
	in, err := startInterpreter(e.log, session)
	if err != nil {
		return nil, err
	}
	e.interpreters[session] = in
	return in, nil
}

// drop removes a dead interpreter so the next call starts a fresh one.
func (e *Executor) drop(session string, in *interpreter) {
	e.mu.Lock()
	if e.interpreters[session] == in {
		delete(e.interpreters, session)
	}
	e.mu.Unlock()
	in.close()
}

// Execute runs a block of Python in the session's interpreter and returns
// its stdout and stderr. The block and a sentinel print are fed to the
// interactive interpreter; stdout is collected until the sentinel appears.
func (e *Executor) Execute(ctx context.Context, session, code string) (string, string, error) {
	in, err := e.get(session)
	if err != nil {
		return "", "", err
	}

	in.execMu.Lock()
	defer in.execMu.Unlock()

	in.takeStderr()
	sentinel := "__ensemble_" + uuid.NewString() + "__"

	// A blank line closes any open indented block before the sentinel
	// print runs as its own statement.
	payload := code + "\n\nprint('" + sentinel + "')\n"
	if _, err := io.WriteString(in.stdin, payload); err != nil {
		e.drop(session, in)
		return "", "", fmt.Errorf("interpreter write failed: %w", err)
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}

	var out strings.Builder
	for {
		select {
		case line, ok := <-in.lines:
			if !ok {
				stderr := in.takeStderr()
				e.drop(session, in)
				return out.String(), stderr, fmt.Errorf("interpreter exited")
			}
			if line == sentinel {
				// Give trailing stderr a moment to arrive.
				time.Sleep(10 * time.Millisecond)
				return out.String(), in.takeStderr(), nil
			}
			out.WriteString(line + "\n")
		case <-waitCtx.Done():
			stderr := in.takeStderr()
			e.drop(session, in)
			return out.String(), stderr, waitCtx.Err()
		}
	}
}

// CloseSession tears down a session's interpreter, if one is running.
func (e *Executor) CloseSession(session string) {
	e.mu.Lock()
	in, ok := e.interpreters[session]
	if ok {
		delete(e.interpreters, session)
	}
	e.mu.Unlock()
	if ok {
		in.close()
		e.log.Info("Python interpreter stopped", zap.String("session", session))
	}
}

// CloseAll tears down every interpreter. Used at server shutdown.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	interpreters := e.interpreters
	e.interpreters = make(map[string]*interpreter)
	e.mu.Unlock()
	for _, in := range interpreters {
		in.close()
	}
}
