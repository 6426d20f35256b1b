package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

const defaultBashTimeout = 2 * time.Minute

// BashNode runs one shell command per execution through `sh -c`, capturing
// stdout, stderr, and the exit code. It is ephemeral: Start and Stop only
// move the state machine.
type BashNode struct {
	base

	cwd            string
	env            []string
	defaultTimeout time.Duration

	cmdMu       sync.Mutex
	current     *exec.Cmd
	interrupted bool
}

// BashOptions configures a bash node. Zero values fall back to the caller's
// working directory, inherited environment, and the package default timeout.
type BashOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// NewBashNode builds an unstarted bash node.
func NewBashNode(id string, opts BashOptions, hist *history.Writer, log *logger.Logger) *BashNode {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultBashTimeout
	}
	var env []string
	if len(opts.Env) > 0 {
		env = os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
	}
	n := &BashNode{
		cwd:            opts.Cwd,
		env:            env,
		defaultTimeout: timeout,
	}
	n.init(id, KindBash, false, hist, log)
	return n
}

func (n *BashNode) Start(ctx context.Context) error {
	if n.State() == StateReady {
		return nil
	}
	return n.transition(StateReady, StateCreated, StateStopped)
}

func (n *BashNode) Stop(ctx context.Context) error {
	n.cmdMu.Lock()
	if n.current != nil {
		_ = killProcess(n.current)
	}
	n.cmdMu.Unlock()
	n.setState(StateStopped)
	n.closeHistory()
	return nil
}

// Interrupt signals the in-flight command's process group. A no-op when
// nothing is running.
func (n *BashNode) Interrupt() error {
	n.cmdMu.Lock()
	defer n.cmdMu.Unlock()
	if n.current == nil {
		return nil
	}
	n.interrupted = true
	return interruptProcess(n.current)
}

func (n *BashNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	defer n.endExecute(false)

	command := strings.TrimSpace(ec.InputString())
	if command == "" {
		return Fail(protocol.ErrInvalidRequest, "bash node requires a non-empty command")
	}
	n.hist.Input(command)

	runCtx, cancel := context.WithTimeout(ctx, ec.EffectiveTimeout(n.defaultTimeout))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = n.cwd
	cmd.Env = n.env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcess(cmd) }

	n.cmdMu.Lock()
	n.current = cmd
	n.interrupted = false
	n.cmdMu.Unlock()

	err := cmd.Run()

	n.cmdMu.Lock()
	n.current = nil
	wasInterrupted := n.interrupted
	n.cmdMu.Unlock()

	payload := map[string]any{
		"command":     command,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"interrupted": wasInterrupted,
	}

	switch {
	case err == nil:
		payload["exit_code"] = 0
		ec.Chunk(stdout.String())
		n.hist.Output(payload)
		return OK(payload)

	case wasInterrupted:
		n.hist.Error(string(protocol.ErrInterrupted), "command interrupted")
		return Fail(protocol.ErrInterrupted, "command interrupted").WithFields(payload)

	case runCtx.Err() == context.DeadlineExceeded:
		n.hist.Error(string(protocol.ErrTimeout), "command timed out")
		return Fail(protocol.ErrTimeout,
			fmt.Sprintf("command timed out after %s", ec.EffectiveTimeout(n.defaultTimeout))).WithFields(payload)

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			payload["exit_code"] = exitErr.ExitCode()
			n.hist.Error(string(protocol.ErrProcess), err.Error())
			return Fail(protocol.ErrProcess,
				fmt.Sprintf("command exited with code %d", exitErr.ExitCode())).WithFields(payload)
		}
		n.hist.Error(string(protocol.ErrProcess), err.Error())
		return FailErr(protocol.ErrProcess, err).WithFields(payload)
	}
}

// Tools exposes the node as a single "bash" tool for LLM-driven execution.
func (n *BashNode) Tools() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "bash",
		Description: "Run a shell command and return its stdout. Non-zero exits are reported as errors.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to run",
				},
			},
			"required": []string{"command"},
		},
		NodeID: n.id,
	}}
}

// CallTool runs the "bash" tool. The output is stdout on success; a failed
// command surfaces as an error carrying stderr.
func (n *BashNode) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if name != "bash" {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	command, _ := args["command"].(string)
	res := n.Execute(ctx, &ExecutionContext{Input: command})
	if !res.Succeeded() {
		msg := res.ErrMsg()
		if stderr := res.Str("stderr"); stderr != "" {
			msg = msg + ": " + strings.TrimSpace(stderr)
		}
		return "", errors.New(msg)
	}
	return res.Str("stdout"), nil
}
