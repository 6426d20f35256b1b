package node

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/terminal"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

const defaultTerminalExecTimeout = 5 * time.Minute

// TerminalOptions configures a terminal-backed node.
type TerminalOptions struct {
	// Backend carries the command, pane, geometry, and timing parameters
	// handed to the underlying terminal driver.
	Backend terminal.Config

	// Parser is the default response parser. Nil means passthrough.
	Parser parser.Parser

	// ExecTimeout bounds a single execution when the call does not override
	// it. Zero means the package default.
	ExecTimeout time.Duration
}

// terminalNode is the execution loop shared by every terminal-backed
// variant: write the input, poll the buffer, parse, and declare the
// response complete once the parser reports ready on a stable buffer.
type terminalNode struct {
	base

	backend      terminal.Backend
	parser       parser.Parser
	execTimeout  time.Duration
	pollInterval time.Duration
	readyTimeout time.Duration

	interruptedFlag atomic.Bool
}

func (n *terminalNode) init(id string, kind Kind, backend terminal.Backend, opts TerminalOptions, hist *history.Writer, log *logger.Logger) {
	p := opts.Parser
	if p == nil {
		p = parser.PassthroughParser{}
	}
	execTimeout := opts.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = defaultTerminalExecTimeout
	}
	poll := opts.Backend.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ready := opts.Backend.ReadyTimeout
	if ready <= 0 {
		ready = 120 * time.Second
	}

	n.base.init(id, kind, true, hist, log)
	n.backend = backend
	n.parser = p
	n.execTimeout = execTimeout
	n.pollInterval = poll
	n.readyTimeout = ready
}

func (n *terminalNode) Start(ctx context.Context) error {
	if err := n.transition(StateStarting, StateCreated); err != nil {
		return err
	}
	if err := n.backend.Start(ctx); err != nil {
		n.setState(StateError)
		return err
	}
	if err := terminal.WaitReady(ctx, n.backend, n.readyTimeout); err != nil {
		n.setState(StateError)
		return fmt.Errorf("terminal did not become ready: %w", err)
	}

	switch b := n.backend.(type) {
	case *terminal.PTYBackend:
		n.SetMetadata("pid", b.PID())
	case *terminal.TmuxBackend:
		n.SetMetadata("pane_id", b.PaneID())
	}

	n.setState(StateReady)
	return nil
}

func (n *terminalNode) Stop(ctx context.Context) error {
	n.setState(StateStopping)
	err := n.backend.Stop(ctx)
	n.setState(StateStopped)
	n.closeHistory()
	return err
}

// Interrupt sends the terminal interrupt. An in-flight execution observes
// the flag and reports the interrupted outcome once the terminal settles.
func (n *terminalNode) Interrupt() error {
	n.interruptedFlag.Store(true)
	return n.backend.Signal(os.Interrupt)
}

func (n *terminalNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	// Backend I/O failure means the terminal is gone. The node parks in the
	// error state until an explicit stop.
	fatal := false
	defer func() { n.endExecute(fatal) }()

	input := ec.InputString()
	if input == "" {
		return Fail(protocol.ErrInvalidRequest, "terminal node requires a non-empty input")
	}

	p := ec.Parser
	if p == nil {
		p = n.parser
	}

	n.interruptedFlag.Store(false)
	n.hist.Input(input)

	baseline, err := n.backend.ReadAll()
	if err != nil {
		fatal = true
		n.hist.Error(string(protocol.ErrNodeStopped), err.Error())
		return FailErr(protocol.ErrNodeStopped, err)
	}
	if err := n.backend.Write([]byte(input + "\r")); err != nil {
		fatal = true
		n.hist.Error(string(protocol.ErrNodeStopped), err.Error())
		return FailErr(protocol.ErrNodeStopped, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, ec.EffectiveTimeout(n.execTimeout))
	defer cancel()

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	var (
		delta   string
		changed bool
	)
	for {
		select {
		case <-runCtx.Done():
			_ = n.backend.Signal(os.Interrupt)
			parsed := p.Parse(delta)
			if ctx.Err() != nil {
				n.hist.Error(string(protocol.ErrInterrupted), "execution cancelled")
				return Fail(protocol.ErrInterrupted, "execution cancelled").
					With("raw", delta).With("sections", parsed.Sections)
			}
			n.hist.Error(string(protocol.ErrTimeout), "terminal response timed out")
			return Fail(protocol.ErrTimeout,
				fmt.Sprintf("no complete response after %s", ec.EffectiveTimeout(n.execTimeout))).
				With("raw", delta).With("sections", parsed.Sections)

		case <-ticker.C:
			raw, err := n.backend.ReadAll()
			if err != nil {
				fatal = true
				n.hist.Error(string(protocol.ErrNodeStopped), err.Error())
				return FailErr(protocol.ErrNodeStopped, err)
			}
			next := deltaAfter(raw, baseline)
			if len(next) > len(delta) {
				ec.Chunk(next[len(delta):])
				delta = next
				changed = true
				continue // wait for the buffer to settle before parsing
			}
			if !changed {
				continue
			}

			parsed := p.Parse(delta)
			if !parsed.IsReady {
				continue
			}

			if n.interruptedFlag.Load() {
				n.hist.Error(string(protocol.ErrInterrupted), "execution interrupted")
				return Fail(protocol.ErrInterrupted, "execution interrupted").
					With("raw", delta).With("sections", parsed.Sections)
			}

			payload := terminalPayload(p.Name(), delta, parsed)
			n.hist.Output(payload)
			return OK(payload)
		}
	}
}

// deltaAfter strips the pre-execution buffer prefix from a fresh read. When
// the rolling buffer truncated in between, the whole read is the delta.
func deltaAfter(raw, baseline string) string {
	if strings.HasPrefix(raw, baseline) {
		return raw[len(baseline):]
	}
	return raw
}

// terminalPayload flattens a parsed response into result fields.
func terminalPayload(parserName, delta string, parsed parser.ParsedResponse) map[string]any {
	response := strings.TrimSpace(delta)
	if len(parsed.Sections) > 0 {
		var texts []string
		for _, s := range parsed.Sections {
			if s.Kind == parser.SectionText {
				texts = append(texts, s.Content)
			}
		}
		if len(texts) > 0 {
			response = strings.TrimSpace(strings.Join(texts, "\n"))
		}
	}

	return map[string]any{
		"raw":         delta,
		"response":    response,
		"sections":    parsed.Sections,
		"parser":      parserName,
		"is_ready":    parsed.IsReady,
		"is_complete": parsed.IsComplete,
		"tokens":      parsed.Tokens,
	}
}

// WriteRaw bypasses the execute loop and writes bytes straight to the
// terminal. No response is awaited.
func (n *terminalNode) WriteRaw(data []byte) error {
	return n.backend.Write(data)
}

// ReadBuffer returns the full rolling buffer without consuming it.
func (n *terminalNode) ReadBuffer() (string, error) {
	return n.backend.ReadAll()
}

// ReadTail returns the last lines of the rolling buffer.
func (n *terminalNode) ReadTail(lines int) (string, error) {
	return n.backend.ReadTail(lines)
}

// PTYNode drives a process under a local pseudo-terminal.
type PTYNode struct {
	terminalNode
}

// NewPTYNode builds an unstarted PTY node running opts.Backend.Command.
func NewPTYNode(id string, opts TerminalOptions, hist *history.Writer, log *logger.Logger) *PTYNode {
	n := &PTYNode{}
	n.terminalNode.init(id, KindPTY, terminal.NewPTYBackend(opts.Backend, log), opts, hist, log)
	return n
}

// ExternalTerminalNode drives a pane in an external terminal multiplexer,
// either spawned for the node or attached by pane id.
type ExternalTerminalNode struct {
	terminalNode
}

// NewExternalTerminalNode builds an unstarted external-terminal node.
func NewExternalTerminalNode(id string, opts TerminalOptions, hist *history.Writer, log *logger.Logger) *ExternalTerminalNode {
	n := &ExternalTerminalNode{}
	n.terminalNode.init(id, KindExternalTerminal, terminal.NewTmuxBackend(opts.Backend, log), opts, hist, log)
	if opts.Backend.PaneID != "" {
		n.SetMetadata("attached", true)
	}
	return n
}
