package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/terminal"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
)

// ClaudeOptions configures a Claude CLI terminal node.
type ClaudeOptions struct {
	// Command is the base CLI invocation. Defaults to "claude".
	Command string

	// CLISessionID is the CLI-side session identifier passed as
	// --session-id. A fresh UUID is generated when empty.
	CLISessionID string

	// ProxyURL, when set, is exported as ANTHROPIC_BASE_URL in the pane's
	// shell before the CLI starts, routing its API traffic through a local
	// proxy.
	ProxyURL string

	// resumeFrom makes the CLI resume an existing session and fork it into
	// CLISessionID. Set internally by Fork.
	resumeFrom string

	TerminalOptions
}

// ClaudeTerminalNode drives the Claude CLI inside an external-terminal pane.
// Responses are parsed with the claude parser; the node supports forking the
// CLI-side conversation into a sibling node.
type ClaudeTerminalNode struct {
	terminalNode
	opts ClaudeOptions
}

// NewClaudeTerminalNode builds an unstarted Claude terminal node.
func NewClaudeTerminalNode(id string, opts ClaudeOptions, hist *history.Writer, log *logger.Logger) *ClaudeTerminalNode {
	if opts.CLISessionID == "" {
		opts.CLISessionID = uuid.NewString()
	}
	if opts.Parser == nil {
		opts.Parser = parser.NewClaudeParser()
	}
	opts.Backend.Command = buildClaudeCommand(opts)

	n := &ClaudeTerminalNode{opts: opts}
	n.terminalNode.init(id, KindClaudeTerminal, terminal.NewTmuxBackend(opts.Backend, log), opts.TerminalOptions, hist, log)
	n.SetMetadata("cli_session_id", opts.CLISessionID)
	if opts.ProxyURL != "" {
		n.SetMetadata("proxy_url", opts.ProxyURL)
	}
	if opts.resumeFrom != "" {
		n.SetMetadata("forked_from_cli_session", opts.resumeFrom)
	}
	return n
}

// buildClaudeCommand assembles the pane command: an optional base-URL export
// followed by the CLI with its session flags.
func buildClaudeCommand(opts ClaudeOptions) string {
	cli := opts.Command
	if cli == "" {
		cli = "claude"
	}

	var b strings.Builder
	if opts.ProxyURL != "" {
		b.WriteString("export ANTHROPIC_BASE_URL=")
		b.WriteString(shellQuote(opts.ProxyURL))
		b.WriteString(" && ")
	}
	b.WriteString(cli)
	if opts.resumeFrom != "" {
		b.WriteString(" --resume ")
		b.WriteString(opts.resumeFrom)
		b.WriteString(" --fork-session")
	}
	b.WriteString(" --session-id ")
	b.WriteString(opts.CLISessionID)
	return b.String()
}

// CLISessionID returns the CLI-side session identifier.
func (n *ClaudeTerminalNode) CLISessionID() string {
	return n.opts.CLISessionID
}

// Fork derives a new, unstarted node that resumes this node's CLI session
// under a fresh CLI session id. The fork gets its own pane on Start; the
// two conversations diverge from the fork point.
func (n *ClaudeTerminalNode) Fork(ctx context.Context, newID string) (Node, error) {
	if n.opts.CLISessionID == "" {
		return nil, fmt.Errorf("node %s has no CLI session to fork", n.id)
	}

	opts := n.opts
	opts.resumeFrom = n.opts.CLISessionID
	opts.CLISessionID = uuid.NewString()
	opts.Backend.PaneID = "" // the fork spawns its own pane

	fork := NewClaudeTerminalNode(newID, opts, nil, n.log)
	fork.SetMetadata("forked_from", n.id)
	return fork, nil
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
