package node

import (
	"context"
	"strings"
	"testing"
)

func TestBuildClaudeCommand(t *testing.T) {
	cmd := buildClaudeCommand(ClaudeOptions{CLISessionID: "abc-123"})
	if cmd != "claude --session-id abc-123" {
		t.Fatalf("unexpected command %q", cmd)
	}

	cmd = buildClaudeCommand(ClaudeOptions{
		Command:      "claude --dangerously-skip-permissions",
		CLISessionID: "abc-123",
		ProxyURL:     "http://127.0.0.1:8402",
	})
	want := "export ANTHROPIC_BASE_URL='http://127.0.0.1:8402' && claude --dangerously-skip-permissions --session-id abc-123"
	if cmd != want {
		t.Fatalf("unexpected command\n got: %q\nwant: %q", cmd, want)
	}

	cmd = buildClaudeCommand(ClaudeOptions{
		CLISessionID: "new-id",
		resumeFrom:   "old-id",
	})
	if cmd != "claude --resume old-id --fork-session --session-id new-id" {
		t.Fatalf("unexpected resume command %q", cmd)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("http://x"); got != "'http://x'" {
		t.Fatalf("unexpected quoting %q", got)
	}
	if got := shellQuote("a'b"); got != `'a'\''b'` {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestClaudeNodeDefaults(t *testing.T) {
	n := NewClaudeTerminalNode("cl-1", ClaudeOptions{}, nil, nil)
	if n.Kind() != KindClaudeTerminal {
		t.Fatalf("unexpected kind %s", n.Kind())
	}
	if n.CLISessionID() == "" {
		t.Fatal("expected a generated CLI session id")
	}
	if n.parser.Name() != "claude" {
		t.Fatalf("expected claude parser default, got %s", n.parser.Name())
	}
	if !strings.Contains(n.opts.Backend.Command, "--session-id "+n.CLISessionID()) {
		t.Fatalf("expected session id in pane command, got %q", n.opts.Backend.Command)
	}
}

func TestClaudeNodeFork(t *testing.T) {
	n := NewClaudeTerminalNode("cl-2", ClaudeOptions{ProxyURL: "http://127.0.0.1:9000"}, nil, nil)

	forked, err := n.Fork(context.Background(), "cl-2-fork")
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	fork := forked.(*ClaudeTerminalNode)

	if fork.State() != StateCreated {
		t.Fatalf("fork must be unstarted, got %s", fork.State())
	}
	if fork.CLISessionID() == n.CLISessionID() {
		t.Fatal("fork must get a fresh CLI session id")
	}
	cmd := fork.opts.Backend.Command
	if !strings.Contains(cmd, "--resume "+n.CLISessionID()) || !strings.Contains(cmd, "--fork-session") {
		t.Fatalf("expected resume+fork flags, got %q", cmd)
	}
	if !strings.Contains(cmd, "ANTHROPIC_BASE_URL") {
		t.Fatalf("expected proxy export carried over, got %q", cmd)
	}
	if got := fork.Info().Metadata["forked_from"]; got != "cl-2" {
		t.Fatalf("expected forked_from metadata, got %v", got)
	}
}
