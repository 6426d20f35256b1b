//go:build !windows

package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func startedBash(t *testing.T, id string, opts BashOptions) *BashNode {
	t.Helper()
	n := NewBashNode(id, opts, nil, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return n
}

func TestBashExecute(t *testing.T) {
	n := startedBash(t, "bash-1", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	res := n.Execute(context.Background(), &ExecutionContext{Input: "echo hello"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if got := res.Str("stdout"); got != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", got)
	}
	if res.Int("exit_code") != 0 {
		t.Fatalf("expected exit code 0, got %d", res.Int("exit_code"))
	}
	if res.Str("command") != "echo hello" {
		t.Fatalf("expected command echoed back, got %q", res.Str("command"))
	}
	if interrupted, ok := res["interrupted"].(bool); !ok || interrupted {
		t.Fatalf("expected interrupted=false, got %v", res["interrupted"])
	}
}

func TestBashExecuteNonZeroExit(t *testing.T) {
	n := startedBash(t, "bash-2", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	res := n.Execute(context.Background(), &ExecutionContext{Input: "echo oops >&2; exit 3"})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrType() != protocol.ErrProcess {
		t.Fatalf("expected process_error, got %s", res.ErrType())
	}
	if res.Int("exit_code") != 3 {
		t.Fatalf("expected exit code 3, got %d", res.Int("exit_code"))
	}
	if got := res.Str("stderr"); got != "oops\n" {
		t.Fatalf("expected captured stderr, got %q", got)
	}
	// Non-zero exits are expected failures: the node stays usable.
	if n.State() != StateReady {
		t.Fatalf("expected ready, got %s", n.State())
	}
}

func TestBashExecuteEmptyCommand(t *testing.T) {
	n := startedBash(t, "bash-3", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	res := n.Execute(context.Background(), &ExecutionContext{Input: "   "})
	if res.Succeeded() || res.ErrType() != protocol.ErrInvalidRequest {
		t.Fatalf("expected invalid_request_error, got %v", res)
	}
}

func TestBashExecuteTimeout(t *testing.T) {
	n := startedBash(t, "bash-4", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	start := time.Now()
	res := n.Execute(context.Background(), &ExecutionContext{
		Input:   "echo started; sleep 30",
		Timeout: 150 * time.Millisecond,
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not take effect")
	}
	if res.Succeeded() || res.ErrType() != protocol.ErrTimeout {
		t.Fatalf("expected timeout, got %v", res)
	}
	// Output produced before the deadline is preserved.
	if got := res.Str("stdout"); !strings.Contains(got, "started") {
		t.Fatalf("expected partial stdout, got %q", got)
	}
}

func TestBashExecuteCwdAndEnv(t *testing.T) {
	n := startedBash(t, "bash-5", BashOptions{
		Cwd: t.TempDir(),
		Env: map[string]string{"ENSEMBLE_TEST_VALUE": "42"},
	})
	defer func() { _ = n.Stop(context.Background()) }()

	res := n.Execute(context.Background(), &ExecutionContext{Input: "echo $ENSEMBLE_TEST_VALUE"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if got := res.Str("stdout"); got != "42\n" {
		t.Fatalf("expected env var in child, got %q", got)
	}
}

func TestBashCallTool(t *testing.T) {
	n := startedBash(t, "bash-6", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	defs := n.Tools()
	if len(defs) != 1 || defs[0].Name != "bash" {
		t.Fatalf("expected singleton bash tool, got %v", defs)
	}

	out, err := n.CallTool(context.Background(), "bash", map[string]any{"command": "echo tool"})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if out != "tool\n" {
		t.Fatalf("expected tool output, got %q", out)
	}

	if _, err := n.CallTool(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected unknown tool error")
	}
}

func TestBashChunksFinalOutput(t *testing.T) {
	n := startedBash(t, "bash-7", BashOptions{})
	defer func() { _ = n.Stop(context.Background()) }()

	var chunks []string
	res := n.Execute(context.Background(), &ExecutionContext{
		Input:   "echo streamed",
		OnChunk: func(c string) { chunks = append(chunks, c) },
	})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if len(chunks) != 1 || chunks[0] != "streamed\n" {
		t.Fatalf("expected single output chunk, got %v", chunks)
	}
}
