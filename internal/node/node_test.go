package node

import (
	"context"
	"errors"
	"testing"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func TestIdentityLifecycle(t *testing.T) {
	ctx := context.Background()
	n := NewIdentityNode("id-1", nil, nil)

	if got := n.State(); got != StateCreated {
		t.Fatalf("expected created, got %s", got)
	}

	// Execute before start is rejected, not an error return.
	res := n.Execute(ctx, &ExecutionContext{Input: "x"})
	if res.Succeeded() {
		t.Fatal("expected execute before start to fail")
	}
	if res.ErrType() != protocol.ErrNodeStopped {
		t.Fatalf("expected node_stopped, got %s", res.ErrType())
	}

	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := n.State(); got != StateReady {
		t.Fatalf("expected ready, got %s", got)
	}

	res = n.Execute(ctx, &ExecutionContext{Input: "hello"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if res["output"] != "hello" {
		t.Fatalf("expected echoed output, got %v", res["output"])
	}
	if got := n.State(); got != StateReady {
		t.Fatalf("expected ready after execute, got %s", got)
	}

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := n.State(); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}

	res = n.Execute(ctx, &ExecutionContext{Input: "x"})
	if res.Succeeded() || res.ErrType() != protocol.ErrNodeStopped {
		t.Fatalf("expected node_stopped after stop, got %v", res)
	}
}

func TestIdentityPreservesNonStringInput(t *testing.T) {
	ctx := context.Background()
	n := NewIdentityNode("id-2", nil, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	input := map[string]any{"k": "v"}
	res := n.Execute(ctx, &ExecutionContext{Input: input})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	out, ok := res["output"].(map[string]any)
	if !ok || out["k"] != "v" {
		t.Fatalf("expected structured input preserved, got %v", res["output"])
	}
}

func TestFunctionNode(t *testing.T) {
	ctx := context.Background()
	n := NewFunctionNode("fn-1", func(ctx context.Context, input any) (any, error) {
		s, _ := input.(string)
		return s + s, nil
	}, nil, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	res := n.Execute(ctx, &ExecutionContext{Input: "ab"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if res["output"] != "abab" {
		t.Fatalf("expected abab, got %v", res["output"])
	}
	if res["input"] != "ab" {
		t.Fatalf("expected input echoed in result, got %v", res["input"])
	}
}

func TestFunctionNodeError(t *testing.T) {
	ctx := context.Background()
	n := NewFunctionNode("fn-2", func(ctx context.Context, input any) (any, error) {
		return nil, errors.New("boom")
	}, nil, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	res := n.Execute(ctx, &ExecutionContext{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrType() != protocol.ErrInternal || res.ErrMsg() != "boom" {
		t.Fatalf("unexpected failure shape: %v", res)
	}
	// Expected failures leave the node usable.
	if got := n.State(); got != StateReady {
		t.Fatalf("expected ready after failed execute, got %s", got)
	}
}

func TestFunctionNodePanicIsContained(t *testing.T) {
	ctx := context.Background()
	n := NewFunctionNode("fn-3", func(ctx context.Context, input any) (any, error) {
		panic("bad callable")
	}, nil, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	res := n.Execute(ctx, &ExecutionContext{})
	if res.Succeeded() {
		t.Fatal("expected panic to surface as a failed result")
	}
	if res.ErrType() != protocol.ErrInternal {
		t.Fatalf("expected internal_error, got %s", res.ErrType())
	}
}

func TestFunctionNodeNilCallable(t *testing.T) {
	ctx := context.Background()
	n := NewFunctionNode("fn-4", nil, nil, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	res := n.Execute(ctx, &ExecutionContext{})
	if res.Succeeded() || res.ErrType() != protocol.ErrInvalidRequest {
		t.Fatalf("expected invalid_request_error, got %v", res)
	}
}

func TestResultShape(t *testing.T) {
	ok := OK(map[string]any{"output": "x"})
	if !ok.Succeeded() || ok.ErrType() != "" || ok.ErrMsg() != "" {
		t.Fatalf("unexpected success shape: %v", ok)
	}
	if _, present := ok["error"]; !present {
		t.Fatal("success results must carry the error key")
	}

	fail := Fail(protocol.ErrTimeout, "too slow")
	if fail.Succeeded() {
		t.Fatal("expected failure")
	}
	if fail.ErrType() != protocol.ErrTimeout || fail.ErrMsg() != "too slow" {
		t.Fatalf("unexpected failure shape: %v", fail)
	}
}

func TestResultIntTolerantOfJSONNumbers(t *testing.T) {
	r := OK(map[string]any{"a": 3, "b": int64(4), "c": float64(5)})
	if r.Int("a") != 3 || r.Int("b") != 4 || r.Int("c") != 5 {
		t.Fatalf("unexpected conversions: %v %v %v", r.Int("a"), r.Int("b"), r.Int("c"))
	}
}

func TestExecutionContextInputString(t *testing.T) {
	cases := []struct {
		input any
		want  string
	}{
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{42, "42"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{nil, ""},
	}
	for _, tc := range cases {
		ec := &ExecutionContext{Input: tc.input}
		if got := ec.InputString(); got != tc.want {
			t.Fatalf("input %v: expected %q, got %q", tc.input, tc.want, got)
		}
	}
}
