package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func fnStep(t *testing.T, id string, fn node.Func, deps ...string) Step {
	t.Helper()
	n := node.NewFunctionNode(id+"-node", fn, nil, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start %s failed: %v", id, err)
	}
	return Step{ID: id, Node: n, DependsOn: deps}
}

func upper(ctx context.Context, input any) (any, error) {
	s, _ := input.(string)
	return s + "!", nil
}

func failing(ctx context.Context, input any) (any, error) {
	return nil, errors.New("step exploded")
}

func TestGraphValidation(t *testing.T) {
	mk := func(id string) Step {
		return Step{ID: id, NodeID: "n-" + id}
	}

	if _, err := New("g", nil, 1); err == nil {
		t.Fatal("expected empty graph rejection")
	}

	if _, err := New("g", []Step{mk("a"), mk("a")}, 1); err == nil {
		t.Fatal("expected duplicate id rejection")
	}

	if _, err := New("g", []Step{{ID: "a"}}, 1); err == nil {
		t.Fatal("expected rejection of step with neither node nor node_id")
	}

	both := Step{ID: "a", NodeID: "x", Node: node.NewIdentityNode("x", nil, nil)}
	if _, err := New("g", []Step{both}, 1); err == nil {
		t.Fatal("expected rejection of step with both node and node_id")
	}

	bad := mk("a")
	bad.DependsOn = []string{"ghost"}
	if _, err := New("g", []Step{bad}, 1); err == nil {
		t.Fatal("expected unknown dependency rejection")
	}

	a, b := mk("a"), mk("b")
	a.DependsOn = []string{"b"}
	b.DependsOn = []string{"a"}
	if _, err := New("g", []Step{a, b}, 1); err == nil {
		t.Fatal("expected cycle rejection")
	}

	self := mk("a")
	self.DependsOn = []string{"a"}
	if _, err := New("g", []Step{self}, 1); err == nil {
		t.Fatal("expected self-dependency rejection")
	}
}

func TestGraphTopologicalOrder(t *testing.T) {
	g, err := New("g", []Step{
		{ID: "c", NodeID: "n", DependsOn: []string{"b"}},
		{ID: "a", NodeID: "n"},
		{ID: "b", NodeID: "n", DependsOn: []string{"a"}},
	}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	order := g.TopologicalOrder()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("invalid topological order %v", order)
	}
}

func TestGraphChainPassesResults(t *testing.T) {
	first := fnStep(t, "first", upper)
	second := fnStep(t, "second", upper, "first")
	second.InputFn = func(deps map[string]node.Result) any {
		return deps["first"]["output"]
	}

	g, err := New("chain", []Step{first, second}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{Input: "hi"})
	if !res.Succeeded() {
		t.Fatalf("graph failed: %s", res.ErrMsg())
	}

	steps := res["step_results"].(map[string]any)
	secondRes := steps["second"].(map[string]any)
	if secondRes["status"] != StatusCompleted {
		t.Fatalf("expected completed, got %v", secondRes["status"])
	}
	out := secondRes["result"].(node.Result)["output"]
	if out != "hi!!" {
		t.Fatalf("expected chained output hi!!, got %v", out)
	}

	attrs := res["attributes"].(map[string]any)
	order := attrs["execution_order"].([]string)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected execution order %v", order)
	}
}

func TestGraphFailFastCancelsPending(t *testing.T) {
	boom := fnStep(t, "boom", failing)
	after := fnStep(t, "after", upper, "boom")
	independent := fnStep(t, "independent", upper, "boom")

	g, err := New("ff", []Step{boom, after, independent}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{Input: "x"})
	if res.Succeeded() {
		t.Fatal("expected graph failure")
	}
	if res.ErrType() != protocol.ErrInternal {
		t.Fatalf("expected first failure's error type, got %s", res.ErrType())
	}

	steps := res["step_results"].(map[string]any)
	if steps["boom"].(map[string]any)["status"] != StatusFailed {
		t.Fatalf("expected boom failed, got %v", steps["boom"])
	}
	for _, id := range []string{"after", "independent"} {
		if got := steps[id].(map[string]any)["status"]; got != StatusCancelled {
			t.Fatalf("expected %s cancelled under fail_fast, got %v", id, got)
		}
	}
}

func TestGraphContinuePolicy(t *testing.T) {
	boom := fnStep(t, "boom", failing)
	boom.Policy = Policy{Kind: PolicyContinue}
	sibling := fnStep(t, "sibling", upper)
	dependent := fnStep(t, "dependent", upper, "boom")
	dependent.InputFn = func(deps map[string]node.Result) any {
		// The failed dependency's result is visible downstream.
		if deps["boom"].Succeeded() {
			return "unexpected"
		}
		return "recovered"
	}

	g, err := New("cont", []Step{boom, sibling, dependent}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{Input: "x"})
	if res.Succeeded() {
		t.Fatal("a failed step still fails the graph")
	}

	steps := res["step_results"].(map[string]any)
	if steps["sibling"].(map[string]any)["status"] != StatusCompleted {
		t.Fatalf("expected sibling completed, got %v", steps["sibling"])
	}
	dep := steps["dependent"].(map[string]any)
	if dep["status"] != StatusCompleted {
		t.Fatalf("expected dependent completed under continue, got %v", dep["status"])
	}
	if out := dep["result"].(node.Result)["output"]; out != "recovered!" {
		t.Fatalf("expected dependent to see failed dep result, got %v", out)
	}
}

func TestGraphSkipDownstreamPolicy(t *testing.T) {
	boom := fnStep(t, "boom", failing)
	boom.Policy = Policy{Kind: PolicySkipDownstream}
	child := fnStep(t, "child", upper, "boom")
	grandchild := fnStep(t, "grandchild", upper, "child")
	sibling := fnStep(t, "sibling", upper)

	g, err := New("skip", []Step{boom, child, grandchild, sibling}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{Input: "x"})
	if res.Succeeded() {
		t.Fatal("expected graph failure")
	}

	steps := res["step_results"].(map[string]any)
	for _, id := range []string{"child", "grandchild"} {
		if got := steps[id].(map[string]any)["status"]; got != StatusSkipped {
			t.Fatalf("expected %s skipped, got %v", id, got)
		}
	}
	if got := steps["sibling"].(map[string]any)["status"]; got != StatusCompleted {
		t.Fatalf("expected sibling completed, got %v", got)
	}
}

func TestGraphRetryPolicy(t *testing.T) {
	var calls atomic.Int32
	flaky := fnStep(t, "flaky", func(ctx context.Context, input any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})
	flaky.Policy = Policy{Kind: PolicyRetry, Retries: 3}

	g, err := New("retry", []Step{flaky}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{})
	if !res.Succeeded() {
		t.Fatalf("expected success after retries: %s", res.ErrMsg())
	}
	entry := res["step_results"].(map[string]any)["flaky"].(map[string]any)
	if entry["attempts"] != 3 {
		t.Fatalf("expected 3 attempts recorded, got %v", entry["attempts"])
	}
}

func TestGraphRetryBackoffDelays(t *testing.T) {
	var calls atomic.Int32
	flaky := fnStep(t, "flaky", func(ctx context.Context, input any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})
	flaky.Policy = Policy{Kind: PolicyRetry, Retries: 1}

	g, err := New("backoff", []Step{flaky}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	start := time.Now()
	res := g.Execute(context.Background(), &node.ExecutionContext{})
	if !res.Succeeded() {
		t.Fatalf("expected success after retry: %s", res.ErrMsg())
	}
	if elapsed := time.Since(start); elapsed < retryBaseDelay {
		t.Fatalf("expected at least %v between attempts, took %v", retryBaseDelay, elapsed)
	}
}

func TestGraphRetryBackoffHonoursCancel(t *testing.T) {
	boom := fnStep(t, "boom", failing)
	boom.Policy = Policy{Kind: PolicyRetry, Retries: 5}

	g, err := New("backoff-cancel", []Step{boom}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := g.Execute(ctx, &node.ExecutionContext{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel did not cut the backoff short, took %v", elapsed)
	}
	attempts := res["step_results"].(map[string]any)["boom"].(map[string]any)["attempts"].(int)
	if attempts >= 6 {
		t.Fatalf("expected cancel to stop retries early, got %d attempts", attempts)
	}
}

func TestGraphRetryExhaustionFailsFast(t *testing.T) {
	boom := fnStep(t, "boom", failing)
	boom.Policy = Policy{Kind: PolicyRetry, Retries: 2}
	after := fnStep(t, "after", upper, "boom")

	g, err := New("retry-x", []Step{boom, after}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	res := g.Execute(context.Background(), &node.ExecutionContext{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	steps := res["step_results"].(map[string]any)
	if steps["boom"].(map[string]any)["attempts"] != 3 {
		t.Fatalf("expected 3 attempts, got %v", steps["boom"].(map[string]any)["attempts"])
	}
	if steps["after"].(map[string]any)["status"] != StatusCancelled {
		t.Fatalf("expected downstream cancelled, got %v", steps["after"])
	}
}

func TestGraphMaxParallelSerializes(t *testing.T) {
	var mu sync.Mutex
	var active, peak int
	slow := func(ctx context.Context, input any) (any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}

	steps := make([]Step, 0, 4)
	for i := 0; i < 4; i++ {
		steps = append(steps, fnStep(t, fmt.Sprintf("s%d", i), slow))
	}

	g, err := New("par", steps, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if res := g.Execute(context.Background(), &node.ExecutionContext{}); !res.Succeeded() {
		t.Fatalf("graph failed: %s", res.ErrMsg())
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected serialized execution, observed %d concurrent steps", peak)
	}
}

func TestGraphParallelRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	var active, peak int
	slow := func(ctx context.Context, input any) (any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}

	steps := make([]Step, 0, 3)
	for i := 0; i < 3; i++ {
		steps = append(steps, fnStep(t, fmt.Sprintf("p%d", i), slow))
	}

	g, err := New("par2", steps, 3)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if res := g.Execute(context.Background(), &node.ExecutionContext{}); !res.Succeeded() {
		t.Fatalf("graph failed: %s", res.ErrMsg())
	}

	mu.Lock()
	defer mu.Unlock()
	if peak < 2 {
		t.Fatalf("expected concurrent steps under max_parallel=3, observed peak %d", peak)
	}
}

func TestGraphStepEvents(t *testing.T) {
	first := fnStep(t, "first", upper)

	g, err := New("ev", []Step{first}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	var mu sync.Mutex
	var types []string
	res := g.Execute(context.Background(), &node.ExecutionContext{
		Input: "x",
		OnEvent: func(e *protocol.Event) {
			mu.Lock()
			types = append(types, e.Type)
			mu.Unlock()
		},
	})
	if !res.Succeeded() {
		t.Fatalf("graph failed: %s", res.ErrMsg())
	}

	want := map[string]bool{
		protocol.EventGraphStarted:   false,
		protocol.EventStepStart:      false,
		protocol.EventStepComplete:   false,
		protocol.EventGraphCompleted: false,
	}
	mu.Lock()
	for _, ty := range types {
		if _, ok := want[ty]; ok {
			want[ty] = true
		}
	}
	mu.Unlock()
	for ty, seen := range want {
		if !seen {
			t.Fatalf("missing event %s in %v", ty, types)
		}
	}
}

func TestGraphInterrupt(t *testing.T) {
	blocker := fnStep(t, "blocker", func(ctx context.Context, input any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	after := fnStep(t, "after", upper, "blocker")

	g, err := New("int", []Step{blocker, after}, 1)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	exec := g.NewExecution(&node.ExecutionContext{})
	done := make(chan node.Result, 1)
	go func() { done <- exec.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	exec.Interrupt()

	select {
	case res := <-done:
		if res.Succeeded() {
			t.Fatal("expected interrupted graph to fail")
		}
		steps := res["step_results"].(map[string]any)
		if steps["after"].(map[string]any)["status"] != StatusCancelled {
			t.Fatalf("expected pending step cancelled, got %v", steps["after"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("graph did not stop after interrupt")
	}
}

func TestGraphAsNodeNesting(t *testing.T) {
	inner, err := New("inner", []Step{fnStep(t, "in", upper)}, 1)
	if err != nil {
		t.Fatalf("inner validation failed: %v", err)
	}
	innerNode := inner.AsNode("inner-node")
	if err := innerNode.Start(context.Background()); err != nil {
		t.Fatalf("start inner failed: %v", err)
	}

	outer, err := New("outer", []Step{{ID: "nested", Node: innerNode}}, 1)
	if err != nil {
		t.Fatalf("outer validation failed: %v", err)
	}

	res := outer.Execute(context.Background(), &node.ExecutionContext{Input: "deep"})
	if !res.Succeeded() {
		t.Fatalf("nested graph failed: %s", res.ErrMsg())
	}
	nested := res["step_results"].(map[string]any)["nested"].(map[string]any)
	innerSteps := nested["result"].(node.Result)["step_results"].(map[string]any)
	out := innerSteps["in"].(map[string]any)["result"].(node.Result)["output"]
	if out != "deep!" {
		t.Fatalf("expected nested output, got %v", out)
	}
}

func TestFromSpec(t *testing.T) {
	spec := protocol.GraphSpec{
		GraphID: "wire",
		Steps: []protocol.StepSpec{
			{ID: "a", NodeID: "n1", Input: json.RawMessage(`"hello"`)},
			{ID: "b", NodeID: "n2", DependsOn: []string{"a"}, ErrorPolicy: "retry:2", Parser: "claude", Timeout: 1.5},
		},
		MaxParallel: 2,
	}

	g, err := FromSpec(spec, parser.NewRegistry())
	if err != nil {
		t.Fatalf("from spec failed: %v", err)
	}
	if g.MaxParallel != 2 || len(g.Steps) != 2 {
		t.Fatalf("unexpected graph shape %+v", g)
	}
	if g.Steps[0].Input != "hello" {
		t.Fatalf("expected decoded input, got %v", g.Steps[0].Input)
	}
	if g.Steps[1].Policy.Kind != PolicyRetry || g.Steps[1].Policy.Retries != 2 {
		t.Fatalf("unexpected policy %+v", g.Steps[1].Policy)
	}
	if g.Steps[1].Parser == nil || g.Steps[1].Parser.Name() != "claude" {
		t.Fatal("expected claude parser resolved")
	}
	if g.Steps[1].Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout %v", g.Steps[1].Timeout)
	}

	spec.Steps[1].ErrorPolicy = "bogus"
	if _, err := FromSpec(spec, parser.NewRegistry()); err == nil {
		t.Fatal("expected policy rejection")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		kind string
		n    int
		err  bool
	}{
		{"", PolicyFailFast, 0, false},
		{"fail_fast", PolicyFailFast, 0, false},
		{"continue", PolicyContinue, 0, false},
		{"skip_downstream", PolicySkipDownstream, 0, false},
		{"retry:3", PolicyRetry, 3, false},
		{"retry:0", "", 0, true},
		{"retry:x", "", 0, true},
		{"bogus", "", 0, true},
	} {
		p, err := ParsePolicy(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if p.Kind != tc.kind || p.Retries != tc.n {
			t.Fatalf("%q: got %+v", tc.in, p)
		}
	}
}
