package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// fakeMessages scripts Messages API turns: each call pops the next reply or
// error.
type fakeMessages struct {
	mu    sync.Mutex
	turns []fakeTurn
	calls []sdk.MessageNewParams
}

type fakeTurn struct {
	msg *sdk.Message
	err error
}

func textMessage(text, stopReason string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Model:      "test-model",
		StopReason: sdk.StopReason(stopReason),
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 20},
	}
}

func toolUseMessage(id, name string, input map[string]any) *sdk.Message {
	raw, _ := json.Marshal(input)
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: id, Name: name, Input: raw},
		},
		Model:      "test-model",
		StopReason: "tool_use",
		Usage:      sdk.Usage{InputTokens: 5, OutputTokens: 5},
	}
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, body)
	if len(f.turns) == 0 {
		return nil, errors.New("no scripted turns left")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.msg, nil
}

func startedStateless(t *testing.T, api MessagesAPI, opts LLMOptions) *StatelessLLMNode {
	t.Helper()
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	opts.RetryBaseDelay = time.Millisecond
	n := NewStatelessLLMNode("llm-1", api, opts, nil, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return n
}

func TestStatelessLLMExecute(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{{msg: textMessage("hi there", "end_turn")}}}
	n := startedStateless(t, api, LLMOptions{System: "be brief"})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "hello"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if res.Str("content") != "hi there" {
		t.Fatalf("unexpected content %q", res.Str("content"))
	}
	if res.Str("finish_reason") != "end_turn" {
		t.Fatalf("unexpected finish reason %q", res.Str("finish_reason"))
	}
	usage, ok := res["usage"].(map[string]any)
	if !ok || usage["input_tokens"] != 10 || usage["output_tokens"] != 20 {
		t.Fatalf("unexpected usage %v", res["usage"])
	}

	if len(api.calls) != 1 {
		t.Fatalf("expected one API call, got %d", len(api.calls))
	}
	call := api.calls[0]
	if len(call.System) != 1 || call.System[0].Text != "be brief" {
		t.Fatalf("expected system prompt forwarded, got %v", call.System)
	}
	if len(call.Messages) != 1 {
		t.Fatalf("stateless node must send exactly the prompt, got %d messages", len(call.Messages))
	}
}

func TestStatelessLLMNoStateBetweenCalls(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: textMessage("one", "end_turn")},
		{msg: textMessage("two", "end_turn")},
	}}
	n := startedStateless(t, api, LLMOptions{})

	n.Execute(context.Background(), &ExecutionContext{Input: "first"})
	n.Execute(context.Background(), &ExecutionContext{Input: "second"})

	if len(api.calls[1].Messages) != 1 {
		t.Fatalf("second call must not carry history, got %d messages", len(api.calls[1].Messages))
	}
}

func TestStatelessLLMRetriesTransientFailures(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{msg: textMessage("finally", "end_turn")},
	}}
	n := startedStateless(t, api, LLMOptions{MaxRetries: 3})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "go"})
	if !res.Succeeded() {
		t.Fatalf("expected success after retries: %s", res.ErrMsg())
	}
	if res.Int("retries") != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", res.Int("retries"))
	}
}

func TestStatelessLLMExhaustsRetries(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{err: errors.New("down")},
	}}
	n := startedStateless(t, api, LLMOptions{MaxRetries: 2})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "go"})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrType() != protocol.ErrNetwork {
		t.Fatalf("expected network_error, got %s", res.ErrType())
	}
	if len(api.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(api.calls))
	}
}

func TestStatelessLLMEmptyPrompt(t *testing.T) {
	n := startedStateless(t, &fakeMessages{}, LLMOptions{})
	res := n.Execute(context.Background(), &ExecutionContext{})
	if res.Succeeded() || res.ErrType() != protocol.ErrInvalidRequest {
		t.Fatalf("expected invalid_request_error, got %v", res)
	}
	// The rejection happens before any API call.
	if len(n.client.(*fakeMessages).calls) != 0 {
		t.Fatal("expected no API calls for an empty prompt")
	}
}

func startedStateful(t *testing.T, api MessagesAPI, opts LLMOptions) *StatefulLLMNode {
	t.Helper()
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	opts.RetryBaseDelay = time.Millisecond
	n := NewStatefulLLMNode("llm-s", api, opts, nil, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return n
}

func TestStatefulLLMAccumulatesTranscript(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: textMessage("first reply", "end_turn")},
		{msg: textMessage("second reply", "end_turn")},
	}}
	n := startedStateful(t, api, LLMOptions{})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "one"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if n.MessageCount() != 2 {
		t.Fatalf("expected 2 transcript messages, got %d", n.MessageCount())
	}

	res = n.Execute(context.Background(), &ExecutionContext{Input: "two"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if n.MessageCount() != 4 {
		t.Fatalf("expected 4 transcript messages, got %d", n.MessageCount())
	}
	if res.Int("messages_count") != 4 {
		t.Fatalf("expected messages_count=4 in result, got %d", res.Int("messages_count"))
	}
	if got := n.Info().Metadata["messages_count"]; got != 4 {
		t.Fatalf("expected messages_count in metadata, got %v", got)
	}
	// The second API call carries the whole conversation.
	if got := len(api.calls[1].Messages); got != 3 {
		t.Fatalf("expected 3 messages in second call, got %d", got)
	}
}

func TestStatefulLLMFailedCallLeavesTranscript(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: textMessage("kept", "end_turn")},
		{err: errors.New("upstream unavailable")},
	}}
	n := startedStateful(t, api, LLMOptions{})

	n.Execute(context.Background(), &ExecutionContext{Input: "one"})
	res := n.Execute(context.Background(), &ExecutionContext{Input: "two"})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if n.MessageCount() != 2 {
		t.Fatalf("failed execution must not grow the transcript, got %d", n.MessageCount())
	}
}

type scriptedRouter struct {
	defs  []ToolDefinition
	calls []string
	out   string
	err   error
}

func (r *scriptedRouter) Tools() []ToolDefinition { return r.defs }

func (r *scriptedRouter) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	r.calls = append(r.calls, name)
	return r.out, r.err
}

func TestStatefulLLMToolLoop(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: toolUseMessage("tu-1", "lookup", map[string]any{"q": "weather"})},
		{msg: textMessage("it is sunny", "end_turn")},
	}}
	router := &scriptedRouter{
		defs: []ToolDefinition{{Name: "lookup", Description: "look things up"}},
		out:  "sunny, 22C",
	}
	n := startedStateful(t, api, LLMOptions{Router: router, MaxToolRounds: 5})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "weather?"})
	if !res.Succeeded() {
		t.Fatalf("execute failed: %s", res.ErrMsg())
	}
	if res.Str("content") != "it is sunny" {
		t.Fatalf("unexpected final content %q", res.Str("content"))
	}
	if res.Int("tool_rounds") != 1 {
		t.Fatalf("expected 1 tool round, got %d", res.Int("tool_rounds"))
	}
	if len(router.calls) != 1 || router.calls[0] != "lookup" {
		t.Fatalf("expected one lookup call, got %v", router.calls)
	}

	calls, ok := res["tool_calls"].([]map[string]any)
	if !ok || len(calls) != 1 || calls[0]["name"] != "lookup" {
		t.Fatalf("unexpected tool_calls %v", res["tool_calls"])
	}

	// First call advertises the tool; second call carries the result.
	if len(api.calls[0].Tools) != 1 {
		t.Fatalf("expected tools advertised, got %d", len(api.calls[0].Tools))
	}
	if got := len(api.calls[1].Messages); got != 3 {
		t.Fatalf("expected prompt+assistant+result, got %d messages", got)
	}
}

func TestStatefulLLMToolErrorContinuesLoop(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: toolUseMessage("tu-1", "lookup", nil)},
		{msg: textMessage("could not check", "end_turn")},
	}}
	router := &scriptedRouter{
		defs: []ToolDefinition{{Name: "lookup", Description: "look things up"}},
		err:  errors.New("backend down"),
	}
	n := startedStateful(t, api, LLMOptions{Router: router, MaxToolRounds: 5})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "weather?"})
	if !res.Succeeded() {
		t.Fatalf("tool errors must flow back to the model: %s", res.ErrMsg())
	}
	if res.Str("content") != "could not check" {
		t.Fatalf("unexpected content %q", res.Str("content"))
	}
}

func TestStatefulLLMToolRoundLimit(t *testing.T) {
	// The model keeps asking for tools forever.
	turns := make([]fakeTurn, 0, 6)
	for i := 0; i < 6; i++ {
		turns = append(turns, fakeTurn{msg: toolUseMessage("tu", "lookup", nil)})
	}
	api := &fakeMessages{turns: turns}
	router := &scriptedRouter{
		defs: []ToolDefinition{{Name: "lookup", Description: "look things up"}},
		out:  "ok",
	}
	n := startedStateful(t, api, LLMOptions{Router: router, MaxToolRounds: 2})

	res := n.Execute(context.Background(), &ExecutionContext{Input: "spin"})
	if res.Succeeded() {
		t.Fatal("expected round limit failure")
	}
	if res.ErrType() != protocol.ErrAPI {
		t.Fatalf("expected api_error, got %s", res.ErrType())
	}
}

func TestStatefulLLMForkIndependence(t *testing.T) {
	api := &fakeMessages{turns: []fakeTurn{
		{msg: textMessage("base", "end_turn")},
		{msg: textMessage("original diverges", "end_turn")},
	}}
	n := startedStateful(t, api, LLMOptions{})
	n.Execute(context.Background(), &ExecutionContext{Input: "shared history"})

	forked, err := n.Fork(context.Background(), "llm-fork")
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	fork := forked.(*StatefulLLMNode)
	if fork.ID() != "llm-fork" {
		t.Fatalf("unexpected fork id %s", fork.ID())
	}
	if fork.State() != StateCreated {
		t.Fatalf("fork must be unstarted, got %s", fork.State())
	}
	if fork.MessageCount() != 2 {
		t.Fatalf("fork must copy the transcript, got %d", fork.MessageCount())
	}
	if got := fork.Info().Metadata["forked_from"]; got != "llm-s" {
		t.Fatalf("expected forked_from metadata, got %v", got)
	}
	if got := fork.Info().Metadata["messages_count"]; got != 2 {
		t.Fatalf("expected messages_count at fork point, got %v", got)
	}

	// Executing the original must not leak into the fork.
	n.Execute(context.Background(), &ExecutionContext{Input: "more"})
	if n.MessageCount() != 4 {
		t.Fatalf("expected original transcript to grow, got %d", n.MessageCount())
	}
	if fork.MessageCount() != 2 {
		t.Fatalf("fork transcript must be independent, got %d", fork.MessageCount())
	}
}

func TestLLMStartRequiresModel(t *testing.T) {
	n := NewStatelessLLMNode("llm-x", &fakeMessages{}, LLMOptions{}, nil, nil)
	if err := n.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail without a model")
	}
	if n.State() != StateError {
		t.Fatalf("expected error state, got %s", n.State())
	}
}
