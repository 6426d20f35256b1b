package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// MessagesAPI captures the subset of the Anthropic SDK used by LLM nodes.
// It is satisfied by *sdk.MessageService; tests pass a fake.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// NewMessagesAPI builds a Messages client for the given credentials. An
// empty baseURL uses the provider default endpoint.
func NewMessagesAPI(apiKey, baseURL string) MessagesAPI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := sdk.NewClient(opts...)
	return &c.Messages
}

// LLMOptions configures an API-backed node.
type LLMOptions struct {
	// Model is the provider model identifier. Required.
	Model string
	// System is the system prompt, applied to every call.
	System string
	// MaxTokens caps the completion. Defaults to 4096.
	MaxTokens int
	// Temperature is passed through when positive.
	Temperature float64

	// MaxRetries bounds retries of transient upstream failures.
	MaxRetries int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration
	// MaxToolRounds bounds the tool loop of a stateful node. There is no
	// implied default; a stateful node with tools requires a positive value.
	MaxToolRounds int

	// Router resolves and executes tools for the stateful variant. Nil
	// disables tool use.
	Router ToolRouter
}

func (o *LLMOptions) withDefaults() LLMOptions {
	out := *o
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = 500 * time.Millisecond
	}
	return out
}

// llmCore is the API plumbing shared by the stateless and stateful
// variants: request assembly, retry with backoff, and error taxonomy.
type llmCore struct {
	base
	client MessagesAPI
	opts   LLMOptions

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (c *llmCore) initCore(id string, kind Kind, persistent bool, client MessagesAPI, opts LLMOptions, hist *history.Writer, log *logger.Logger) {
	c.base.init(id, kind, persistent, hist, log)
	c.client = client
	c.opts = opts.withDefaults()
}

func (c *llmCore) Start(ctx context.Context) error {
	if c.client == nil {
		c.setState(StateError)
		return errors.New("llm node has no API client")
	}
	if c.opts.Model == "" {
		c.setState(StateError)
		return errors.New("llm node requires a model identifier")
	}
	if c.State() == StateReady {
		return nil
	}
	return c.transition(StateReady, StateCreated, StateStopped)
}

func (c *llmCore) Stop(ctx context.Context) error {
	_ = c.Interrupt()
	c.setState(StateStopped)
	c.closeHistory()
	return nil
}

// Interrupt cancels the in-flight API call, if any.
func (c *llmCore) Interrupt() error {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

// interruptibleContext derives a context that Interrupt can cancel.
func (c *llmCore) interruptibleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	return runCtx, func() {
		c.cancelMu.Lock()
		if c.cancel != nil {
			c.cancel = nil
		}
		c.cancelMu.Unlock()
		cancel()
	}
}

func (c *llmCore) baseParams(messages []sdk.MessageParam) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.opts.MaxTokens),
		Messages:  messages,
		Model:     sdk.Model(c.opts.Model),
	}
	if c.opts.System != "" {
		params.System = []sdk.TextBlockParam{{Text: c.opts.System}}
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	return params
}

// callWithRetry issues the request, retrying transient failures with
// doubling backoff. Returns the message, the retry count, and on failure
// the taxonomy classification.
func (c *llmCore) callWithRetry(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, int, protocol.ErrorType, error) {
	delay := c.opts.RetryBaseDelay
	var lastErr error
	var lastType protocol.ErrorType

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, attempt - 1, classifyAPIError(ctx.Err()), ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		msg, err := c.client.New(ctx, params)
		if err == nil {
			return msg, attempt, "", nil
		}
		lastErr = err
		lastType = classifyAPIError(err)
		if !lastType.Transient() {
			return nil, attempt, lastType, err
		}
	}
	return nil, c.opts.MaxRetries, lastType, lastErr
}

// classifyAPIError maps an SDK or context error onto the error taxonomy.
func classifyAPIError(err error) protocol.ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrTimeout
	case errors.Is(err, context.Canceled):
		return protocol.ErrInterrupted
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return protocol.ErrorTypeFromStatus(apiErr.StatusCode)
	}
	return protocol.ErrNetwork
}

// messagePayload flattens an API response into result fields.
func messagePayload(msg *sdk.Message, retries int) map[string]any {
	var texts []string
	toolCalls := make([]map[string]any, 0)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(block.Input, &input)
			toolCalls = append(toolCalls, map[string]any{
				"id":    block.ID,
				"name":  block.Name,
				"input": input,
			})
		}
	}
	return map[string]any{
		"content":       strings.Join(texts, "\n"),
		"tool_calls":    toolCalls,
		"model":         string(msg.Model),
		"finish_reason": string(msg.StopReason),
		"retries":       retries,
		"usage": map[string]any{
			"input_tokens":  int(msg.Usage.InputTokens),
			"output_tokens": int(msg.Usage.OutputTokens),
		},
	}
}

// StatelessLLMNode issues one independent Messages call per execution. No
// conversation state is carried between calls.
type StatelessLLMNode struct {
	llmCore
}

// NewStatelessLLMNode builds an unstarted stateless LLM node.
func NewStatelessLLMNode(id string, client MessagesAPI, opts LLMOptions, hist *history.Writer, log *logger.Logger) *StatelessLLMNode {
	n := &StatelessLLMNode{}
	n.initCore(id, KindStatelessLLM, false, client, opts, hist, log)
	return n
}

func (n *StatelessLLMNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	defer n.endExecute(false)

	prompt := ec.InputString()
	if prompt == "" {
		return Fail(protocol.ErrInvalidRequest, "llm node requires a non-empty prompt")
	}
	n.hist.Input(prompt)

	runCtx, done := n.interruptibleContext(ctx)
	defer done()
	if d := ec.EffectiveTimeout(0); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d)
		defer cancel()
	}

	params := n.baseParams([]sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
	})

	msg, retries, errType, err := n.callWithRetry(runCtx, params)
	if err != nil {
		n.hist.Error(string(errType), err.Error())
		return FailErr(errType, err).With("retries", retries)
	}

	payload := messagePayload(msg, retries)
	ec.Chunk(payload["content"].(string))
	n.hist.Output(payload)
	return OK(payload)
}
