package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// StatefulLLMNode keeps a conversation transcript across executions and
// drives a bounded tool loop through its ToolRouter. Forking copies the
// transcript; the copies diverge independently afterwards.
type StatefulLLMNode struct {
	llmCore

	transcriptMu sync.Mutex
	transcript   []sdk.MessageParam
}

// NewStatefulLLMNode builds an unstarted stateful LLM node.
func NewStatefulLLMNode(id string, client MessagesAPI, opts LLMOptions, hist *history.Writer, log *logger.Logger) *StatefulLLMNode {
	n := &StatefulLLMNode{}
	n.initCore(id, KindStatefulLLM, true, client, opts, hist, log)
	return n
}

// MessageCount returns the committed transcript length.
func (n *StatefulLLMNode) MessageCount() int {
	n.transcriptMu.Lock()
	defer n.transcriptMu.Unlock()
	return len(n.transcript)
}

func (n *StatefulLLMNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
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

	// Work on a copy; the transcript is only committed on success, so a
	// failed execution leaves the conversation where it was.
	n.transcriptMu.Lock()
	working := make([]sdk.MessageParam, len(n.transcript), len(n.transcript)+2)
	copy(working, n.transcript)
	n.transcriptMu.Unlock()

	working = append(working, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))

	tools := n.encodeTools()

	var (
		lastMsg      *sdk.Message
		totalRetries int
		totalInput   int64
		totalOutput  int64
		allToolCalls []map[string]any
		rounds       int
	)

	for {
		params := n.baseParams(working)
		if len(tools) > 0 {
			params.Tools = tools
		}

		msg, retries, errType, err := n.callWithRetry(runCtx, params)
		totalRetries += retries
		if err != nil {
			n.hist.Error(string(errType), err.Error())
			return FailErr(errType, err).With("retries", totalRetries)
		}
		lastMsg = msg
		totalInput += msg.Usage.InputTokens
		totalOutput += msg.Usage.OutputTokens

		assistant, toolUses := splitResponseBlocks(msg)
		working = append(working, sdk.NewAssistantMessage(assistant...))
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				ec.Chunk(block.Text)
			}
		}

		if len(toolUses) == 0 || msg.StopReason != "tool_use" {
			break
		}

		rounds++
		if rounds > n.opts.MaxToolRounds {
			n.hist.Error(string(protocol.ErrAPI), "tool loop exceeded round limit")
			return Fail(protocol.ErrAPI,
				fmt.Sprintf("tool loop exceeded %d rounds", n.opts.MaxToolRounds)).
				With("retries", totalRetries).
				With("tool_calls", allToolCalls)
		}

		results := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			var args map[string]any
			_ = json.Unmarshal(tu.Input, &args)
			allToolCalls = append(allToolCalls, map[string]any{
				"id":    tu.ID,
				"name":  tu.Name,
				"input": args,
			})

			out, callErr := n.callTool(runCtx, tu.Name, args)
			if callErr != nil {
				// Tool failures go back to the model as error results; the
				// loop continues and the model decides how to proceed.
				results = append(results, sdk.NewToolResultBlock(tu.ID, callErr.Error(), true))
				continue
			}
			results = append(results, sdk.NewToolResultBlock(tu.ID, out, false))
		}
		working = append(working, sdk.NewUserMessage(results...))
	}

	n.transcriptMu.Lock()
	n.transcript = working
	messageCount := len(working)
	n.transcriptMu.Unlock()
	n.SetMetadata("messages_count", messageCount)

	payload := messagePayload(lastMsg, totalRetries)
	payload["tool_calls"] = allToolCalls
	payload["tool_rounds"] = rounds
	payload["messages_count"] = messageCount
	payload["usage"] = map[string]any{
		"input_tokens":  int(totalInput),
		"output_tokens": int(totalOutput),
	}
	n.hist.Output(payload)
	return OK(payload)
}

// Fork derives a new, unstarted node with a deep copy of the transcript.
// Client, model, and tool routing are shared; conversations diverge from
// the fork point.
func (n *StatefulLLMNode) Fork(ctx context.Context, newID string) (Node, error) {
	n.transcriptMu.Lock()
	transcript := make([]sdk.MessageParam, len(n.transcript))
	copy(transcript, n.transcript)
	n.transcriptMu.Unlock()

	fork := NewStatefulLLMNode(newID, n.client, n.opts, nil, n.log)
	fork.transcript = transcript
	fork.SetMetadata("forked_from", n.id)
	fork.SetMetadata("fork_messages", len(transcript))
	fork.SetMetadata("messages_count", len(transcript))
	return fork, nil
}

func (n *StatefulLLMNode) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if n.opts.Router == nil {
		return "", fmt.Errorf("no tool router configured")
	}
	return n.opts.Router.CallTool(ctx, name, args)
}

// encodeTools renders the router's definitions for the API request.
func (n *StatefulLLMNode) encodeTools() []sdk.ToolUnionParam {
	if n.opts.Router == nil {
		return nil
	}
	defs := n.opts.Router.Tools()
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// splitResponseBlocks re-encodes a response's content blocks as request
// params for the transcript, and collects the tool_use blocks.
func splitResponseBlocks(msg *sdk.Message) ([]sdk.ContentBlockParamUnion, []sdk.ContentBlockUnion) {
	params := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	var toolUses []sdk.ContentBlockUnion
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				params = append(params, sdk.NewTextBlock(block.Text))
			}
		case "tool_use":
			params = append(params, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
			toolUses = append(toolUses, block)
		}
	}
	if len(params) == 0 {
		// The API requires non-empty assistant content when replayed.
		params = append(params, sdk.NewTextBlock(""))
	}
	return params, toolUses
}
