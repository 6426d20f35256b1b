package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// transformHandler serves the Anthropic Messages API on top of an OpenAI
// Chat Completions upstream. Requests are translated forward, responses and
// streams are translated back.
type transformHandler struct {
	client openai.Client
	model  string
	log    *logger.Logger
}

func newTransformHandler(p Provider, log *logger.Logger) (*transformHandler, error) {
	if p.Model == "" {
		return nil, fmt.Errorf("openai provider requires an explicit model")
	}
	opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	return &transformHandler{
		client: openai.NewClient(opts...),
		model:  p.Model,
		log:    log,
	}, nil
}

func (h *transformHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/messages") {
		writeAPIError(w, http.StatusNotFound, protocol.ErrInvalidRequest,
			fmt.Sprintf("unsupported endpoint %s %s", r.Method, r.URL.Path))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "failed to read request body")
		return
	}
	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, protocol.ErrInvalidRequest,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}

	params, err := translateParams(&req, h.model)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
		return
	}

	if req.Stream {
		h.streamMessages(w, r, params)
		return
	}

	completion, err := h.client.Chat.Completions.New(r.Context(), params)
	if err != nil {
		errType, msg := classifyUpstreamError(err)
		h.log.Warn("Upstream completion failed",
			zap.String("error_type", string(errType)),
			zap.Error(err))
		writeAPIError(w, statusForErrorType(errType), errType, msg)
		return
	}

	resp := translateCompletion(completion, h.model)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// translateParams converts an Anthropic Messages request into Chat
// Completions parameters.
func translateParams(req *messagesRequest, model string) (openai.ChatCompletionNewParams, error) {
	var params openai.ChatCompletionNewParams
	if len(req.Messages) == 0 {
		return params, fmt.Errorf("messages are required")
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	system, err := req.systemText()
	if err != nil {
		return params, err
	}
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}

	for i, m := range req.Messages {
		blocks, err := m.blocks()
		if err != nil {
			return params, fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Role {
		case "user":
			var text strings.Builder
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_result":
					// Tool results ride as user-role blocks in the
					// Anthropic format but are standalone tool messages
					// for OpenAI.
					msgs = append(msgs, openai.ToolMessage(flatText(b.Content), b.ToolUseID))
				default:
					return params, fmt.Errorf("message %d: unsupported user block type %q", i, b.Type)
				}
			}
			if text.Len() > 0 {
				msgs = append(msgs, openai.UserMessage(text.String()))
			}
		case "assistant":
			var text strings.Builder
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_use":
					args := string(b.Input)
					if args == "" {
						args = "{}"
					}
					calls = append(calls, openai.ChatCompletionMessageToolCallParam{
						ID: b.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      b.Name,
							Arguments: args,
						},
					})
				default:
					return params, fmt.Errorf("message %d: unsupported assistant block type %q", i, b.Type)
				}
			}
			if len(calls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(text.String()))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text.Len() > 0 {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text.String()),
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return params, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}

	params = openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return params, nil
}

// translateCompletion converts a Chat Completions response into the
// Anthropic Messages response shape.
func translateCompletion(completion *openai.ChatCompletion, model string) messagesResponse {
	resp := messagesResponse{
		ID:    completion.ID,
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: map[string]any{
			"input_tokens":  completion.Usage.PromptTokens,
			"output_tokens": completion.Usage.CompletionTokens,
		},
	}
	if len(completion.Choices) == 0 {
		resp.StopReason = "end_turn"
		resp.Content = []wireBlock{{Type: "text", Text: ""}}
		return resp
	}

	choice := completion.Choices[0]
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, wireBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			wrapped, _ := json.Marshal(map[string]string{"raw": tc.Function.Arguments})
			input = wrapped
		}
		resp.Content = append(resp.Content, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if len(resp.Content) == 0 {
		resp.Content = []wireBlock{{Type: "text", Text: ""}}
	}
	resp.StopReason = mapFinishReason(string(choice.FinishReason))
	return resp
}

// classifyUpstreamError maps an OpenAI client error to the error taxonomy.
func classifyUpstreamError(err error) (protocol.ErrorType, string) {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return protocol.ErrorTypeFromStatus(apierr.StatusCode), err.Error()
	}
	return protocol.ErrNetwork, err.Error()
}

// sseWriter emits Anthropic-style server-sent events.
type sseWriter struct {
	w io.Writer
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if s.f != nil {
		s.f.Flush()
	}
}

// streamMessages bridges an OpenAI chunk stream into Anthropic Messages
// streaming events.
func (h *transformHandler) streamMessages(w http.ResponseWriter, r *http.Request, params openai.ChatCompletionNewParams) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := h.client.Chat.Completions.NewStreaming(r.Context(), params)
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	sse := newSSEWriter(w)

	sse.send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":          "",
			"type":        "message",
			"role":        "assistant",
			"model":       h.model,
			"content":     []any{},
			"stop_reason": nil,
			"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})

	// Content blocks are emitted sequentially: one delta stream per block,
	// closed before the next block opens. OpenAI interleaves by tool call
	// index, so indexes are remapped.
	nextIndex := 0
	openIndex := -1
	textIndex := -1
	toolIndexes := make(map[int64]int)
	finish := ""
	var outputTokens int64

	closeOpen := func() {
		if openIndex >= 0 {
			sse.send("content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": openIndex,
			})
			openIndex = -1
		}
	}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.CompletionTokens > 0 {
			outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if textIndex < 0 || openIndex != textIndex {
				closeOpen()
				textIndex = nextIndex
				nextIndex++
				openIndex = textIndex
				sse.send("content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         textIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				})
			}
			sse.send("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": textIndex,
				"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
			})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx, known := toolIndexes[tc.Index]
			if !known {
				closeOpen()
				idx = nextIndex
				nextIndex++
				toolIndexes[tc.Index] = idx
				openIndex = idx
				sse.send("content_block_start", map[string]any{
					"type":  "content_block_start",
					"index": idx,
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Function.Name,
						"input": map[string]any{},
					},
				})
			}
			if tc.Function.Arguments != "" {
				sse.send("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": idx,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
				})
			}
		}
	}

	if err := stream.Err(); err != nil {
		errType, msg := classifyUpstreamError(err)
		h.log.Warn("Upstream stream failed",
			zap.String("error_type", string(errType)),
			zap.Error(err))
		sse.send("error", apiError{
			Type:  "error",
			Error: apiErrorBody{Type: string(errType), Message: msg},
		})
		return
	}

	closeOpen()
	sse.send("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   mapFinishReason(finish),
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
	sse.send("message_stop", map[string]any{"type": "message_stop"})
}
