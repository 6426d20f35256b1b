package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// messagesRequest is the Anthropic Messages API request as received from the
// client behind the proxy.
type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int64           `json:"max_tokens"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []wireMessage   `json:"messages"`
	Tools       []wireTool      `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// wireBlock is one content block. Only the fields for the block's type are
// set: text for text blocks, id/name/input for tool_use, tool_use_id/
// content/is_error for tool_result.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// messagesResponse is the Anthropic Messages API response written back to
// the client.
type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []wireBlock    `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      map[string]any `json:"usage"`
}

// blocks decodes a message content field, which is either a bare string or
// an array of content blocks.
func (m wireMessage) blocks() ([]wireBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []wireBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or a block array: %w", err)
	}
	return blocks, nil
}

// systemText decodes the system field, which is either a string or an array
// of text blocks.
func (r *messagesRequest) systemText() (string, error) {
	if len(r.System) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(r.System, &text); err == nil {
		return text, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return "", fmt.Errorf("system must be a string or a block array: %w", err)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out, nil
}

// flatText renders a tool_result content field as plain text for APIs that
// take tool output as a string.
func flatText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// mapFinishReason maps an OpenAI finish_reason to the Anthropic stop_reason
// vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// apiError is the Anthropic-style error envelope the proxy writes for its
// own failures and for translated upstream failures.
type apiError struct {
	Type  string       `json:"type"`
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, errType protocol.ErrorType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Type: "error",
		Error: apiErrorBody{
			Type:    string(errType),
			Message: msg,
		},
	})
}

// statusForErrorType picks the HTTP status the proxy reports for a
// classified upstream failure.
func statusForErrorType(errType protocol.ErrorType) int {
	switch errType {
	case protocol.ErrAuthentication:
		return http.StatusUnauthorized
	case protocol.ErrPermission:
		return http.StatusForbidden
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrInvalidRequest:
		return http.StatusBadRequest
	case protocol.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
