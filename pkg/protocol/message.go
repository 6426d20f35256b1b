// Package protocol defines the command, response, and event records exchanged
// between clients and the orchestration server, plus the dispatcher that maps
// command types to handlers.
package protocol

import (
	"encoding/json"
	"time"
)

// Command is a typed client request.
type Command struct {
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the server reply to a single command.
type Response struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType ErrorType      `json:"error_type,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Event is a one-way server push record.
type Event struct {
	Type      string         `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewCommand builds a command with marshaled params.
func NewCommand(cmdType, requestID string, params any) (*Command, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Command{
		Type:      cmdType,
		Params:    raw,
		RequestID: requestID,
	}, nil
}

// ParseParams parses the command params into the given struct.
func (c *Command) ParseParams(v any) error {
	if c.Params == nil {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// DataResponse builds a successful response carrying data.
func DataResponse(requestID string, data map[string]any) *Response {
	return &Response{
		Success:   true,
		Data:      data,
		RequestID: requestID,
	}
}

// ErrorResponse builds a failed response with an error from the taxonomy.
func ErrorResponse(requestID string, errType ErrorType, message string) *Response {
	return &Response{
		Success:   false,
		Error:     message,
		ErrorType: errType,
		RequestID: requestID,
	}
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ForNode returns a copy of the event tagged with a node id.
func (e *Event) ForNode(nodeID string) *Event {
	clone := *e
	clone.NodeID = nodeID
	return &clone
}

// ForRun returns a copy of the event tagged with a workflow run id.
func (e *Event) ForRun(runID string) *Event {
	clone := *e
	clone.RunID = runID
	return &clone
}
