package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// ExecutionContext carries per-call options into Execute. The zero value is
// valid: nil hooks are skipped, a nil parser falls back to the node default,
// and a zero timeout falls back to the node's configured default.
type ExecutionContext struct {
	// Input is the execution payload. Most variants expect a string; the
	// identity and function variants accept any value.
	Input any

	// Parser overrides the node's default response parser for this call.
	Parser parser.Parser

	// Timeout bounds the execution. Zero means the node default.
	Timeout time.Duration

	// OnChunk receives incremental output as it is produced. Nodes without
	// incremental output deliver their final output as a single chunk.
	OnChunk func(chunk string)

	// OnEvent receives progress events from composite executions, such as
	// graph step transitions.
	OnEvent func(event *protocol.Event)

	// Session resolves sibling nodes by id. Set by the session when it
	// dispatches an execution; graphs use it for id-referenced steps.
	Session Resolver
}

// InputString renders the input as a string. Non-string scalars are
// formatted; maps and slices are JSON-encoded.
func (ec *ExecutionContext) InputString() string {
	if ec == nil || ec.Input == nil {
		return ""
	}
	switch v := ec.Input.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Chunk invokes the OnChunk hook if set and the chunk is non-empty.
func (ec *ExecutionContext) Chunk(chunk string) {
	if ec != nil && ec.OnChunk != nil && chunk != "" {
		ec.OnChunk(chunk)
	}
}

// Event invokes the OnEvent hook if set.
func (ec *ExecutionContext) Event(event *protocol.Event) {
	if ec != nil && ec.OnEvent != nil && event != nil {
		ec.OnEvent(event)
	}
}

// EffectiveTimeout resolves the call timeout against a node default.
func (ec *ExecutionContext) EffectiveTimeout(def time.Duration) time.Duration {
	if ec != nil && ec.Timeout > 0 {
		return ec.Timeout
	}
	return def
}
