// Package node defines the executable unit of the orchestration server and
// its concrete variants: shell runners, terminal attachments, LLM endpoints,
// pure functions, and tool-server connections.
//
// Every node implements one operation contract. Expected failures never
// surface as errors from Execute; they come back as a Result with success
// false and an error_type from the taxonomy in pkg/protocol.
package node

import (
	"context"
)

// Kind tags a node variant.
type Kind string

const (
	KindBash             Kind = "bash"
	KindIdentity         Kind = "identity"
	KindFunction         Kind = "function"
	KindPTY              Kind = "pty"
	KindExternalTerminal Kind = "terminal"
	KindClaudeTerminal   Kind = "claude"
	KindStatelessLLM     Kind = "llm"
	KindStatefulLLM      Kind = "llm_stateful"
	KindMCP              Kind = "mcp"
	KindGraph            Kind = "graph"
)

// State is the node lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Info is a point-in-time snapshot of a node.
type Info struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"type"`
	State      State          `json:"state"`
	Persistent bool           `json:"persistent"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Node is the common operation contract.
type Node interface {
	ID() string
	Kind() Kind
	State() State
	Persistent() bool

	// Start initializes the node. Ephemeral nodes treat Start as a no-op
	// transition to ready; persistent nodes spawn their process, open their
	// pane, or connect to their server.
	Start(ctx context.Context) error

	// Stop releases resources. It is the only way out of the error state and
	// must be safe to call in any state.
	Stop(ctx context.Context) error

	// Interrupt signals cancellation of in-flight work. Safe in any state.
	Interrupt() error

	// Execute runs the node once. Expected failures are encoded in the
	// Result; Execute itself never panics for them.
	Execute(ctx context.Context, ec *ExecutionContext) Result

	// Info returns a snapshot of id, kind, state, and metadata.
	Info() Info
}

// Terminal is the capability interface for nodes backed by a terminal:
// raw writes and non-destructive buffer reads, bypassing the parse loop.
type Terminal interface {
	Node
	WriteRaw(data []byte) error
	ReadBuffer() (string, error)
	ReadTail(lines int) (string, error)
}

// Forker is implemented by nodes that support forking into a new node.
type Forker interface {
	Node
	// Fork creates a new, unstarted node derived from this one. The caller
	// is responsible for id-uniqueness validation and for starting the fork.
	Fork(ctx context.Context, newID string) (Node, error)
}

// ToolDefinition describes one LLM-exposed capability of a node.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	NodeID      string         `json:"node_id"`
}

// ToolProvider is the uniform tool interface. Single-tool nodes return a
// singleton definition list; tool servers return whatever they advertise.
type ToolProvider interface {
	Node
	Tools() []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolRouter resolves and invokes tools by name across a session. The
// stateful LLM node drives its tool loop through this interface.
type ToolRouter interface {
	Tools() []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Resolver looks nodes up by id. Implemented by the session; graphs resolve
// id-referenced steps through it at execution time.
type Resolver interface {
	ResolveNode(id string) (Node, error)
}
