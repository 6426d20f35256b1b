package protocol

import "encoding/json"

// ProviderConfig selects and configures the upstream LLM provider for a node.
// APIFormat chooses the proxy implementation: "anthropic" is a pass-through,
// "openai" translates requests and responses. Model is required for transform
// formats; for pass-through it overrides the client model when set.
type ProviderConfig struct {
	APIFormat string `json:"api_format"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Model     string `json:"model,omitempty"`
	DebugDir  string `json:"debug_dir,omitempty"`
}

// StepSpec describes one graph step on the wire. Exactly one of NodeID must
// resolve against the session at execution time; input templating beyond a
// static Input value is only available to graphs built in code.
type StepSpec struct {
	ID          string          `json:"id"`
	NodeID      string          `json:"node_id"`
	Input       json.RawMessage `json:"input,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	ErrorPolicy string          `json:"error_policy,omitempty"`
	Parser      string          `json:"parser,omitempty"`
	Timeout     float64         `json:"timeout,omitempty"`
}

// GraphSpec describes a graph on the wire.
type GraphSpec struct {
	GraphID     string     `json:"graph_id,omitempty"`
	Steps       []StepSpec `json:"steps"`
	MaxParallel int        `json:"max_parallel,omitempty"`
}

// Session command params.

type CreateSessionParams struct {
	Name string `json:"name"`
}

type DeleteSessionParams struct {
	Name string `json:"name"`
}

type GetSessionParams struct {
	Name string `json:"name,omitempty"`
}

type SetDefaultSessionParams struct {
	Name string `json:"name"`
}

// Node command params.

type CreateNodeParams struct {
	SessionID    string            `json:"session_id,omitempty"`
	NodeID       string            `json:"node_id"`
	Backend      string            `json:"backend"`
	Command      string            `json:"command,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	History      *bool             `json:"history,omitempty"`
	Provider     *ProviderConfig   `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	PaneID       string            `json:"pane_id,omitempty"`
	MCPArgs      []string          `json:"mcp_args,omitempty"`
	MCPEnv       map[string]string `json:"mcp_env,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

type DeleteNodeParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
}

type ListNodesParams struct {
	SessionID string `json:"session_id,omitempty"`
}

type GetNodeParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
}

type ExecuteInputParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Text      string `json:"text"`
	Parser    string `json:"parser,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
	Timeout   float64 `json:"timeout,omitempty"`
}

type RunCommandParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Command   string `json:"command"`
}

type SendInterruptParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
}

type WriteStdinParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Data      string `json:"data"`
}

type ReadBufferParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Lines     int    `json:"lines,omitempty"`
}

type ReadHistoryParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Limit     int    `json:"limit,omitempty"`
}

type ForkNodeParams struct {
	SessionID string `json:"session_id,omitempty"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
}

type ListToolsParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

type CallToolParams struct {
	SessionID string         `json:"session_id,omitempty"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
}

// Python execution params.

type ExecutePythonParams struct {
	SessionID string  `json:"session_id,omitempty"`
	Code      string  `json:"code"`
	Timeout   float64 `json:"timeout,omitempty"`
}

// Graph command params.

type CreateGraphParams struct {
	SessionID string    `json:"session_id,omitempty"`
	Graph     GraphSpec `json:"graph"`
}

type DeleteGraphParams struct {
	SessionID string `json:"session_id,omitempty"`
	GraphID   string `json:"graph_id"`
}

type ExecuteGraphParams struct {
	SessionID string    `json:"session_id,omitempty"`
	Graph     GraphSpec `json:"graph"`
	Stream    bool      `json:"stream,omitempty"`
}

type RunGraphParams struct {
	SessionID string          `json:"session_id,omitempty"`
	GraphID   string          `json:"graph_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type CancelGraphParams struct {
	SessionID string `json:"session_id,omitempty"`
	GraphID   string `json:"graph_id"`
}

type ListGraphsParams struct {
	SessionID string `json:"session_id,omitempty"`
}

type GetGraphParams struct {
	SessionID string `json:"session_id,omitempty"`
	GraphID   string `json:"graph_id"`
}

type DescribeGraphParams struct {
	SessionID string `json:"session_id,omitempty"`
	GraphID   string `json:"graph_id"`
}

type ValidateGraphParams struct {
	SessionID string     `json:"session_id,omitempty"`
	GraphID   string     `json:"graph_id,omitempty"`
	Graph     *GraphSpec `json:"graph,omitempty"`
}

// Workflow command params.

type ExecuteWorkflowParams struct {
	SessionID  string          `json:"session_id,omitempty"`
	WorkflowID string          `json:"workflow_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	Wait       bool            `json:"wait,omitempty"`
}

type ListWorkflowsParams struct {
	SessionID string `json:"session_id,omitempty"`
}

type GetWorkflowRunParams struct {
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id"`
}

type ListRunsParams struct {
	SessionID string `json:"session_id,omitempty"`
}

type AnswerGateParams struct {
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id"`
	Answer    string `json:"answer"`
}

type CancelRunParams struct {
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id"`
}

// Subscription params.

type SubscribeParams struct {
	SessionID string   `json:"session_id,omitempty"`
	NodeID    string   `json:"node_id,omitempty"`
	Events    []string `json:"events,omitempty"`
}

type UnsubscribeParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}
