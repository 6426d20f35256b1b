package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

const defaultMCPCallTimeout = 60 * time.Second

// MCPOptions configures a tool-server node.
type MCPOptions struct {
	// Command launches the MCP server over stdio.
	Command string
	Args    []string
	Env     map[string]string

	// CallTimeout bounds a single tool call. Defaults to 60s.
	CallTimeout time.Duration
}

// MCPNode connects to an MCP server over stdio and exposes its tools. An
// execution is one tool call; the node also serves as a ToolProvider for
// LLM-driven tool use.
type MCPNode struct {
	base
	opts MCPOptions

	clientMu sync.Mutex
	client   *client.Client
	tools    []ToolDefinition
}

// NewMCPNode builds an unstarted MCP node.
func NewMCPNode(id string, opts MCPOptions, hist *history.Writer, log *logger.Logger) *MCPNode {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultMCPCallTimeout
	}
	n := &MCPNode{opts: opts}
	n.init(id, KindMCP, true, hist, log)
	return n
}

// Start launches the server process, runs the initialize handshake, and
// caches the advertised tool list.
func (n *MCPNode) Start(ctx context.Context) error {
	if err := n.transition(StateStarting, StateCreated); err != nil {
		return err
	}
	if n.opts.Command == "" {
		n.setState(StateError)
		return fmt.Errorf("mcp node requires a server command")
	}

	env := make([]string, 0, len(n.opts.Env))
	for k, v := range n.opts.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(n.opts.Command, env, n.opts.Args...)
	if err != nil {
		n.setState(StateError)
		return fmt.Errorf("failed to launch mcp server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ensemble",
		Version: "1.0.0",
	}
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		n.setState(StateError)
		return fmt.Errorf("mcp initialize failed: %w", err)
	}
	n.SetMetadata("server_name", initRes.ServerInfo.Name)
	n.SetMetadata("server_version", initRes.ServerInfo.Version)

	toolsRes, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		n.setState(StateError)
		return fmt.Errorf("mcp tools/list failed: %w", err)
	}

	defs := make([]ToolDefinition, 0, len(toolsRes.Tools))
	for _, t := range toolsRes.Tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
			NodeID:      n.id,
		})
	}

	n.clientMu.Lock()
	n.client = c
	n.tools = defs
	n.clientMu.Unlock()

	n.SetMetadata("tool_count", len(defs))
	n.setState(StateReady)
	return nil
}

func (n *MCPNode) Stop(ctx context.Context) error {
	n.setState(StateStopping)
	n.clientMu.Lock()
	c := n.client
	n.client = nil
	n.clientMu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}
	n.setState(StateStopped)
	n.closeHistory()
	return err
}

// Interrupt is a no-op: tool calls are bounded by their own timeout and
// the stdio transport has no cancellation channel.
func (n *MCPNode) Interrupt() error { return nil }

// Execute runs one tool call. The input is {"tool": name, "arguments": {}}
// as a map or JSON string.
func (n *MCPNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	defer n.endExecute(false)

	name, args, err := parseToolInput(ec)
	if err != nil {
		return FailErr(protocol.ErrInvalidRequest, err)
	}
	n.hist.Input(name)

	runCtx, cancel := context.WithTimeout(ctx, ec.EffectiveTimeout(n.opts.CallTimeout))
	defer cancel()

	out, err := n.CallTool(runCtx, name, args)
	if err != nil {
		et := protocol.ErrProcess
		if runCtx.Err() == context.DeadlineExceeded {
			et = protocol.ErrTimeout
		}
		n.hist.Error(string(et), err.Error())
		return FailErr(et, err).With("tool", name)
	}

	ec.Chunk(out)
	payload := toolCallPayload(name, args, out)
	n.hist.Output(payload)
	return OK(payload)
}

// toolCallPayload shapes a successful tool call result: the stringified
// response plus the call attributes.
func toolCallPayload(name string, args map[string]any, out string) map[string]any {
	return map[string]any{
		"output": out,
		"attributes": map[string]any{
			"tool": name,
			"args": args,
		},
	}
}

// Tools returns the server's advertised tool list.
func (n *MCPNode) Tools() []ToolDefinition {
	n.clientMu.Lock()
	defer n.clientMu.Unlock()
	out := make([]ToolDefinition, len(n.tools))
	copy(out, n.tools)
	return out
}

// CallTool invokes one tool on the server and flattens its text content.
func (n *MCPNode) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	n.clientMu.Lock()
	c := n.client
	n.clientMu.Unlock()
	if c == nil {
		return "", fmt.Errorf("mcp node %s is not connected", n.id)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %q failed: %w", name, err)
	}

	var parts []string
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("tool %q: %s", name, text)
	}
	return text, nil
}

// parseToolInput extracts the tool name and arguments from the execution
// input, accepting both a structured map and a JSON string.
func parseToolInput(ec *ExecutionContext) (string, map[string]any, error) {
	var m map[string]any
	switch v := ec.Input.(type) {
	case map[string]any:
		m = v
	case string:
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return "", nil, fmt.Errorf("mcp input must be a JSON object with a tool field: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("mcp input must be an object, got %T", ec.Input)
	}

	name, _ := m["tool"].(string)
	if name == "" {
		name, _ = m["name"].(string)
	}
	if name == "" {
		return "", nil, fmt.Errorf("mcp input is missing the tool name")
	}
	args, _ := m["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return name, args, nil
}

// schemaToMap round-trips a tool input schema through JSON into a plain map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
