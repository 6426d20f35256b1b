package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/proxy"
	"github.com/ensemble-ai/ensemble/internal/session"
	"github.com/ensemble-ai/ensemble/internal/terminal"
	"github.com/ensemble-ai/ensemble/internal/tracing"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"

// metadataSetter is implemented by every node variant that carries a
// metadata map.
type metadataSetter interface {
	SetMetadata(key string, value any)
}

// historySetter is implemented by nodes whose history writer is attached
// after construction, notably forks.
type historySetter interface {
	SetHistory(w *history.Writer)
}

// CreateNode handles create_node: build the requested variant, register
// it, and start it.
func (h *Handlers) CreateNode(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CreateNodeParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.NodeID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "node_id is required"), nil
	}
	if p.Backend == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "backend is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}

	var hist *history.Writer
	if p.History == nil || *p.History {
		hist = sess.HistoryWriter(p.NodeID)
	}

	n, err := h.buildNode(ctx, sess, &p, hist)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	if ms, ok := n.(metadataSetter); ok {
		for k, v := range p.Metadata {
			ms.SetMetadata(k, v)
		}
	}

	if err := sess.AddNode(n); err != nil {
		if h.proxies != nil {
			h.proxies.Release(p.NodeID)
		}
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeCreated, map[string]any{
		"backend": p.Backend,
	}).ForNode(p.NodeID))

	if err := n.Start(ctx); err != nil {
		h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeError, map[string]any{
			"error": err.Error(),
		}).ForNode(p.NodeID))
		_, _ = sess.RemoveNode(p.NodeID)
		_ = n.Stop(context.WithoutCancel(ctx))
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess,
			fmt.Sprintf("failed to start node: %v", err)), nil
	}
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeReady, nil).ForNode(p.NodeID))

	h.log.Info("Node created",
		zap.String("session", sess.Name()),
		zap.String("node_id", p.NodeID),
		zap.String("backend", p.Backend))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"node": n.Info(),
	}), nil
}

// buildNode constructs the unstarted node for a create_node request. A
// proxy started here is released by the caller on registration failure and
// by the session's release hook afterwards.
func (h *Handlers) buildNode(ctx context.Context, sess *session.Session, p *protocol.CreateNodeParams, hist *history.Writer) (node.Node, error) {
	switch node.Kind(p.Backend) {
	case node.KindBash:
		return node.NewBashNode(p.NodeID, node.BashOptions{Cwd: p.Cwd}, hist, h.log), nil

	case node.KindIdentity:
		return node.NewIdentityNode(p.NodeID, hist, h.log), nil

	case node.KindPTY:
		if p.Command == "" {
			return nil, fmt.Errorf("pty backend requires a command")
		}
		return node.NewPTYNode(p.NodeID, h.terminalOptions(p), hist, h.log), nil

	case node.KindExternalTerminal:
		if p.Command == "" && p.PaneID == "" {
			return nil, fmt.Errorf("terminal backend requires a command or a pane_id")
		}
		return node.NewExternalTerminalNode(p.NodeID, h.terminalOptions(p), hist, h.log), nil

	case node.KindClaudeTerminal:
		opts := node.ClaudeOptions{
			Command:         p.Command,
			TerminalOptions: h.terminalOptions(p),
		}
		if p.Provider != nil {
			inst, err := h.startProxy(ctx, p.NodeID, p.Provider)
			if err != nil {
				return nil, err
			}
			opts.ProxyURL = inst.URL
		}
		return node.NewClaudeTerminalNode(p.NodeID, opts, hist, h.log), nil

	case node.KindStatelessLLM, node.KindStatefulLLM:
		if p.Provider == nil {
			return nil, fmt.Errorf("%s backend requires a provider", p.Backend)
		}
		model := p.Model
		if model == "" {
			model = p.Provider.Model
		}
		if model == "" {
			return nil, fmt.Errorf("%s backend requires a model", p.Backend)
		}

		baseURL := p.Provider.BaseURL
		if p.Provider.APIFormat == "openai" {
			// OpenAI upstreams go through a per-node transform proxy so
			// the node keeps speaking the Messages API.
			inst, err := h.startProxy(ctx, p.NodeID, p.Provider)
			if err != nil {
				return nil, err
			}
			baseURL = inst.URL
		}

		opts := node.LLMOptions{
			Model:  model,
			System: p.SystemPrompt,
		}
		if h.cfg != nil {
			opts.MaxRetries = h.cfg.LLM.MaxRetries
			opts.RetryBaseDelay = h.cfg.LLM.RetryBaseDelayDuration()
			opts.MaxToolRounds = h.cfg.LLM.MaxToolRounds
		}
		client := node.NewMessagesAPI(p.Provider.APIKey, baseURL)
		if node.Kind(p.Backend) == node.KindStatelessLLM {
			return node.NewStatelessLLMNode(p.NodeID, client, opts, hist, h.log), nil
		}
		if opts.MaxToolRounds <= 0 {
			return nil, fmt.Errorf("llm_stateful backend requires a positive maxToolRounds limit")
		}
		opts.Router = sess.ToolRouter()
		return node.NewStatefulLLMNode(p.NodeID, client, opts, hist, h.log), nil

	case node.KindMCP:
		if p.Command == "" {
			return nil, fmt.Errorf("mcp backend requires a command")
		}
		return node.NewMCPNode(p.NodeID, node.MCPOptions{
			Command: p.Command,
			Args:    p.MCPArgs,
			Env:     p.MCPEnv,
		}, hist, h.log), nil

	case node.KindFunction, node.KindGraph:
		return nil, fmt.Errorf("%s nodes are created in code, not over the wire", p.Backend)

	default:
		return nil, fmt.Errorf("unknown backend %q", p.Backend)
	}
}

func (h *Handlers) terminalOptions(p *protocol.CreateNodeParams) node.TerminalOptions {
	cfg := terminal.Config{
		Command: p.Command,
		Cwd:     p.Cwd,
		PaneID:  p.PaneID,
	}
	if h.cfg != nil {
		cfg.Cols = h.cfg.Terminal.Cols
		cfg.Rows = h.cfg.Terminal.Rows
		cfg.BufferLines = h.cfg.Terminal.BufferLines
		cfg.ReadyTimeout = h.cfg.Terminal.ReadyTimeoutDuration()
		cfg.PollInterval = h.cfg.Terminal.PollIntervalDuration()
	}
	return node.TerminalOptions{Backend: cfg}
}

func (h *Handlers) startProxy(ctx context.Context, nodeID string, pc *protocol.ProviderConfig) (*proxy.Instance, error) {
	if h.proxies == nil {
		return nil, fmt.Errorf("proxy manager is not available")
	}
	baseURL := pc.BaseURL
	if baseURL == "" && pc.APIFormat != "openai" {
		baseURL = defaultAnthropicBaseURL
	}
	return h.proxies.StartForNode(ctx, nodeID, proxy.Provider{
		APIFormat: pc.APIFormat,
		BaseURL:   baseURL,
		APIKey:    pc.APIKey,
		Model:     pc.Model,
		DebugDir:  pc.DebugDir,
	})
}

// DeleteNode handles delete_node: unregister, stop, release.
func (h *Handlers) DeleteNode(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.DeleteNodeParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, err := sess.RemoveNode(p.NodeID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	if err := n.Stop(ctx); err != nil {
		h.log.Warn("Node stopped with error",
			zap.String("node_id", p.NodeID),
			zap.Error(err))
	}
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeDeleted, nil).ForNode(p.NodeID))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"node_id": p.NodeID,
		"deleted": true,
	}), nil
}

// ListNodes handles list_nodes.
func (h *Handlers) ListNodes(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ListNodesParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"nodes": sess.Nodes(),
	}), nil
}

// GetNode handles get_node.
func (h *Handlers) GetNode(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.GetNodeParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"node": n.Info(),
	}), nil
}

// ExecuteInput handles execute_input: run the node once and answer with
// its result.
func (h *Handlers) ExecuteInput(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ExecuteInputParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}

	ec := &node.ExecutionContext{
		Input:   p.Text,
		Session: sess,
		Timeout: time.Duration(p.Timeout * float64(time.Second)),
		OnEvent: func(ev *protocol.Event) { h.emit(ctx, sess, ev) },
	}
	if p.Parser != "" {
		parser := h.parsers.Resolve(p.Parser, nil)
		if parser == nil {
			return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
				fmt.Sprintf("unknown parser %q", p.Parser)), nil
		}
		ec.Parser = parser
	}
	if p.Stream {
		ec.OnChunk = func(chunk string) {
			h.emit(ctx, sess, protocol.NewEvent(protocol.EventOutputChunk, map[string]any{
				"chunk": chunk,
			}).ForNode(p.NodeID))
		}
	}

	execCtx, span := tracing.TraceNodeExecute(ctx, p.NodeID, string(n.Kind()))
	res := n.Execute(execCtx, ec)
	if res.Succeeded() {
		tracing.RecordResult(span, "ok", nil)
	} else {
		tracing.RecordResult(span, string(res.ErrType()), errors.New(res.ErrMsg()))
	}
	span.End()

	if sections, ok := res["sections"]; ok {
		h.emit(ctx, sess, protocol.NewEvent(protocol.EventOutputParsed, map[string]any{
			"sections": sections,
			"parser":   res["parser"],
		}).ForNode(p.NodeID))
	}
	if res.Succeeded() && n.State() == node.StateReady {
		h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeReady, nil).ForNode(p.NodeID))
	}
	return resultResponse(cmd.RequestID, res), nil
}

// RunCommand handles run_command: fire-and-forget execution. The response
// acknowledges dispatch; the outcome arrives as events.
func (h *Handlers) RunCommand(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.RunCommandParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Command == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "command is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		h.emit(runCtx, sess, protocol.NewEvent(protocol.EventNodeStarted, map[string]any{
			"command": p.Command,
		}).ForNode(p.NodeID))
		res := n.Execute(runCtx, &node.ExecutionContext{
			Input:   p.Command,
			Session: sess,
			OnChunk: func(chunk string) {
				h.emit(runCtx, sess, protocol.NewEvent(protocol.EventOutputChunk, map[string]any{
					"chunk": chunk,
				}).ForNode(p.NodeID))
			},
			OnEvent: func(ev *protocol.Event) { h.emit(runCtx, sess, ev) },
		})
		h.emit(runCtx, sess, protocol.NewEvent(protocol.EventNodeCompleted, map[string]any{
			"success": res.Succeeded(),
			"result":  map[string]any(res),
		}).ForNode(p.NodeID))
		if res.Succeeded() && n.State() == node.StateReady {
			h.emit(runCtx, sess, protocol.NewEvent(protocol.EventNodeReady, nil).ForNode(p.NodeID))
		}
	}()

	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"dispatched": true,
		"node_id":    p.NodeID,
	}), nil
}

// SendInterrupt handles send_interrupt.
func (h *Handlers) SendInterrupt(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.SendInterruptParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}
	if err := n.Interrupt(); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"interrupted": true,
	}), nil
}

// WriteStdin handles write_stdin: raw terminal bytes with no ready
// polling.
func (h *Handlers) WriteStdin(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.WriteStdinParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}
	term, ok := n.(node.Terminal)
	if !ok {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			fmt.Sprintf("node %q (%s) has no terminal", p.NodeID, n.Kind())), nil
	}
	if err := term.WriteRaw([]byte(p.Data)); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"written": len(p.Data),
	}), nil
}

// ReadBuffer handles read_buffer: full buffer, or the tail when lines is
// set.
func (h *Handlers) ReadBuffer(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ReadBufferParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
	if errResp != nil {
		return errResp, nil
	}
	term, ok := n.(node.Terminal)
	if !ok {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			fmt.Sprintf("node %q (%s) has no terminal", p.NodeID, n.Kind())), nil
	}
	var buf string
	var err error
	if p.Lines > 0 {
		buf, err = term.ReadTail(p.Lines)
	} else {
		buf, err = term.ReadBuffer()
	}
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"buffer": buf,
	}), nil
}

// ReadHistory handles read_history. History outlives the node, so only the
// session is resolved.
func (h *Handlers) ReadHistory(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ReadHistoryParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.NodeID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "node_id is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	records, err := sess.ReadHistory(p.NodeID, p.Limit)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInternal, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"records": records,
	}), nil
}

// ForkNode handles fork_node: derive a new node from a forkable source.
func (h *Handlers) ForkNode(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ForkNodeParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.TargetID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "target_id is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	src, errResp := h.resolveNode(cmd.RequestID, sess, p.SourceID)
	if errResp != nil {
		return errResp, nil
	}
	forker, ok := src.(node.Forker)
	if !ok {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			fmt.Sprintf("node %q (%s) does not support forking", p.SourceID, src.Kind())), nil
	}

	fork, err := forker.Fork(ctx, p.TargetID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	if hs, ok := fork.(historySetter); ok {
		hs.SetHistory(sess.HistoryWriter(p.TargetID))
	}
	if err := sess.AddNode(fork); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeCreated, map[string]any{
		"forked_from": p.SourceID,
	}).ForNode(p.TargetID))

	if err := fork.Start(ctx); err != nil {
		h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeError, map[string]any{
			"error": err.Error(),
		}).ForNode(p.TargetID))
		_, _ = sess.RemoveNode(p.TargetID)
		_ = fork.Stop(context.WithoutCancel(ctx))
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess,
			fmt.Sprintf("failed to start fork: %v", err)), nil
	}
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventNodeReady, nil).ForNode(p.TargetID))

	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"node":        fork.Info(),
		"forked_from": p.SourceID,
	}), nil
}

// ListTools handles list_tools: all session tools, or one node's tools.
func (h *Handlers) ListTools(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ListToolsParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}

	if p.NodeID != "" {
		n, errResp := h.resolveNode(cmd.RequestID, sess, p.NodeID)
		if errResp != nil {
			return errResp, nil
		}
		tp, ok := n.(node.ToolProvider)
		if !ok {
			return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
				fmt.Sprintf("node %q (%s) provides no tools", p.NodeID, n.Kind())), nil
		}
		defs := tp.Tools()
		for i := range defs {
			defs[i].NodeID = p.NodeID
		}
		return protocol.DataResponse(cmd.RequestID, map[string]any{
			"tools": defs,
		}), nil
	}

	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"tools": sess.ToolRouter().Tools(),
	}), nil
}

// CallTool handles call_tool with names of the form <node-id>.<tool-name>.
func (h *Handlers) CallTool(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CallToolParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Tool == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "tool is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	out, err := sess.ToolRouter().CallTool(ctx, p.Tool, p.Args)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrProcess, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"tool":   p.Tool,
		"output": out,
	}), nil
}

// ExecutePython handles execute_python in the session's interpreter.
func (h *Handlers) ExecutePython(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ExecutePythonParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Code == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "code is required"), nil
	}
	if h.python == nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			"python execution is not available"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}

	execCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout*float64(time.Second)))
		defer cancel()
	}
	out, stderr, err := h.python.Execute(execCtx, sess.Name(), p.Code)
	if err != nil {
		errType := protocol.ErrProcess
		if errors.Is(err, context.DeadlineExceeded) {
			errType = protocol.ErrTimeout
		}
		return &protocol.Response{
			Success:   false,
			Error:     err.Error(),
			ErrorType: errType,
			Data:      map[string]any{"output": out, "stderr": stderr},
			RequestID: cmd.RequestID,
		}, nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"output": out,
		"stderr": stderr,
	}), nil
}
