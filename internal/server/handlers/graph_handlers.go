package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/graph"
	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/session"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// CreateGraph handles create_graph: validate the definition and register it for
// later runs.
func (h *Handlers) CreateGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CreateGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Graph.GraphID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "graph_id is required"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	g, err := graph.FromSpec(p.Graph, h.parsers)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	if err := sess.AddGraph(g); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	h.log.Info("Graph created",
		zap.String("session", sess.Name()),
		zap.String("graph_id", g.ID),
		zap.Int("steps", len(g.Steps)))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"graph_id": g.ID,
		"steps":    len(g.Steps),
		"order":    g.TopologicalOrder(),
	}), nil
}

// DeleteGraph handles delete_graph. An active execution is interrupted.
func (h *Handlers) DeleteGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.DeleteGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	if err := sess.RemoveGraph(p.GraphID); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"graph_id": p.GraphID,
		"deleted":  true,
	}), nil
}

// ExecuteGraph handles execute_graph: build an ad-hoc graph from the
// inline spec and run it to completion.
func (h *Handlers) ExecuteGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ExecuteGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	g, err := graph.FromSpec(p.Graph, h.parsers)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	res := g.Execute(ctx, h.graphContext(ctx, sess, nil, p.Stream))
	return resultResponse(cmd.RequestID, res), nil
}

// RunGraph handles run_graph: execute a stored graph. The execution is
// tracked on the session so cancel_graph can reach it; one execution per
// graph at a time.
func (h *Handlers) RunGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.RunGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	g, err := sess.Graph(p.GraphID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}

	var input any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
				fmt.Sprintf("invalid input: %v", err)), nil
		}
	}

	exec := g.NewExecution(h.graphContext(ctx, sess, input, p.Stream))
	if err := sess.TrackExecution(p.GraphID, exec); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	defer sess.EndExecution(p.GraphID)

	res := exec.Run(ctx)
	return resultResponse(cmd.RequestID, res), nil
}

// graphContext builds the execution context a graph runs under: node
// references resolve against the session, events flow to its sink, and
// step_chunk events are dropped unless streaming was requested.
func (h *Handlers) graphContext(ctx context.Context, sess *session.Session, input any, stream bool) *node.ExecutionContext {
	return &node.ExecutionContext{
		Input:   input,
		Session: sess,
		OnEvent: func(ev *protocol.Event) {
			if !stream && ev.Type == protocol.EventStepChunk {
				return
			}
			h.emit(ctx, sess, ev)
		},
	}
}

// CancelGraph handles cancel_graph.
func (h *Handlers) CancelGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CancelGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	exec, ok := sess.Execution(p.GraphID)
	if !ok {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("graph %q is not executing", p.GraphID)), nil
	}
	exec.Interrupt()
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"graph_id":  p.GraphID,
		"cancelled": true,
	}), nil
}

// ListGraphs handles list_graphs.
func (h *Handlers) ListGraphs(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ListGraphsParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	ids := sess.Graphs()
	graphs := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		g, err := sess.Graph(id)
		if err != nil {
			continue
		}
		_, executing := sess.Execution(id)
		graphs = append(graphs, map[string]any{
			"graph_id":  id,
			"steps":     len(g.Steps),
			"executing": executing,
		})
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"graphs": graphs,
	}), nil
}

// GetGraph handles get_graph.
func (h *Handlers) GetGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.GetGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	g, err := sess.Graph(p.GraphID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	_, executing := sess.Execution(p.GraphID)
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"graph_id":     g.ID,
		"steps":        len(g.Steps),
		"max_parallel": g.MaxParallel,
		"executing":    executing,
	}), nil
}

// DescribeGraph handles describe_graph: the full step layout plus a valid
// execution order.
func (h *Handlers) DescribeGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.DescribeGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	g, err := sess.Graph(p.GraphID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, describeGraph(g)), nil
}

func describeGraph(g *graph.Graph) map[string]any {
	steps := make([]map[string]any, 0, len(g.Steps))
	for i := range g.Steps {
		s := &g.Steps[i]
		entry := map[string]any{
			"id":           s.ID,
			"error_policy": s.Policy.Kind,
		}
		if s.NodeID != "" {
			entry["node_id"] = s.NodeID
		}
		if len(s.DependsOn) > 0 {
			entry["depends_on"] = s.DependsOn
		}
		if s.Policy.Retries > 0 {
			entry["retries"] = s.Policy.Retries
		}
		if s.Parser != nil {
			entry["parser"] = s.Parser.Name()
		}
		if s.Timeout > 0 {
			entry["timeout"] = s.Timeout.Seconds()
		}
		steps = append(steps, entry)
	}
	return map[string]any{
		"graph_id":     g.ID,
		"max_parallel": g.MaxParallel,
		"steps":        steps,
		"order":        g.TopologicalOrder(),
	}
}

// ValidateGraph handles validate_graph: an inline spec is validated
// without registering it; a graph_id confirms a stored graph.
func (h *Handlers) ValidateGraph(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ValidateGraphParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}

	if p.Graph != nil {
		g, err := graph.FromSpec(*p.Graph, h.parsers)
		if err != nil {
			return protocol.DataResponse(cmd.RequestID, map[string]any{
				"valid": false,
				"error": err.Error(),
			}), nil
		}
		return protocol.DataResponse(cmd.RequestID, map[string]any{
			"valid": true,
			"order": g.TopologicalOrder(),
		}), nil
	}

	if p.GraphID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			"either graph or graph_id is required"), nil
	}
	g, err := sess.Graph(p.GraphID)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"valid": true,
		"order": g.TopologicalOrder(),
	}), nil
}
