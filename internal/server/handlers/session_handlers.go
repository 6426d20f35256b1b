package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// CreateSession handles create_session.
func (h *Handlers) CreateSession(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CreateSessionParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Name == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "name is required"), nil
	}

	sess := h.NewSession(p.Name)
	if err := h.registry.Add(sess); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}

	h.log.Info("Session created", zap.String("session", p.Name))
	h.emit(ctx, sess, protocol.NewEvent(protocol.EventSessionCreated, map[string]any{
		"session": p.Name,
	}))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"session": p.Name,
	}), nil
}

// DeleteSession handles delete_session. The default session is protected.
func (h *Handlers) DeleteSession(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.DeleteSessionParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.Name == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "name is required"), nil
	}

	sess, err := h.registry.Remove(p.Name)
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}

	h.emit(ctx, sess, protocol.NewEvent(protocol.EventSessionDeleted, map[string]any{
		"session": p.Name,
	}))
	if closeErr := sess.Close(ctx); closeErr != nil {
		h.log.Warn("Session closed with errors",
			zap.String("session", p.Name),
			zap.Error(closeErr))
	}
	if h.python != nil {
		h.python.CloseSession(p.Name)
	}

	h.log.Info("Session deleted", zap.String("session", p.Name))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"session": p.Name,
		"deleted": true,
	}), nil
}

// ListSessions handles list_sessions.
func (h *Handlers) ListSessions(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"sessions": h.registry.Names(),
		"default":  h.registry.Default(),
	}), nil
}

// GetSession handles get_session.
func (h *Handlers) GetSession(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.GetSessionParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.Name)
	if errResp != nil {
		return errResp, nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"session": sess.Name(),
		"default": sess.Name() == h.registry.Default(),
		"nodes":   sess.Nodes(),
		"graphs":  sess.Graphs(),
		"runs":    sess.Runs(),
	}), nil
}

// SetDefaultSession handles set_default_session.
func (h *Handlers) SetDefaultSession(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.SetDefaultSessionParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if err := h.registry.SetDefault(p.Name); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	h.log.Info("Default session changed", zap.String("session", p.Name))
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"default": p.Name,
	}), nil
}

// Ping handles ping with a liveness summary.
func (h *Handlers) Ping(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	nodes, graphs := 0, 0
	for _, sess := range h.registry.All() {
		nodes += sess.NodeCount()
		graphs += sess.GraphCount()
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"pong":     true,
		"nodes":    nodes,
		"graphs":   graphs,
		"sessions": len(h.registry.Names()),
	}), nil
}

// Stop handles stop by kicking off a graceful server shutdown.
func (h *Handlers) Stop(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	h.log.Info("Stop requested")
	if h.onStop != nil {
		go h.onStop()
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"stopped": true,
	}), nil
}
