package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/workflow"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// runPollInterval is how often a waiting execute_workflow re-reads the
// run snapshot.
const runPollInterval = 25 * time.Millisecond

// ExecuteWorkflow handles execute_workflow: start a registered workflow
// and either return the run id immediately or block until the run
// finishes.
func (h *Handlers) ExecuteWorkflow(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ExecuteWorkflowParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if p.WorkflowID == "" {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, "workflow_id is required"), nil
	}
	if h.runtime == nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			"workflow runtime is not available"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}

	var input any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
				fmt.Sprintf("invalid input: %v", err)), nil
		}
	} else if len(p.Params) > 0 {
		input = p.Params
	}

	run, err := h.runtime.Start(ctx, p.WorkflowID, input, workflow.StartOptions{
		Resolver: sess,
		OnEvent:  func(ev *protocol.Event) { h.emit(ctx, sess, ev) },
	})
	if err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	if err := sess.TrackRun(run.ID()); err != nil {
		h.log.Warn("Run id not tracked on session",
			zap.String("run_id", run.ID()),
			zap.Error(err))
	}
	h.log.Info("Workflow started",
		zap.String("session", sess.Name()),
		zap.String("workflow", p.WorkflowID),
		zap.String("run_id", run.ID()))

	if !p.Wait {
		return protocol.DataResponse(cmd.RequestID, map[string]any{
			"run_id":   run.ID(),
			"workflow": p.WorkflowID,
			"state":    run.State(),
		}), nil
	}

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		snap := run.Snapshot()
		if snap.State.Terminal() {
			return runResponse(cmd.RequestID, snap), nil
		}
		select {
		case <-ctx.Done():
			return protocol.ErrorResponse(cmd.RequestID, protocol.ErrTimeout,
				fmt.Sprintf("run %s still %s: %v", run.ID(), snap.State, ctx.Err())), nil
		case <-ticker.C:
		}
	}
}

// runResponse maps a terminal run snapshot onto the wire response.
func runResponse(requestID string, snap workflow.Snapshot) *protocol.Response {
	data := map[string]any{"run": snap}
	if snap.State == workflow.StateCompleted {
		return protocol.DataResponse(requestID, data)
	}
	errType := protocol.ErrorType(snap.ErrType)
	if errType == "" {
		errType = protocol.ErrInternal
	}
	return &protocol.Response{
		Success:   false,
		Error:     snap.Error,
		ErrorType: errType,
		Data:      data,
		RequestID: requestID,
	}
}

// ListWorkflows handles list_workflows.
func (h *Handlers) ListWorkflows(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if h.runtime == nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			"workflow runtime is not available"), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"workflows": h.runtime.Definitions(),
	}), nil
}

// resolveRun finds a run and checks that the session owns it.
func (h *Handlers) resolveRun(requestID, sessionID, runID string) (*workflow.Run, *protocol.Response) {
	if runID == "" {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest, "run_id is required")
	}
	if h.runtime == nil {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrNotImplemented,
			"workflow runtime is not available")
	}
	sess, errResp := h.resolveSession(requestID, sessionID)
	if errResp != nil {
		return nil, errResp
	}
	if !sess.OwnsRun(runID) {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("unknown run %q", runID))
	}
	run, err := h.runtime.Get(runID)
	if err != nil {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest, err.Error())
	}
	return run, nil
}

// GetWorkflowRun handles get_workflow_run.
func (h *Handlers) GetWorkflowRun(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.GetWorkflowRunParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	run, errResp := h.resolveRun(cmd.RequestID, p.SessionID, p.RunID)
	if errResp != nil {
		return errResp, nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"run": run.Snapshot(),
	}), nil
}

// ListRuns handles list_runs, scoped to the session's own runs.
func (h *Handlers) ListRuns(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.ListRunsParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if h.runtime == nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			"workflow runtime is not available"), nil
	}
	sess, errResp := h.resolveSession(cmd.RequestID, p.SessionID)
	if errResp != nil {
		return errResp, nil
	}
	runs := make([]workflow.Snapshot, 0)
	for _, snap := range h.runtime.List() {
		if sess.OwnsRun(snap.ID) {
			runs = append(runs, snap)
		}
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"runs": runs,
	}), nil
}

// AnswerGate handles answer_gate. The wire form carries no gate id, so the
// run must have exactly one gate pending.
func (h *Handlers) AnswerGate(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.AnswerGateParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	run, errResp := h.resolveRun(cmd.RequestID, p.SessionID, p.RunID)
	if errResp != nil {
		return errResp, nil
	}
	gates := run.Snapshot().Gates
	if len(gates) == 0 {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("run %q has no pending gate", p.RunID)), nil
	}
	if len(gates) > 1 {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("run %q has %d gates pending", p.RunID, len(gates))), nil
	}
	if err := h.runtime.AnswerGate(p.RunID, gates[0].ID, p.Answer); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"run_id":   p.RunID,
		"gate_id":  gates[0].ID,
		"answered": true,
	}), nil
}

// CancelRun handles cancel_run.
func (h *Handlers) CancelRun(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	var p protocol.CancelRunParams
	if err := cmd.ParseParams(&p); err != nil {
		return invalidParams(cmd.RequestID, err), nil
	}
	if _, errResp := h.resolveRun(cmd.RequestID, p.SessionID, p.RunID); errResp != nil {
		return errResp, nil
	}
	if err := h.runtime.Cancel(p.RunID); err != nil {
		return protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	return protocol.DataResponse(cmd.RequestID, map[string]any{
		"run_id":    p.RunID,
		"cancelled": true,
	}), nil
}
