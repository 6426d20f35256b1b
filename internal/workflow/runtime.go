package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/tracing"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Runtime registers workflows and tracks their runs.
type Runtime struct {
	log *logger.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*Run
}

// NewRuntime builds an empty workflow runtime.
func NewRuntime(log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		log:       log,
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
	}
}

// Register adds a workflow under its name. Re-registering a name replaces
// the previous definition; in-flight runs keep the function they started
// with.
func (rt *Runtime) Register(w *Workflow) error {
	if w == nil || w.Name == "" {
		return fmt.Errorf("workflow requires a name")
	}
	if w.Fn == nil {
		return fmt.Errorf("workflow %q requires a function", w.Name)
	}
	rt.mu.Lock()
	rt.workflows[w.Name] = w
	rt.mu.Unlock()
	return nil
}

// Workflows lists registered workflow names, sorted.
func (rt *Runtime) Workflows() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.workflows))
	for name := range rt.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition is the listable surface of a registered workflow.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Definitions lists registered workflows sorted by name.
func (rt *Runtime) Definitions() []Definition {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	defs := make([]Definition, 0, len(rt.workflows))
	for _, w := range rt.workflows {
		defs = append(defs, Definition{Name: w.Name, Description: w.Description})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// StartOptions carries the per-run wiring.
type StartOptions struct {
	// Resolver resolves node references for Context.Run. Usually the
	// owning session.
	Resolver node.Resolver
	// OnEvent receives run lifecycle and gate events.
	OnEvent func(*protocol.Event)
}

// Start launches a run of the named workflow in the background and returns
// it immediately in the pending state.
func (rt *Runtime) Start(ctx context.Context, name string, input any, opts StartOptions) (*Run, error) {
	rt.mu.RLock()
	w, ok := rt.workflows[name]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		id:       uuid.NewString(),
		workflow: name,
		state:    StatePending,
		input:    input,
		gates:    make(map[string]*gate),
		store:    make(map[string]any),
		cancelFn: cancel,
		created:  time.Now().UTC(),
	}

	rt.mu.Lock()
	rt.runs[run.id] = run
	rt.mu.Unlock()

	wc := &Context{
		run:      run,
		resolver: opts.Resolver,
		emit:     opts.OnEvent,
	}

	go rt.execute(runCtx, w, run, wc)
	return run, nil
}

// execute drives one run to a terminal state.
func (rt *Runtime) execute(ctx context.Context, w *Workflow, run *Run, wc *Context) {
	ctx, span := tracing.TraceWorkflowRun(ctx, run.id, run.workflow)
	defer span.End()

	run.mu.Lock()
	run.state = StateRunning
	run.mu.Unlock()
	wc.Emit(protocol.EventRunStarted, map[string]any{"workflow": run.workflow})
	rt.log.Info("Workflow run started",
		zap.String("workflow", run.workflow),
		zap.String("run_id", run.id))

	output, err := rt.invoke(ctx, w, run, wc)

	run.mu.Lock()
	run.finished = time.Now().UTC()
	switch {
	case ctx.Err() != nil:
		run.state = StateCancelled
		run.errMsg = "run cancelled"
		run.errType = string(protocol.ErrInterrupted)
	case err != nil:
		run.state = StateFailed
		run.errMsg = err.Error()
		run.errType = string(protocol.ErrInternal)
	default:
		run.state = StateCompleted
		run.output = output
	}
	state := run.state
	errMsg := run.errMsg
	run.mu.Unlock()

	var runErr error
	if state == StateFailed {
		runErr = errors.New(errMsg)
	}
	tracing.RecordResult(span, string(state), runErr)

	switch state {
	case StateCancelled:
		wc.Emit(protocol.EventRunCancelled, nil)
	case StateFailed:
		wc.Emit(protocol.EventRunFailed, map[string]any{"error": errMsg})
		rt.log.Warn("Workflow run failed",
			zap.String("workflow", run.workflow),
			zap.String("run_id", run.id),
			zap.String("error", errMsg))
	default:
		wc.Emit(protocol.EventRunCompleted, map[string]any{"output": output})
	}
}

// invoke calls the workflow function with panic containment.
func (rt *Runtime) invoke(ctx context.Context, w *Workflow, run *Run, wc *Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("Workflow panicked",
				zap.String("workflow", run.workflow),
				zap.String("run_id", run.id),
				zap.Any("panic", r))
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return w.Fn(ctx, wc)
}

// Get returns a run by id.
func (rt *Runtime) Get(runID string) (*Run, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	run, ok := rt.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run %q", runID)
	}
	return run, nil
}

// List snapshots all runs, newest first.
func (rt *Runtime) List() []Snapshot {
	rt.mu.RLock()
	runs := make([]*Run, 0, len(rt.runs))
	for _, run := range rt.runs {
		runs = append(runs, run)
	}
	rt.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		snaps = append(snaps, run.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Created.After(snaps[j].Created)
	})
	return snaps
}

// AnswerGate delivers an answer to a pending gate. The run must be
// waiting, the gate must exist, and with a choices list the answer must be
// one of them; a rejected answer leaves the gate and the run untouched.
func (rt *Runtime) AnswerGate(runID, gateID, answer string) error {
	run, err := rt.Get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.state != StateWaiting {
		state := run.state
		run.mu.Unlock()
		return fmt.Errorf("run %q is %s, not waiting on a gate", runID, state)
	}
	g, ok := run.gates[gateID]
	if !ok {
		run.mu.Unlock()
		return fmt.Errorf("run %q has no pending gate %q", runID, gateID)
	}
	if len(g.choices) > 0 && !containsString(g.choices, answer) {
		run.mu.Unlock()
		return fmt.Errorf("answer %q is not one of the gate's choices", answer)
	}
	run.mu.Unlock()

	g.deliver(answer)
	return nil
}

// Cancel moves a run toward cancellation: the run context is cancelled,
// which also resolves any pending gate. Terminal runs are left untouched.
func (rt *Runtime) Cancel(runID string) error {
	run, err := rt.Get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	terminal := run.state.Terminal()
	cancel := run.cancelFn
	run.mu.Unlock()
	if terminal {
		return fmt.Errorf("run %q is already finished", runID)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
