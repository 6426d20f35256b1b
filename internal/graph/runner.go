package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/tracing"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// First backoff step between retry attempts; doubles per attempt.
const retryBaseDelay = 100 * time.Millisecond

// StepResult is the terminal record of one step.
type StepResult struct {
	Status     string      `json:"status"`
	Result     node.Result `json:"result,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// Execution is one run of a graph. It is single-use: build with
// NewExecution, call Run once, Interrupt from any goroutine.
type Execution struct {
	g  *Graph
	ec *node.ExecutionContext

	mu       sync.Mutex
	results  map[string]*StepResult
	order    []string
	running  map[string]node.Node
	cancel   context.CancelFunc
	failFast bool

	firstErrType protocol.ErrorType
	firstErrMsg  string
}

// NewExecution prepares a run of the graph with the given execution context.
// Step chunks and step transitions are emitted through the context's OnEvent
// hook; NodeID references resolve through its Session.
func (g *Graph) NewExecution(ec *node.ExecutionContext) *Execution {
	if ec == nil {
		ec = &node.ExecutionContext{}
	}
	return &Execution{
		g:       g,
		ec:      ec,
		results: make(map[string]*StepResult, len(g.Steps)),
		running: make(map[string]node.Node),
	}
}

// Execute validates nothing further and runs the graph to completion.
// Shorthand for NewExecution(ec).Run(ctx).
func (g *Graph) Execute(ctx context.Context, ec *node.ExecutionContext) node.Result {
	return g.NewExecution(ec).Run(ctx)
}

// Interrupt cancels scheduling and interrupts every step currently running.
func (e *Execution) Interrupt() {
	e.mu.Lock()
	cancel := e.cancel
	nodes := make([]node.Node, 0, len(e.running))
	for _, n := range e.running {
		nodes = append(nodes, n)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, n := range nodes {
		_ = n.Interrupt()
	}
}

// Run executes the graph: steps start as soon as their dependencies
// complete, bounded by MaxParallel, with per-step error policies deciding
// what a failure takes down with it.
func (e *Execution) Run(ctx context.Context) node.Result {
	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.emit(protocol.EventGraphStarted, "", map[string]any{
		"steps":        len(e.g.Steps),
		"max_parallel": e.g.MaxParallel,
	})

	sem := make(chan struct{}, e.g.MaxParallel)
	// Buffered so a finishing step never blocks after the scheduler exits.
	done := make(chan string, len(e.g.Steps))
	dispatched := make(map[string]bool, len(e.g.Steps))
	inFlight := 0

	for {
		// Resolve steps whose dependencies are all terminal: dispatch the
		// runnable ones, settle the unsatisfiable ones as skipped or
		// cancelled without dispatching.
		progress := true
		for progress {
			progress = false
			for i := range e.g.Steps {
				s := &e.g.Steps[i]
				if dispatched[s.ID] || e.terminal(s.ID) {
					continue
				}
				if e.aborted() {
					e.settle(s.ID, &StepResult{Status: StatusCancelled})
					e.emitStepComplete(s.ID, StatusCancelled, 0, 0)
					progress = true
					continue
				}
				ready, satisfied := e.depState(s)
				if !ready {
					continue
				}
				if !satisfied {
					e.settle(s.ID, &StepResult{Status: StatusSkipped})
					e.emitStepComplete(s.ID, StatusSkipped, 0, 0)
					progress = true
					continue
				}
				dispatched[s.ID] = true
				inFlight++
				go e.runStep(runCtx, s, sem, done)
				progress = true
			}
		}

		if e.terminalCount() == len(e.g.Steps) {
			break
		}
		if inFlight == 0 {
			// Nothing running and nothing runnable: only possible if the
			// run was aborted between scans.
			e.settleRemaining(StatusCancelled)
			break
		}

		<-done
		inFlight--
	}

	return e.finalResult(started)
}

// depState reports whether all of a step's dependencies are terminal, and
// if so whether they allow the step to run. A completed dependency always
// satisfies; a failed one only under the continue policy. Skipped and
// cancelled dependencies never satisfy.
func (e *Execution) depState(s *Step) (ready, satisfied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	satisfied = true
	for _, dep := range s.DependsOn {
		res, ok := e.results[dep]
		if !ok {
			return false, false
		}
		switch res.Status {
		case StatusCompleted:
		case StatusFailed:
			if e.g.byID[dep].Policy.Kind != PolicyContinue {
				satisfied = false
			}
		default:
			satisfied = false
		}
	}
	return true, satisfied
}

// runStep acquires a parallelism slot and drives one step through its
// retry budget.
func (e *Execution) runStep(ctx context.Context, s *Step, sem chan struct{}, done chan<- string) {
	defer func() { done <- s.ID }()

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		e.settle(s.ID, &StepResult{Status: StatusCancelled})
		e.emitStepComplete(s.ID, StatusCancelled, 0, 0)
		return
	}
	if ctx.Err() != nil {
		e.settle(s.ID, &StepResult{Status: StatusCancelled})
		e.emitStepComplete(s.ID, StatusCancelled, 0, 0)
		return
	}

	stepStart := time.Now()
	e.emit(protocol.EventStepStart, s.ID, map[string]any{"node_id": s.NodeID})

	target, res := e.resolveTarget(s)
	if target != nil {
		e.mu.Lock()
		e.running[s.ID] = target
		e.mu.Unlock()

		attempts := 0
		backoff := retryBaseDelay
		for {
			attempts++
			attemptCtx, span := tracing.TraceGraphStep(ctx, e.g.ID, s.ID, s.NodeID, attempts)
			res = target.Execute(attemptCtx, e.stepContext(s))
			if res.Succeeded() {
				tracing.RecordResult(span, StatusCompleted, nil)
			} else {
				tracing.RecordResult(span, StatusFailed, errors.New(res.ErrMsg()))
			}
			span.End()

			if res.Succeeded() || s.Policy.Kind != PolicyRetry || attempts > s.Policy.Retries {
				break
			}
			if ctx.Err() != nil {
				break
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		e.mu.Lock()
		delete(e.running, s.ID)
		e.mu.Unlock()

		duration := time.Since(stepStart).Milliseconds()
		if res.Succeeded() {
			e.settle(s.ID, &StepResult{
				Status:     StatusCompleted,
				Result:     res,
				Attempts:   attempts,
				DurationMs: duration,
			})
			e.emitStepComplete(s.ID, StatusCompleted, attempts, duration)
			return
		}
		e.fail(s, res, attempts, duration)
		return
	}

	// Resolution failed: the step never ran.
	e.fail(s, res, 0, time.Since(stepStart).Milliseconds())
}

// resolveTarget picks the step's node, resolving id references through the
// session. A nil node comes back with the failure result explaining why.
func (e *Execution) resolveTarget(s *Step) (node.Node, node.Result) {
	if s.Node != nil {
		return s.Node, nil
	}
	if e.ec.Session == nil {
		return nil, node.Fail(protocol.ErrInvalidRequest,
			fmt.Sprintf("step %q references node %q but no session is attached", s.ID, s.NodeID))
	}
	n, err := e.ec.Session.ResolveNode(s.NodeID)
	if err != nil {
		return nil, node.FailErr(protocol.ErrInvalidRequest, err)
	}
	return n, nil
}

// stepContext builds the child execution context: the step's input takes
// precedence, chunks become step_chunk events, and nested events propagate.
func (e *Execution) stepContext(s *Step) *node.ExecutionContext {
	input := s.Input
	if s.InputFn != nil {
		input = s.InputFn(e.depResults(s))
	}
	if input == nil {
		input = e.ec.Input
	}

	return &node.ExecutionContext{
		Input:   input,
		Parser:  s.Parser,
		Timeout: s.Timeout,
		Session: e.ec.Session,
		OnChunk: func(chunk string) {
			e.emit(protocol.EventStepChunk, s.ID, map[string]any{"chunk": chunk})
		},
		OnEvent: e.ec.OnEvent,
	}
}

// depResults snapshots the results of a step's dependencies.
func (e *Execution) depResults(s *Step) map[string]node.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]node.Result, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if res, ok := e.results[dep]; ok && res.Result != nil {
			out[dep] = res.Result
		}
	}
	return out
}

// fail records a failed step and applies its error policy.
func (e *Execution) fail(s *Step, res node.Result, attempts int, duration int64) {
	e.mu.Lock()
	if e.firstErrMsg == "" {
		e.firstErrType = res.ErrType()
		e.firstErrMsg = fmt.Sprintf("step %q failed: %s", s.ID, res.ErrMsg())
	}
	e.results[s.ID] = &StepResult{
		Status:     StatusFailed,
		Result:     res,
		Attempts:   attempts,
		DurationMs: duration,
	}
	e.order = append(e.order, s.ID)
	cancel := e.cancel
	e.mu.Unlock()

	e.emit(protocol.EventStepError, s.ID, map[string]any{
		"error":      res.ErrMsg(),
		"error_type": string(res.ErrType()),
		"attempts":   attempts,
	})
	e.emitStepComplete(s.ID, StatusFailed, attempts, duration)

	switch s.Policy.Kind {
	case PolicyContinue:
		// Independent branches and dependents keep going.
	case PolicySkipDownstream:
		// Dependents are settled as skipped by the scheduler's dependency
		// scan; nothing else stops.
	default:
		// fail_fast, including retry budgets that ran out.
		e.mu.Lock()
		e.failFast = true
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (e *Execution) aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failFast
}

func (e *Execution) settle(id string, res *StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.results[id]; ok {
		return
	}
	e.results[id] = res
	e.order = append(e.order, id)
}

func (e *Execution) settleRemaining(status string) {
	for i := range e.g.Steps {
		id := e.g.Steps[i].ID
		if !e.terminal(id) {
			e.settle(id, &StepResult{Status: status})
			e.emitStepComplete(id, status, 0, 0)
		}
	}
}

func (e *Execution) terminal(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.results[id]
	return ok
}

func (e *Execution) terminalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.results)
}

func (e *Execution) emit(eventType, stepID string, data map[string]any) {
	payload := map[string]any{"graph_id": e.g.ID}
	if stepID != "" {
		payload["step_id"] = stepID
	}
	for k, v := range data {
		payload[k] = v
	}
	e.ec.Event(protocol.NewEvent(eventType, payload))
}

func (e *Execution) emitStepComplete(id, status string, attempts int, duration int64) {
	e.emit(protocol.EventStepComplete, id, map[string]any{
		"status":      status,
		"attempts":    attempts,
		"duration_ms": duration,
	})
}

// finalResult flattens the run into the graph's node result.
func (e *Execution) finalResult(started time.Time) node.Result {
	e.mu.Lock()
	stepResults := make(map[string]any, len(e.results))
	success := true
	for id, res := range e.results {
		if res.Status != StatusCompleted {
			success = false
		}
		entry := map[string]any{
			"status":      res.Status,
			"attempts":    res.Attempts,
			"duration_ms": res.DurationMs,
		}
		if res.Result != nil {
			entry["result"] = res.Result
		}
		stepResults[id] = entry
	}
	order := make([]string, len(e.order))
	copy(order, e.order)
	errType := e.firstErrType
	errMsg := e.firstErrMsg
	e.mu.Unlock()

	attributes := map[string]any{
		"execution_order": order,
		"duration_ms":     time.Since(started).Milliseconds(),
	}

	if success {
		e.emit(protocol.EventGraphCompleted, "", map[string]any{"status": "completed"})
		return node.OK(map[string]any{
			"step_results": stepResults,
			"attributes":   attributes,
		})
	}

	if errMsg == "" {
		errType = protocol.ErrInterrupted
		errMsg = "graph execution cancelled"
		e.emit(protocol.EventGraphCancelled, "", nil)
	} else {
		e.emit(protocol.EventGraphCompleted, "", map[string]any{"status": "failed"})
	}
	if errType == "" {
		errType = protocol.ErrInternal
	}
	return node.Fail(errType, errMsg).
		With("step_results", stepResults).
		With("attributes", attributes)
}
