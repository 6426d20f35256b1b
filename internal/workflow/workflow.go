// Package workflow runs registered Go functions as durable, observable
// runs: a workflow drives nodes imperatively, pauses on gates until a
// client answers, and emits run lifecycle events.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run states.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Fn is the body of a workflow. It drives nodes and gates through the
// workflow context; a returned error fails the run.
type Fn func(ctx context.Context, wc *Context) (any, error)

// Workflow is a named, registered workflow function.
type Workflow struct {
	Name        string
	Description string
	Fn          Fn
}

// gate is one pending approval point. The answer channel is single-shot.
type gate struct {
	id      string
	prompt  string
	choices []string
	answer  chan string
	once    sync.Once
}

func newGate(prompt string, choices []string) *gate {
	return &gate{
		id:      uuid.NewString(),
		prompt:  prompt,
		choices: choices,
		answer:  make(chan string, 1),
	}
}

// deliver sends the answer exactly once; later calls are dropped.
func (g *gate) deliver(answer string) {
	g.once.Do(func() {
		g.answer <- answer
	})
}

// Run is one execution of a workflow.
type Run struct {
	id       string
	workflow string

	mu       sync.Mutex
	state    State
	input    any
	output   any
	errMsg   string
	errType  string
	gates    map[string]*gate
	store    map[string]any
	cancelFn func()

	created  time.Time
	finished time.Time
}

// Snapshot is the externally visible view of a run.
type Snapshot struct {
	ID       string         `json:"run_id"`
	Workflow string         `json:"workflow"`
	State    State          `json:"state"`
	Output   any            `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	ErrType  string         `json:"error_type,omitempty"`
	Gates    []GateSnapshot `json:"gates,omitempty"`
	Created  time.Time      `json:"created_at"`
}

// GateSnapshot describes a pending gate.
type GateSnapshot struct {
	ID      string   `json:"gate_id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// WorkflowName returns the name of the workflow being run.
func (r *Run) WorkflowName() string { return r.workflow }

// State returns the current run state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot captures the run for listings and get operations.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		ID:       r.id,
		Workflow: r.workflow,
		State:    r.state,
		Output:   r.output,
		Error:    r.errMsg,
		ErrType:  r.errType,
		Created:  r.created,
	}
	for _, g := range r.gates {
		snap.Gates = append(snap.Gates, GateSnapshot{
			ID:      g.id,
			Prompt:  g.prompt,
			Choices: g.choices,
		})
	}
	return snap
}
