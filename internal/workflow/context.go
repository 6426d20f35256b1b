package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Context is the API a workflow function drives its run through: execute
// nodes, wait on gates, emit events, and keep scratch state.
type Context struct {
	run      *Run
	resolver node.Resolver
	emit     func(*protocol.Event)
}

// Input returns the input the run was started with.
func (c *Context) Input() any {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.input
}

// RunID returns the id of the current run.
func (c *Context) RunID() string { return c.run.id }

// Run executes a session node by id and returns its result, emitting
// node_started and node_completed around the call. A positive timeout bounds
// this call only. The result's success flag carries expected failures; the
// error return is reserved for unresolvable references.
func (c *Context) Run(ctx context.Context, nodeID string, input any, timeout time.Duration) (node.Result, error) {
	if c.resolver == nil {
		return nil, fmt.Errorf("run %s has no session attached", c.run.id)
	}
	n, err := c.resolver.ResolveNode(nodeID)
	if err != nil {
		return nil, err
	}

	ec := &node.ExecutionContext{
		Input:   input,
		Session: c.resolver,
		Timeout: timeout,
		OnChunk: func(chunk string) {
			c.Emit(protocol.EventOutputChunk, map[string]any{
				"node_id": nodeID,
				"chunk":   chunk,
			})
		},
		OnEvent: c.emit,
	}

	c.Emit(protocol.EventNodeStarted, map[string]any{"node_id": nodeID})
	res := n.Execute(ctx, ec)
	c.Emit(protocol.EventNodeCompleted, map[string]any{
		"node_id": nodeID,
		"success": res.Succeeded(),
	})
	return res, nil
}

// Gate pauses the run until a client answers. With a non-empty choices
// list, only a listed answer is accepted. Cancellation of the run resolves
// the gate with the context error.
func (c *Context) Gate(ctx context.Context, prompt string, choices []string) (string, error) {
	g := newGate(prompt, choices)

	c.run.mu.Lock()
	if c.run.state.Terminal() {
		state := c.run.state
		c.run.mu.Unlock()
		return "", fmt.Errorf("run %s is %s", c.run.id, state)
	}
	c.run.state = StateWaiting
	c.run.gates[g.id] = g
	c.run.mu.Unlock()

	c.Emit(protocol.EventGateWaiting, map[string]any{
		"gate_id": g.id,
		"prompt":  prompt,
		"choices": choices,
	})

	select {
	case answer := <-g.answer:
		c.run.mu.Lock()
		delete(c.run.gates, g.id)
		if c.run.state == StateWaiting {
			c.run.state = StateRunning
		}
		c.run.mu.Unlock()

		c.Emit(protocol.EventGateAnswered, map[string]any{
			"gate_id": g.id,
			"answer":  answer,
		})
		return answer, nil

	case <-ctx.Done():
		c.run.mu.Lock()
		delete(c.run.gates, g.id)
		c.run.mu.Unlock()
		return "", ctx.Err()
	}
}

// Emit publishes a run-tagged event.
func (c *Context) Emit(eventType string, data map[string]any) {
	if c.emit == nil {
		return
	}
	ev := protocol.NewEvent(eventType, data).ForRun(c.run.id)
	c.emit(ev)
}

// Set stores a scratch value on the run, visible in later steps and to
// state queries.
func (c *Context) Set(key string, value any) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.store[key] = value
}

// Get reads a scratch value.
func (c *Context) Get(key string) (any, bool) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	v, ok := c.run.store[key]
	return v, ok
}

// State snapshots the run's scratch store.
func (c *Context) State() map[string]any {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	out := make(map[string]any, len(c.run.store))
	for k, v := range c.run.store {
		out[k] = v
	}
	return out
}
