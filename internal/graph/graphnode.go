package graph

import (
	"context"
	"sync"

	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// graphNode adapts a validated graph to the node contract so graphs nest
// as steps of other graphs. It is ephemeral: Start and Stop only move the
// state machine, and each execution is an independent run.
type graphNode struct {
	g *Graph

	mu      sync.Mutex
	id      string
	state   node.State
	current *Execution

	// execMu serializes runs, matching the single-execution node contract.
	execMu sync.Mutex
}

// AsNode wraps the graph as a node under the given id.
func (g *Graph) AsNode(id string) node.Node {
	if id == "" {
		id = g.ID
	}
	return &graphNode{g: g, id: id, state: node.StateCreated}
}

func (n *graphNode) ID() string       { return n.id }
func (n *graphNode) Kind() node.Kind  { return node.KindGraph }
func (n *graphNode) Persistent() bool { return false }

func (n *graphNode) State() node.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *graphNode) Info() node.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return node.Info{
		ID:         n.id,
		Kind:       node.KindGraph,
		State:      n.state,
		Persistent: false,
		Metadata: map[string]any{
			"graph_id": n.g.ID,
			"steps":    len(n.g.Steps),
		},
	}
}

func (n *graphNode) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = node.StateReady
	return nil
}

func (n *graphNode) Stop(ctx context.Context) error {
	n.interruptCurrent()
	n.mu.Lock()
	n.state = node.StateStopped
	n.mu.Unlock()
	return nil
}

func (n *graphNode) Interrupt() error {
	n.interruptCurrent()
	return nil
}

func (n *graphNode) interruptCurrent() {
	n.mu.Lock()
	exec := n.current
	n.mu.Unlock()
	if exec != nil {
		exec.Interrupt()
	}
}

func (n *graphNode) Execute(ctx context.Context, ec *node.ExecutionContext) node.Result {
	n.execMu.Lock()
	defer n.execMu.Unlock()

	n.mu.Lock()
	if n.state != node.StateReady {
		st := n.state
		n.mu.Unlock()
		et := protocol.ErrInvalidRequest
		if st == node.StateCreated || st == node.StateStopping || st == node.StateStopped {
			et = protocol.ErrNodeStopped
		}
		return node.Fail(et, "graph node is not ready")
	}
	exec := n.g.NewExecution(ec)
	n.current = exec
	n.state = node.StateBusy
	n.mu.Unlock()

	res := exec.Run(ctx)

	n.mu.Lock()
	n.current = nil
	if n.state == node.StateBusy {
		n.state = node.StateReady
	}
	n.mu.Unlock()
	return res
}
