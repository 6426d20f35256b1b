package node

import (
	"context"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
)

// IdentityNode echoes its input back as output. It exists for wiring
// graphs together and for exercising the execution path in tests.
type IdentityNode struct {
	base
}

// NewIdentityNode builds an unstarted identity node.
func NewIdentityNode(id string, hist *history.Writer, log *logger.Logger) *IdentityNode {
	n := &IdentityNode{}
	n.init(id, KindIdentity, false, hist, log)
	return n
}

func (n *IdentityNode) Start(ctx context.Context) error {
	if n.State() == StateReady {
		return nil
	}
	return n.transition(StateReady, StateCreated, StateStopped)
}

func (n *IdentityNode) Stop(ctx context.Context) error {
	n.setState(StateStopped)
	n.closeHistory()
	return nil
}

func (n *IdentityNode) Interrupt() error { return nil }

func (n *IdentityNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	defer n.endExecute(false)

	var input any
	if ec != nil {
		input = ec.Input
	}
	n.hist.Input(ec.InputString())
	ec.Chunk(ec.InputString())
	n.hist.Output(map[string]any{"output": input})
	return OK(map[string]any{
		"input":  input,
		"output": input,
	})
}
