package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Func is a host-side callable wrapped by a FunctionNode.
type Func func(ctx context.Context, input any) (any, error)

// FunctionNode runs an in-process Go function per execution. It is the glue
// variant for graph steps that transform data without leaving the server.
type FunctionNode struct {
	base
	fn Func
}

// NewFunctionNode builds an unstarted function node. A nil fn yields a node
// whose executions fail with invalid_request_error.
func NewFunctionNode(id string, fn Func, hist *history.Writer, log *logger.Logger) *FunctionNode {
	n := &FunctionNode{fn: fn}
	n.init(id, KindFunction, false, hist, log)
	return n
}

func (n *FunctionNode) Start(ctx context.Context) error {
	if n.State() == StateReady {
		return nil
	}
	return n.transition(StateReady, StateCreated, StateStopped)
}

func (n *FunctionNode) Stop(ctx context.Context) error {
	n.setState(StateStopped)
	n.closeHistory()
	return nil
}

func (n *FunctionNode) Interrupt() error { return nil }

func (n *FunctionNode) Execute(ctx context.Context, ec *ExecutionContext) (res Result) {
	if err := n.beginExecute(); err != nil {
		return n.notReadyResult(err)
	}
	defer n.endExecute(false)

	if n.fn == nil {
		return Fail(protocol.ErrInvalidRequest, "function node has no callable bound")
	}

	// A panicking callable must not take the server down with it.
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Function node panicked", zap.Any("panic", r))
			n.hist.Error(string(protocol.ErrInternal), fmt.Sprintf("panic: %v", r))
			res = Fail(protocol.ErrInternal, fmt.Sprintf("function panicked: %v", r))
		}
	}()

	var input any
	if ec != nil {
		input = ec.Input
	}
	n.hist.Input(ec.InputString())

	runCtx := ctx
	if d := ec.EffectiveTimeout(0); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := n.fn(runCtx, input)
	if err != nil {
		n.hist.Error(string(protocol.ErrInternal), err.Error())
		return FailErr(protocol.ErrInternal, err)
	}

	n.hist.Output(map[string]any{"output": out})
	ec.Chunk(fmt.Sprintf("%v", out))
	return OK(map[string]any{"input": input, "output": out})
}
