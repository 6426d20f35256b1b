// Package handlers implements the websocket command surface: every command
// the protocol names is parsed, validated, executed against the session
// registry, and answered with a typed response. Subscription commands are
// connection-scoped and handled by the gateway, not here.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/proxy"
	"github.com/ensemble-ai/ensemble/internal/python"
	"github.com/ensemble-ai/ensemble/internal/session"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/internal/workflow"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Deps wires the handlers to the server's subsystems.
type Deps struct {
	Config   *config.Config
	Registry *session.Registry
	Bus      bus.EventBus
	History  *history.Store
	Proxies  *proxy.Manager
	Python   *python.Executor
	Runtime  *workflow.Runtime
	Parsers  *parser.Registry
	Logger   *logger.Logger

	// OnStop initiates server shutdown for the stop command.
	OnStop func()
}

// Handlers implements every protocol command over the live server state.
type Handlers struct {
	cfg      *config.Config
	registry *session.Registry
	bus      bus.EventBus
	hist     *history.Store
	proxies  *proxy.Manager
	python   *python.Executor
	runtime  *workflow.Runtime
	parsers  *parser.Registry
	log      *logger.Logger
	onStop   func()
}

// New creates the command handlers.
func New(deps Deps) *Handlers {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	parsers := deps.Parsers
	if parsers == nil {
		parsers = parser.NewRegistry()
	}
	return &Handlers{
		cfg:      deps.Config,
		registry: deps.Registry,
		bus:      deps.Bus,
		hist:     deps.History,
		proxies:  deps.Proxies,
		python:   deps.Python,
		runtime:  deps.Runtime,
		parsers:  parsers,
		log:      log.WithFields(zap.String("component", "handlers")),
		onStop:   deps.OnStop,
	}
}

// RegisterHandlers registers every command with the dispatcher.
func (h *Handlers) RegisterHandlers(d *protocol.Dispatcher) {
	// Session
	d.RegisterFunc(protocol.CmdCreateSession, h.CreateSession)
	d.RegisterFunc(protocol.CmdDeleteSession, h.DeleteSession)
	d.RegisterFunc(protocol.CmdListSessions, h.ListSessions)
	d.RegisterFunc(protocol.CmdGetSession, h.GetSession)
	d.RegisterFunc(protocol.CmdSetDefaultSession, h.SetDefaultSession)

	// Node lifecycle and interaction
	d.RegisterFunc(protocol.CmdCreateNode, h.CreateNode)
	d.RegisterFunc(protocol.CmdDeleteNode, h.DeleteNode)
	d.RegisterFunc(protocol.CmdListNodes, h.ListNodes)
	d.RegisterFunc(protocol.CmdGetNode, h.GetNode)
	d.RegisterFunc(protocol.CmdExecuteInput, h.ExecuteInput)
	d.RegisterFunc(protocol.CmdRunCommand, h.RunCommand)
	d.RegisterFunc(protocol.CmdSendInterrupt, h.SendInterrupt)
	d.RegisterFunc(protocol.CmdWriteStdin, h.WriteStdin)
	d.RegisterFunc(protocol.CmdReadBuffer, h.ReadBuffer)
	d.RegisterFunc(protocol.CmdReadHistory, h.ReadHistory)
	d.RegisterFunc(protocol.CmdForkNode, h.ForkNode)
	d.RegisterFunc(protocol.CmdListTools, h.ListTools)
	d.RegisterFunc(protocol.CmdCallTool, h.CallTool)

	// Python
	d.RegisterFunc(protocol.CmdExecutePython, h.ExecutePython)

	// Graphs
	d.RegisterFunc(protocol.CmdCreateGraph, h.CreateGraph)
	d.RegisterFunc(protocol.CmdDeleteGraph, h.DeleteGraph)
	d.RegisterFunc(protocol.CmdExecuteGraph, h.ExecuteGraph)
	d.RegisterFunc(protocol.CmdRunGraph, h.RunGraph)
	d.RegisterFunc(protocol.CmdCancelGraph, h.CancelGraph)
	d.RegisterFunc(protocol.CmdListGraphs, h.ListGraphs)
	d.RegisterFunc(protocol.CmdGetGraph, h.GetGraph)
	d.RegisterFunc(protocol.CmdDescribeGraph, h.DescribeGraph)
	d.RegisterFunc(protocol.CmdValidateGraph, h.ValidateGraph)

	// Workflows
	d.RegisterFunc(protocol.CmdExecuteWorkflow, h.ExecuteWorkflow)
	d.RegisterFunc(protocol.CmdListWorkflows, h.ListWorkflows)
	d.RegisterFunc(protocol.CmdGetWorkflowRun, h.GetWorkflowRun)
	d.RegisterFunc(protocol.CmdListRuns, h.ListRuns)
	d.RegisterFunc(protocol.CmdAnswerGate, h.AnswerGate)
	d.RegisterFunc(protocol.CmdCancelRun, h.CancelRun)

	// Server
	d.RegisterFunc(protocol.CmdPing, h.Ping)
	d.RegisterFunc(protocol.CmdStop, h.Stop)
}

// NewSession builds a session wired to the server's history store, event
// bus, and proxy manager. Used for the bootstrap default session and for
// create_session.
func (h *Handlers) NewSession(name string) *session.Session {
	var sink events.Sink = events.NopSink{}
	if h.bus != nil {
		sink = events.NewBusSink(h.bus, name, h.log)
	}
	s := session.New(name, h.hist, sink, h.log)
	if h.proxies != nil {
		s.SetReleaseHook(h.proxies.Release)
	}
	return s
}

// resolveSession resolves a session reference, answering with an error
// response when it does not exist.
func (h *Handlers) resolveSession(requestID, name string) (*session.Session, *protocol.Response) {
	sess, err := h.registry.Get(name)
	if err != nil {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest, err.Error())
	}
	return sess, nil
}

// resolveNode resolves a node reference within a session.
func (h *Handlers) resolveNode(requestID string, sess *session.Session, nodeID string) (node.Node, *protocol.Response) {
	if nodeID == "" {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest, "node_id is required")
	}
	n, err := sess.ResolveNode(nodeID)
	if err != nil {
		return nil, protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest, err.Error())
	}
	return n, nil
}

// emit publishes an event through the session's sink.
func (h *Handlers) emit(ctx context.Context, sess *session.Session, ev *protocol.Event) {
	sess.Sink().Emit(ctx, ev)
}

// resultResponse encodes a node result: success carries the payload,
// failure carries the payload plus the classified error.
func resultResponse(requestID string, res node.Result) *protocol.Response {
	resp := &protocol.Response{
		Success:   res.Succeeded(),
		Data:      map[string]any(res),
		RequestID: requestID,
	}
	if !resp.Success {
		resp.Error = res.ErrMsg()
		resp.ErrorType = res.ErrType()
	}
	return resp
}

func invalidParams(requestID string, err error) *protocol.Response {
	return protocol.ErrorResponse(requestID, protocol.ErrInvalidRequest,
		"invalid params: "+err.Error())
}
