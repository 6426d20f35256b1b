package protocol

// Command type constants.
const (
	// Session commands
	CmdCreateSession     = "create_session"
	CmdDeleteSession     = "delete_session"
	CmdListSessions      = "list_sessions"
	CmdGetSession        = "get_session"
	CmdSetDefaultSession = "set_default_session"

	// Node lifecycle commands
	CmdCreateNode = "create_node"
	CmdDeleteNode = "delete_node"
	CmdListNodes  = "list_nodes"
	CmdGetNode    = "get_node"

	// Node interaction commands
	CmdExecuteInput  = "execute_input"
	CmdRunCommand    = "run_command"
	CmdSendInterrupt = "send_interrupt"
	CmdWriteStdin    = "write_stdin"
	CmdReadBuffer    = "read_buffer"
	CmdReadHistory   = "read_history"
	CmdForkNode      = "fork_node"
	CmdListTools     = "list_tools"
	CmdCallTool      = "call_tool"

	// Python execution
	CmdExecutePython = "execute_python"

	// Graph commands
	CmdCreateGraph   = "create_graph"
	CmdDeleteGraph   = "delete_graph"
	CmdExecuteGraph  = "execute_graph"
	CmdRunGraph      = "run_graph"
	CmdCancelGraph   = "cancel_graph"
	CmdListGraphs    = "list_graphs"
	CmdGetGraph      = "get_graph"
	CmdDescribeGraph = "describe_graph"
	CmdValidateGraph = "validate_graph"

	// Workflow commands
	CmdExecuteWorkflow = "execute_workflow"
	CmdListWorkflows   = "list_workflows"
	CmdGetWorkflowRun  = "get_workflow_run"
	CmdListRuns        = "list_runs"
	CmdAnswerGate      = "answer_gate"
	CmdCancelRun       = "cancel_run"

	// Server commands
	CmdPing = "ping"
	CmdStop = "stop"

	// Event subscription commands
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// Event type constants (server -> client).
const (
	// Session events
	EventSessionCreated = "session_created"
	EventSessionDeleted = "session_deleted"

	// Node lifecycle events
	EventNodeCreated = "node_created"
	EventNodeReady   = "node_ready"
	EventNodeError   = "node_error"
	EventNodeDeleted = "node_deleted"

	// Node output events
	EventOutputChunk  = "output_chunk"
	EventOutputParsed = "output_parsed"

	// Workflow node-call events
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"

	// Graph step events
	EventStepStart    = "step_start"
	EventStepChunk    = "step_chunk"
	EventStepComplete = "step_complete"
	EventStepError    = "step_error"

	// Graph lifecycle events
	EventGraphStarted   = "graph_started"
	EventGraphCompleted = "graph_completed"
	EventGraphCancelled = "graph_cancelled"

	// Workflow run events
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventGateWaiting  = "gate_waiting"
	EventGateAnswered = "gate_answered"

	// Server error events
	EventError = "error"
)
