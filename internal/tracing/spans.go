package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const serverTracerName = "ensemble-server"

func serverTracer() trace.Tracer {
	return Tracer(serverTracerName)
}

// TraceCommand creates a span for a dispatched websocket command.
func TraceCommand(ctx context.Context, commandType, requestID, sessionName string) (context.Context, trace.Span) {
	ctx, span := serverTracer().Start(ctx, "dispatch.command",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("command_type", commandType),
		attribute.String("request_id", requestID),
		attribute.String("session", sessionName),
	)
	return ctx, span
}

// TraceNodeExecute creates a span for a single node execution.
func TraceNodeExecute(ctx context.Context, nodeID, nodeKind string) (context.Context, trace.Span) {
	ctx, span := serverTracer().Start(ctx, "node.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("node_kind", nodeKind),
	)
	return ctx, span
}

// TraceGraphStep creates a child span for a single graph step execution.
func TraceGraphStep(ctx context.Context, graphID, stepID, nodeID string, attempt int) (context.Context, trace.Span) {
	ctx, span := serverTracer().Start(ctx, "graph.step",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("graph_id", graphID),
		attribute.String("step_id", stepID),
		attribute.String("node_id", nodeID),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// TraceWorkflowRun creates a span covering a full workflow run.
func TraceWorkflowRun(ctx context.Context, runID, workflowName string) (context.Context, trace.Span) {
	ctx, span := serverTracer().Start(ctx, "workflow.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("workflow", workflowName),
	)
	return ctx, span
}

// TraceProxyForward creates a span for a proxied LLM API request.
func TraceProxyForward(ctx context.Context, nodeID, provider, path string) (context.Context, trace.Span) {
	ctx, span := serverTracer().Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("provider", provider),
		attribute.String("path", path),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
