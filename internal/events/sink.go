package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Sink accepts events from nodes, graphs, and workflow runs. Emitting is
// best-effort: a sink never fails the operation that produced the event.
type Sink interface {
	Emit(ctx context.Context, event *protocol.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event *protocol.Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, event *protocol.Event) {
	f(ctx, event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(ctx context.Context, event *protocol.Event) {}

// BusSink publishes events for one session onto the event bus, deriving the
// subject from the event's tags: run events route to the run subject, graph
// events (carrying graph_id in data) to the graph subject, node events to the
// node subject, and everything else to the session subject.
type BusSink struct {
	bus     bus.EventBus
	session string
	logger  *logger.Logger
}

// NewBusSink creates a sink scoped to one session.
func NewBusSink(b bus.EventBus, session string, log *logger.Logger) *BusSink {
	return &BusSink{
		bus:     b,
		session: session,
		logger:  log,
	}
}

// Emit implements Sink.
func (s *BusSink) Emit(ctx context.Context, event *protocol.Event) {
	subject := SessionSubject(s.session)
	switch {
	case event.RunID != "":
		subject = RunSubject(s.session, event.RunID)
	case graphID(event) != "":
		subject = GraphSubject(s.session, graphID(event))
	case event.NodeID != "":
		subject = NodeSubject(s.session, event.NodeID)
	}

	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func graphID(event *protocol.Event) string {
	if event.Data == nil {
		return ""
	}
	if id, ok := event.Data["graph_id"].(string); ok {
		return id
	}
	return ""
}
