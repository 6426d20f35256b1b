package events

import (
	"context"
	"testing"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestSubjects(t *testing.T) {
	if got := SessionSubject("main"); got != "ensemble.main.session" {
		t.Errorf("SessionSubject = %s", got)
	}
	if got := NodeSubject("main", "n1"); got != "ensemble.main.node.n1" {
		t.Errorf("NodeSubject = %s", got)
	}
	if got := GraphSubject("main", "g1"); got != "ensemble.main.graph.g1" {
		t.Errorf("GraphSubject = %s", got)
	}
	if got := RunSubject("main", "r1"); got != "ensemble.main.run.r1" {
		t.Errorf("RunSubject = %s", got)
	}
	if got := SessionPattern("main"); got != "ensemble.main.>" {
		t.Errorf("SessionPattern = %s", got)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := NodeSubject("my.session", "node one"); got != "ensemble.my_session.node.node_one" {
		t.Errorf("sanitized subject = %s", got)
	}
}

func TestBusSinkRouting(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	sink := NewBusSink(memBus, "main", log)

	subjects := make([]string, 0, 4)
	for _, pattern := range []string{AllPattern()} {
		sub, err := memBus.Subscribe(pattern, func(ctx context.Context, event *protocol.Event) error {
			subjects = append(subjects, event.Type)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	ctx := context.Background()

	// Node event routes to the node subject.
	received := make([]string, 0, 1)
	nodeSub, err := memBus.Subscribe(NodeSubject("main", "n1"), func(ctx context.Context, event *protocol.Event) error {
		received = append(received, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = nodeSub.Unsubscribe() }()

	sink.Emit(ctx, protocol.NewEvent(protocol.EventNodeReady, nil).ForNode("n1"))
	if len(received) != 1 || received[0] != protocol.EventNodeReady {
		t.Errorf("node subject received %v, want [node_ready]", received)
	}

	// Run event routes to the run subject even when a node id is present.
	runReceived := make([]string, 0, 1)
	runSub, err := memBus.Subscribe(RunSubject("main", "r1"), func(ctx context.Context, event *protocol.Event) error {
		runReceived = append(runReceived, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = runSub.Unsubscribe() }()

	ev := protocol.NewEvent(protocol.EventNodeStarted, nil).ForNode("n1").ForRun("r1")
	sink.Emit(ctx, ev)
	if len(runReceived) != 1 || runReceived[0] != protocol.EventNodeStarted {
		t.Errorf("run subject received %v, want [node_started]", runReceived)
	}

	// Graph event routes by graph_id carried in data.
	graphReceived := make([]string, 0, 1)
	graphSub, err := memBus.Subscribe(GraphSubject("main", "g1"), func(ctx context.Context, event *protocol.Event) error {
		graphReceived = append(graphReceived, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = graphSub.Unsubscribe() }()

	sink.Emit(ctx, protocol.NewEvent(protocol.EventStepStart, map[string]any{"graph_id": "g1", "step_id": "a"}))
	if len(graphReceived) != 1 || graphReceived[0] != protocol.EventStepStart {
		t.Errorf("graph subject received %v, want [step_start]", graphReceived)
	}

	// All events were visible on the server-wide pattern.
	if len(subjects) != 3 {
		t.Errorf("AllPattern saw %d events, want 3", len(subjects))
	}
}
