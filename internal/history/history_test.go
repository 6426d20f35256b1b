package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewStore(config.HistoryConfig{
		Enabled:    true,
		BaseDir:    t.TempDir(),
		ServerName: "testsrv",
	}, log)
}

func TestWriteAndReadBack(t *testing.T) {
	store := testStore(t)

	w := store.Writer("main", "n1")
	if w == nil {
		t.Fatal("Writer() returned nil with history enabled")
	}
	defer w.Close()

	w.Lifecycle("created", nil)
	w.Input("echo hello")
	w.Output(map[string]any{"raw": "hello"})
	w.Error("process_error", "exit 1")

	records, err := store.Read("main", "n1", 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Read() returned %d records, want 4", len(records))
	}

	wantKinds := []string{KindLifecycle, KindInput, KindOutput, KindError}
	for i, rec := range records {
		if rec.Kind != wantKinds[i] {
			t.Errorf("record %d kind = %s, want %s", i, rec.Kind, wantKinds[i])
		}
		if rec.NodeID != "n1" {
			t.Errorf("record %d node_id = %s, want n1", i, rec.NodeID)
		}
		if rec.Timestamp.IsZero() {
			t.Errorf("record %d has zero timestamp", i)
		}
	}

	if records[1].Payload["text"] != "echo hello" {
		t.Errorf("input payload = %v", records[1].Payload)
	}
	if records[3].Payload["error_type"] != "process_error" {
		t.Errorf("error payload = %v", records[3].Payload)
	}
}

func TestReadTailLimit(t *testing.T) {
	store := testStore(t)

	w := store.Writer("main", "n2")
	defer w.Close()
	for i := 0; i < 10; i++ {
		w.Input("line")
	}

	records, err := store.Read("main", "n2", 3)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("Read(limit=3) returned %d records", len(records))
	}
}

func TestReadMissingNode(t *testing.T) {
	store := testStore(t)

	records, err := store.Read("main", "ghost", 0)
	if err != nil {
		t.Fatalf("Read() on missing node failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Read() on missing node returned %d records", len(records))
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	w.Input("ignored")
	w.Output(nil)
	w.Lifecycle("created", nil)
	w.Error("timeout", "ignored")
	w.Close()
}

func TestDisabledStoreReturnsNilWriter(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	store := NewStore(config.HistoryConfig{Enabled: false, BaseDir: t.TempDir()}, log)

	if w := store.Writer("main", "n1"); w != nil {
		t.Error("Writer() should return nil when history is disabled")
	}
	if store.Enabled() {
		t.Error("Enabled() should be false")
	}
}

func TestSkipsMalformedRecords(t *testing.T) {
	store := testStore(t)

	w := store.Writer("main", "n3")
	w.Input("good")
	w.Close()

	// Simulate a torn write from a crashed process.
	path := filepath.Join(store.baseDir, "testsrv", "main", "n3", fileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{\"timestamp\": tru"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	records, err := store.Read("main", "n3", 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Read() returned %d records, want 1 (torn line skipped)", len(records))
	}
}
