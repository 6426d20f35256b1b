// Package history provides per-node append-only logs of node lifecycle,
// inputs, outputs, and errors. Records are newline-delimited JSON under
// <base_dir>/<server>/<session>/<node_id>/history.jsonl.
//
// Writing is best-effort: a failing writer logs a warning and the operation
// that produced the record continues. A nil *Writer is a valid no-op sink, so
// nodes never need to branch on whether history is enabled.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
)

// Record kinds.
const (
	KindInput     = "input"
	KindOutput    = "output"
	KindLifecycle = "lifecycle"
	KindError     = "error"
)

const fileName = "history.jsonl"

// Record is one self-contained history entry.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Store creates writers and readers rooted at one base directory.
type Store struct {
	baseDir string
	server  string
	enabled bool
	logger  *logger.Logger
}

// NewStore builds a store from the history configuration.
func NewStore(cfg config.HistoryConfig, log *logger.Logger) *Store {
	return &Store{
		baseDir: cfg.BaseDir,
		server:  cfg.ServerName,
		enabled: cfg.Enabled,
		logger:  log,
	}
}

// Enabled reports whether the store produces writers.
func (s *Store) Enabled() bool {
	return s != nil && s.enabled
}

// nodeDir is the directory holding one node's history.
func (s *Store) nodeDir(session, nodeID string) string {
	return filepath.Join(s.baseDir, s.server, session, nodeID)
}

// Writer opens an append-only history writer for a node. Returns nil (a
// no-op writer) when history is disabled or the file cannot be opened;
// open failures are logged, never propagated.
func (s *Store) Writer(session, nodeID string) *Writer {
	if s == nil || !s.enabled {
		return nil
	}

	dir := s.nodeDir(session, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create history directory",
			zap.String("dir", dir),
			zap.Error(err))
		return nil
	}

	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("Failed to open history file",
			zap.String("dir", dir),
			zap.Error(err))
		return nil
	}

	return &Writer{
		nodeID: nodeID,
		file:   f,
		logger: s.logger,
	}
}

// Read returns up to limit most recent records for a node (all when
// limit <= 0). A missing history file yields an empty slice.
func (s *Store) Read(session, nodeID string, limit int) ([]Record, error) {
	if s == nil {
		return nil, nil
	}

	path := filepath.Join(s.nodeDir(session, nodeID), fileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crashed writer is skipped, not fatal.
			s.logger.Warn("Skipping malformed history record",
				zap.String("node_id", nodeID),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan history file: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Writer appends records for a single node. All methods are safe on a nil
// receiver and never return errors; failures are logged and swallowed.
type Writer struct {
	nodeID string
	file   *os.File
	logger *logger.Logger
	mu     sync.Mutex
	closed bool
}

// Input records text sent to the node.
func (w *Writer) Input(text string) {
	w.append(KindInput, map[string]any{"text": text})
}

// Output records output produced by the node.
func (w *Writer) Output(payload map[string]any) {
	w.append(KindOutput, payload)
}

// Lifecycle records a node state transition.
func (w *Writer) Lifecycle(state string, detail map[string]any) {
	payload := map[string]any{"state": state}
	for k, v := range detail {
		payload[k] = v
	}
	w.append(KindLifecycle, payload)
}

// Error records a failure observed on the node.
func (w *Writer) Error(errType, message string) {
	w.append(KindError, map[string]any{
		"error_type": errType,
		"error":      message,
	})
}

func (w *Writer) append(kind string, payload map[string]any) {
	if w == nil {
		return
	}

	rec := Record{
		Timestamp: time.Now().UTC(),
		NodeID:    w.nodeID,
		Kind:      kind,
		Payload:   payload,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("Failed to marshal history record",
			zap.String("node_id", w.nodeID),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Warn("Failed to write history record",
			zap.String("node_id", w.nodeID),
			zap.Error(err))
	}
}

// Close releases the underlying file. Safe on nil and safe to call twice.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		w.logger.Warn("Failed to close history file",
			zap.String("node_id", w.nodeID),
			zap.Error(err))
	}
}
