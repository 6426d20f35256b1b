// Package session holds the server's live state: named sessions owning
// nodes, graphs, and workflow runs under one shared id namespace, plus the
// registry that resolves session references per command.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/graph"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/node"
)

// ReleaseHook is called for each node removed from a session so external
// per-node resources (the node's proxy) can be torn down.
type ReleaseHook func(nodeID string)

// Session owns the nodes, graphs, and workflow runs created under one name.
// Node ids, graph ids, and run ids share a single namespace within the
// session.
type Session struct {
	name string
	hist *history.Store
	sink events.Sink
	log  *logger.Logger

	mu         sync.RWMutex
	nodes      map[string]node.Node
	graphs     map[string]*graph.Graph
	executions map[string]*graph.Execution
	runs       map[string]struct{}
	release    ReleaseHook
	closed     bool
}

// New creates an empty session. hist and sink may be nil.
func New(name string, hist *history.Store, sink events.Sink, log *logger.Logger) *Session {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		name:       name,
		hist:       hist,
		sink:       sink,
		log:        log,
		nodes:      make(map[string]node.Node),
		graphs:     make(map[string]*graph.Graph),
		executions: make(map[string]*graph.Execution),
		runs:       make(map[string]struct{}),
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Sink returns the session's event sink.
func (s *Session) Sink() events.Sink { return s.sink }

// SetReleaseHook installs the per-node resource release callback.
func (s *Session) SetReleaseHook(hook ReleaseHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = hook
}

// HistoryWriter returns a history writer for a node in this session, or
// nil when history is disabled.
func (s *Session) HistoryWriter(nodeID string) *history.Writer {
	if s.hist == nil {
		return nil
	}
	return s.hist.Writer(s.name, nodeID)
}

// ReadHistory returns the most recent history records for a node.
func (s *Session) ReadHistory(nodeID string, limit int) ([]history.Record, error) {
	if s.hist == nil {
		return nil, nil
	}
	return s.hist.Read(s.name, nodeID, limit)
}

// idTaken reports whether an id is already used by a node, graph, or run.
// Caller holds s.mu.
func (s *Session) idTaken(id string) bool {
	if _, ok := s.nodes[id]; ok {
		return true
	}
	if _, ok := s.graphs[id]; ok {
		return true
	}
	_, ok := s.runs[id]
	return ok
}

// AddNode registers a node under its id.
func (s *Session) AddNode(n node.Node) error {
	if n == nil || n.ID() == "" {
		return fmt.Errorf("node requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %q is closed", s.name)
	}
	if s.idTaken(n.ID()) {
		return fmt.Errorf("id %q already in use in session %q", n.ID(), s.name)
	}
	s.nodes[n.ID()] = n
	return nil
}

// RemoveNode unregisters a node and returns it so the caller can stop it.
func (s *Session) RemoveNode(id string) (node.Node, error) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
	}
	release := s.release
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node %q not found in session %q", id, s.name)
	}
	if release != nil {
		release(id)
	}
	return n, nil
}

// ResolveNode implements node.Resolver.
func (s *Session) ResolveNode(id string) (node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %q not found in session %q", id, s.name)
	}
	return n, nil
}

// Nodes snapshots the session's nodes, sorted by id.
func (s *Session) Nodes() []node.Info {
	s.mu.RLock()
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.RUnlock()

	infos := make([]node.Info, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, n.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// NodeCount returns the number of registered nodes.
func (s *Session) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// AddGraph registers a graph under its id.
func (s *Session) AddGraph(g *graph.Graph) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("graph requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %q is closed", s.name)
	}
	if s.idTaken(g.ID) {
		return fmt.Errorf("id %q already in use in session %q", g.ID, s.name)
	}
	s.graphs[g.ID] = g
	return nil
}

// RemoveGraph unregisters a graph, interrupting any active execution.
func (s *Session) RemoveGraph(id string) error {
	s.mu.Lock()
	_, ok := s.graphs[id]
	if ok {
		delete(s.graphs, id)
	}
	exec := s.executions[id]
	delete(s.executions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("graph %q not found in session %q", id, s.name)
	}
	if exec != nil {
		exec.Interrupt()
	}
	return nil
}

// Graph returns a stored graph by id.
func (s *Session) Graph(id string) (*graph.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %q not found in session %q", id, s.name)
	}
	return g, nil
}

// Graphs lists stored graph ids, sorted.
func (s *Session) Graphs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GraphCount returns the number of stored graphs.
func (s *Session) GraphCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.graphs)
}

// TrackExecution records the active execution of a stored graph so it can
// be cancelled. A graph runs at most one execution at a time.
func (s *Session) TrackExecution(graphID string, exec *graph.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.executions[graphID]; running {
		return fmt.Errorf("graph %q is already executing", graphID)
	}
	s.executions[graphID] = exec
	return nil
}

// EndExecution clears the active execution record for a graph.
func (s *Session) EndExecution(graphID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, graphID)
}

// Execution returns the active execution for a graph, if any.
func (s *Session) Execution(graphID string) (*graph.Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[graphID]
	return exec, ok
}

// TrackRun reserves a workflow run id in the session namespace.
func (s *Session) TrackRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %q is closed", s.name)
	}
	if s.idTaken(runID) {
		return fmt.Errorf("id %q already in use in session %q", runID, s.name)
	}
	s.runs[runID] = struct{}{}
	return nil
}

// Runs lists workflow run ids started in this session, sorted.
func (s *Session) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OwnsRun reports whether a run id belongs to this session.
func (s *Session) OwnsRun(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// Close tears the session down: interrupts active graph executions, stops
// every node, and releases per-node resources. Errors are collected, not
// short-circuited.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	nodes := make([]node.Node, 0, len(s.nodes))
	ids := make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		nodes = append(nodes, n)
		ids = append(ids, id)
	}
	s.nodes = make(map[string]node.Node)
	execs := make([]*graph.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		execs = append(execs, exec)
	}
	s.executions = make(map[string]*graph.Execution)
	release := s.release
	s.mu.Unlock()

	for _, exec := range execs {
		exec.Interrupt()
	}

	var g errgroup.Group
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			if err := n.Stop(ctx); err != nil {
				s.log.Warn("Failed to stop node during session close",
					zap.String("session", s.name),
					zap.String("node_id", n.ID()),
					zap.Error(err))
				errs[i] = fmt.Errorf("stop node %s: %w", n.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if release != nil {
		for _, id := range ids {
			release(id)
		}
	}
	return errors.Join(errs...)
}
