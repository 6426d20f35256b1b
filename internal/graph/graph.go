// Package graph executes dependency-ordered collections of node steps with
// bounded parallelism and per-step error policies. A validated graph can
// itself be wrapped as a node, so graphs nest.
package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ensemble-ai/ensemble/internal/node"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Error policy kinds.
const (
	PolicyFailFast       = "fail_fast"
	PolicyContinue       = "continue"
	PolicySkipDownstream = "skip_downstream"
	PolicyRetry          = "retry"
)

// Step terminal statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Policy is a parsed error policy. Retries is meaningful only for retry.
type Policy struct {
	Kind    string
	Retries int
}

// ParsePolicy parses "fail_fast", "continue", "skip_downstream", or
// "retry:N". Empty means fail_fast.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", PolicyFailFast:
		return Policy{Kind: PolicyFailFast}, nil
	case PolicyContinue:
		return Policy{Kind: PolicyContinue}, nil
	case PolicySkipDownstream:
		return Policy{Kind: PolicySkipDownstream}, nil
	}
	if rest, ok := strings.CutPrefix(s, PolicyRetry+":"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return Policy{}, fmt.Errorf("invalid retry count %q", rest)
		}
		return Policy{Kind: PolicyRetry, Retries: n}, nil
	}
	return Policy{}, fmt.Errorf("unknown error policy %q", s)
}

// InputFn derives a step's input from the results of its dependencies,
// keyed by step id.
type InputFn func(deps map[string]node.Result) any

// Step is one unit of a graph. Exactly one of Node and NodeID must be set;
// NodeID references are resolved against the session at execution time.
type Step struct {
	ID     string
	Node   node.Node
	NodeID string

	// Input precedence: InputFn, then Input, then the graph-level input.
	Input   any
	InputFn InputFn

	DependsOn []string
	Policy    Policy
	Parser    parser.Parser
	Timeout   time.Duration
}

// Graph is a validated step collection.
type Graph struct {
	ID          string
	Steps       []Step
	MaxParallel int

	byID map[string]*Step
	topo []string
}

// New validates the steps and returns an executable graph. Validation
// requires unique non-empty step ids, resolvable dependency references,
// exactly one node binding per step, and an acyclic dependency relation.
func New(id string, steps []Step, maxParallel int) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("graph requires at least one step")
	}
	if maxParallel < 0 {
		return nil, fmt.Errorf("max_parallel must not be negative")
	}
	if maxParallel == 0 {
		maxParallel = 1
	}

	g := &Graph{
		ID:          id,
		Steps:       steps,
		MaxParallel: maxParallel,
		byID:        make(map[string]*Step, len(steps)),
	}

	for i := range g.Steps {
		s := &g.Steps[i]
		if s.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := g.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		if (s.Node == nil) == (s.NodeID == "") {
			return nil, fmt.Errorf("step %q must set exactly one of node and node_id", s.ID)
		}
		g.byID[s.ID] = s
	}

	for i := range g.Steps {
		s := &g.Steps[i]
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, fmt.Errorf("step %q depends on itself", s.ID)
			}
			if _, ok := g.byID[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	topo, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.topo = topo
	return g, nil
}

// TopologicalOrder returns a valid dependency ordering of the step ids.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.topo))
	copy(out, g.topo)
	return out
}

// topoSort is Kahn's algorithm; a leftover step means a dependency cycle.
func topoSort(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Steps))
	dependents := make(map[string][]string, len(g.Steps))
	for i := range g.Steps {
		s := &g.Steps[i]
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for i := range g.Steps {
		if indegree[g.Steps[i].ID] == 0 {
			queue = append(queue, g.Steps[i].ID)
		}
	}

	order := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.Steps) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving steps %v", stuck)
	}
	return order, nil
}

// FromSpec builds a graph from its wire form, resolving parser names
// through the registry.
func FromSpec(spec protocol.GraphSpec, parsers *parser.Registry) (*Graph, error) {
	steps := make([]Step, 0, len(spec.Steps))
	for _, ss := range spec.Steps {
		policy, err := ParsePolicy(ss.ErrorPolicy)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", ss.ID, err)
		}

		var input any
		if len(ss.Input) > 0 {
			if err := json.Unmarshal(ss.Input, &input); err != nil {
				return nil, fmt.Errorf("step %q: invalid input: %w", ss.ID, err)
			}
		}

		var p parser.Parser
		if ss.Parser != "" {
			if parsers != nil {
				p = parsers.Resolve(ss.Parser, nil)
			}
			if p == nil {
				return nil, fmt.Errorf("step %q: unknown parser %q", ss.ID, ss.Parser)
			}
		}

		steps = append(steps, Step{
			ID:        ss.ID,
			NodeID:    ss.NodeID,
			Input:     input,
			DependsOn: ss.DependsOn,
			Policy:    policy,
			Parser:    p,
			Timeout:   time.Duration(ss.Timeout * float64(time.Second)),
		})
	}
	return New(spec.GraphID, steps, spec.MaxParallel)
}
