package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ensemble-ai/ensemble/internal/node"
)

// toolRouter exposes every tool-providing node in a session under
// namespaced names of the form <node-id>.<tool-name>.
type toolRouter struct {
	s *Session
}

// ToolRouter returns a router over the session's tool-providing nodes.
func (s *Session) ToolRouter() node.ToolRouter {
	return &toolRouter{s: s}
}

// Tools lists every advertised tool, namespaced by owning node and sorted
// by name.
func (r *toolRouter) Tools() []node.ToolDefinition {
	r.s.mu.RLock()
	providers := make([]node.ToolProvider, 0)
	for _, n := range r.s.nodes {
		if tp, ok := n.(node.ToolProvider); ok {
			providers = append(providers, tp)
		}
	}
	r.s.mu.RUnlock()

	var defs []node.ToolDefinition
	for _, tp := range providers {
		for _, def := range tp.Tools() {
			def.NodeID = tp.ID()
			def.Name = tp.ID() + "." + def.Name
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CallTool routes a namespaced tool call to its owning node.
func (r *toolRouter) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	nodeID, toolName, ok := strings.Cut(name, ".")
	if !ok {
		return "", fmt.Errorf("tool name %q must be <node-id>.<tool-name>", name)
	}
	n, err := r.s.ResolveNode(nodeID)
	if err != nil {
		return "", err
	}
	tp, ok := n.(node.ToolProvider)
	if !ok {
		return "", fmt.Errorf("node %q provides no tools", nodeID)
	}
	return tp.CallTool(ctx, toolName, args)
}
