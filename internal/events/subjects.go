// Package events provides the subject layout and publishing sinks for the
// Ensemble event stream.
//
// Subjects are hierarchical, NATS-style tokens:
//
//	ensemble.<session>.session            session lifecycle
//	ensemble.<session>.node.<node_id>     node lifecycle and output
//	ensemble.<session>.graph.<graph_id>   graph lifecycle and step events
//	ensemble.<session>.run.<run_id>       workflow run events
//
// Subscribers use wildcard patterns to scope their view: SessionPattern for
// one session, AllPattern for the whole server.
package events

import "strings"

const subjectRoot = "ensemble"

// sanitizeToken makes a name safe for use as one subject token.
func sanitizeToken(name string) string {
	if name == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(name)
}

// SessionSubject is the subject for session-level events.
func SessionSubject(session string) string {
	return subjectRoot + "." + sanitizeToken(session) + ".session"
}

// NodeSubject is the subject for one node's events.
func NodeSubject(session, nodeID string) string {
	return subjectRoot + "." + sanitizeToken(session) + ".node." + sanitizeToken(nodeID)
}

// GraphSubject is the subject for one graph's events.
func GraphSubject(session, graphID string) string {
	return subjectRoot + "." + sanitizeToken(session) + ".graph." + sanitizeToken(graphID)
}

// RunSubject is the subject for one workflow run's events.
func RunSubject(session, runID string) string {
	return subjectRoot + "." + sanitizeToken(session) + ".run." + sanitizeToken(runID)
}

// SessionPattern matches every event in one session.
func SessionPattern(session string) string {
	return subjectRoot + "." + sanitizeToken(session) + ".>"
}

// AllPattern matches every event on the server.
func AllPattern() string {
	return subjectRoot + ".>"
}
