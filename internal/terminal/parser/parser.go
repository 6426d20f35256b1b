// Package parser interprets raw terminal buffers into structured responses.
//
// A parser is a stateless transformer: Parse never fails, and on content it
// does not recognize it returns the whole input as a single text section that
// is both ready and complete. Parsers may report IsReady=false to signal that
// the terminal is still producing output for the current turn; terminal nodes
// poll until the parser declares readiness.
package parser

// Section kinds.
const (
	SectionText     = "text"
	SectionThinking = "thinking"
	SectionToolUse  = "tool_use"
)

// Section is one recognized region of terminal output.
type Section struct {
	Kind     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParsedResponse is the immutable result of parsing a raw buffer.
type ParsedResponse struct {
	Raw        string    `json:"raw"`
	Sections   []Section `json:"sections"`
	Tokens     int       `json:"tokens,omitempty"`
	IsReady    bool      `json:"is_ready"`
	IsComplete bool      `json:"is_complete"`
}

// Parser transforms a raw terminal buffer into a ParsedResponse.
type Parser interface {
	// Name identifies the parser for per-call selection.
	Name() string
	// Parse never fails; unrecognized content becomes a single text section.
	Parse(raw string) ParsedResponse
}

// PassthroughParser returns the raw buffer as one text section, always ready
// and complete.
type PassthroughParser struct{}

// Name implements Parser.
func (PassthroughParser) Name() string { return "passthrough" }

// Parse implements Parser.
func (PassthroughParser) Parse(raw string) ParsedResponse {
	return ParsedResponse{
		Raw:        raw,
		Sections:   []Section{{Kind: SectionText, Content: raw}},
		IsReady:    true,
		IsComplete: true,
	}
}

// Registry maps parser names to implementations for per-call overrides.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(PassthroughParser{})
	r.Register(NewClaudeParser())
	return r
}

// Register adds a parser under its name.
func (r *Registry) Register(p Parser) {
	r.parsers[p.Name()] = p
}

// Resolve returns the named parser, or fallback when the name is empty or
// unknown.
func (r *Registry) Resolve(name string, fallback Parser) Parser {
	if name == "" {
		return fallback
	}
	if p, ok := r.parsers[name]; ok {
		return p
	}
	return fallback
}
