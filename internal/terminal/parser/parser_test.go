package parser

import (
	"testing"
)

func TestPassthroughParse(t *testing.T) {
	p := PassthroughParser{}
	resp := p.Parse("hello")

	if resp.Raw != "hello" {
		t.Errorf("raw = %q, want hello", resp.Raw)
	}
	if len(resp.Sections) != 1 || resp.Sections[0].Kind != SectionText || resp.Sections[0].Content != "hello" {
		t.Errorf("sections = %+v, want one text section", resp.Sections)
	}
	if !resp.IsReady || !resp.IsComplete {
		t.Error("passthrough output should be ready and complete")
	}
}

func TestParseIdempotentOnRaw(t *testing.T) {
	inputs := []string{"hello", "", "line1\nline2", "⏺ some output\n  detail"}
	parsers := []Parser{PassthroughParser{}, NewClaudeParser()}

	for _, p := range parsers {
		for _, in := range inputs {
			once := p.Parse(in)
			twice := p.Parse(once.Raw)
			if twice.Raw != once.Raw {
				t.Errorf("%s: parse not idempotent on raw for %q", p.Name(), in)
			}
			if len(twice.Sections) != len(once.Sections) {
				t.Errorf("%s: section count changed on reparse of %q", p.Name(), in)
			}
		}
	}
}

func TestClaudeParseUnrecognized(t *testing.T) {
	p := NewClaudeParser()
	resp := p.Parse("plain shell output\nno markers here")

	if len(resp.Sections) != 1 || resp.Sections[0].Kind != SectionText {
		t.Fatalf("sections = %+v, want single text section", resp.Sections)
	}
	if !resp.IsReady {
		t.Error("unrecognized content should be ready")
	}
}

func TestClaudeParseWorkingSpinner(t *testing.T) {
	p := NewClaudeParser()
	resp := p.Parse("✻ Pondering… (esc to interrupt)\r\n")

	if resp.IsReady {
		t.Error("spinner line should report not ready")
	}
}

func TestClaudeParseSections(t *testing.T) {
	p := NewClaudeParser()
	raw := "> do the thing\n" +
		"⏺ I'll run the build now.\n" +
		"⏺ Bash(make build)\n" +
		"  ⎿ ok\n" +
		"⏺ Build finished.\n"
	resp := p.Parse(raw)

	if len(resp.Sections) != 3 {
		t.Fatalf("sections = %d, want 3: %+v", len(resp.Sections), resp.Sections)
	}
	if resp.Sections[0].Kind != SectionText {
		t.Errorf("section 0 kind = %s, want text", resp.Sections[0].Kind)
	}
	if resp.Sections[1].Kind != SectionToolUse {
		t.Errorf("section 1 kind = %s, want tool_use", resp.Sections[1].Kind)
	}
	if tool, _ := resp.Sections[1].Metadata["tool"].(string); tool != "Bash" {
		t.Errorf("tool = %q, want Bash", tool)
	}
	if resp.Sections[2].Content != "Build finished." {
		t.Errorf("section 2 content = %q", resp.Sections[2].Content)
	}
}

func TestClaudeParseThinking(t *testing.T) {
	p := NewClaudeParser()
	resp := p.Parse("⏺ Thinking…\n  considering options\n⏺ Done.\n")

	if len(resp.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(resp.Sections))
	}
	if resp.Sections[0].Kind != SectionThinking {
		t.Errorf("section 0 kind = %s, want thinking", resp.Sections[0].Kind)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	fallback := PassthroughParser{}

	if p := r.Resolve("claude", fallback); p.Name() != "claude" {
		t.Errorf("Resolve(claude) = %s", p.Name())
	}
	if p := r.Resolve("", fallback); p.Name() != "passthrough" {
		t.Errorf("Resolve(empty) should fall back, got %s", p.Name())
	}
	if p := r.Resolve("unknown", fallback); p.Name() != "passthrough" {
		t.Errorf("Resolve(unknown) should fall back, got %s", p.Name())
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain"
	if got := stripANSI(in); got != "red plain" {
		t.Errorf("stripANSI = %q", got)
	}
}
