package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tuzig/vt10x"
)

// Claude Code CLI TUI patterns. The working line carries a spinner glyph, an
// ellipsis, and an interrupt hint while the CLI is producing output; the
// prompt box reappears when the turn is finished.
var (
	claudeWorkingPattern = regexp.MustCompile(
		`^\s*[✻✽✶∴·○◆▸✢*]\s+.+[…\.]{1,}.*\((esc|ctrl\+c)\s+to\s+interrupt`)
	claudePromptPattern    = regexp.MustCompile(`^\s*[>│]\s*$|^\s*│\s*>\s`)
	claudeSeparatorPattern = regexp.MustCompile(`^[─━═┄┅┈┉]{10,}`)
	claudeTokenPattern     = regexp.MustCompile(`([\d.]+)k?\s+tokens`)
	claudeMarkerPattern    = regexp.MustCompile(`^⏺\s?`)
	claudeToolPattern      = regexp.MustCompile(`^([A-Z][A-Za-z]+)\((.*)\)\s*$`)
	claudeThinkingPattern  = regexp.MustCompile(`^[✻✽✶∴]?\s*Thinking…?`)
	ansiEscapePattern      = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07]*(\x07|\x1b\\)|[()][AB012])`)
)

const (
	claudeScreenCols = 200
	claudeScreenRows = 50
)

// ClaudeParser recognizes the Claude Code CLI's TUI: thinking blocks, tool
// invocations, the prompt box, and the working spinner. Readiness is detected
// on the rendered screen (the raw buffer is replayed through a virtual
// terminal so cursor movement and redraws resolve the way a human would see
// them); sections are split from the ANSI-stripped buffer so scrolled-away
// output is kept.
type ClaudeParser struct {
	cols, rows int
}

// NewClaudeParser builds a parser with the default virtual screen size.
func NewClaudeParser() *ClaudeParser {
	return &ClaudeParser{cols: claudeScreenCols, rows: claudeScreenRows}
}

// Name implements Parser.
func (p *ClaudeParser) Name() string { return "claude" }

// Parse implements Parser.
func (p *ClaudeParser) Parse(raw string) ParsedResponse {
	screen := p.renderScreen(raw)

	ready := true
	for _, line := range screen {
		if claudeWorkingPattern.MatchString(strings.TrimRight(line, " \t")) {
			ready = false
			break
		}
	}

	sections := p.splitSections(stripANSI(raw))
	if len(sections) == 0 {
		sections = []Section{{Kind: SectionText, Content: raw}}
	}

	return ParsedResponse{
		Raw:        raw,
		Sections:   sections,
		Tokens:     extractTokens(screen),
		IsReady:    ready,
		IsComplete: ready && hasPromptBox(screen),
	}
}

// renderScreen replays the buffer through a vt10x virtual terminal and
// returns the visible lines.
func (p *ClaudeParser) renderScreen(raw string) []string {
	term := vt10x.New(vt10x.WithSize(p.cols, p.rows))
	_, _ = term.Write([]byte(raw))

	lines := make([]string, p.rows)
	for row := 0; row < p.rows; row++ {
		chars := make([]rune, 0, p.cols)
		for col := 0; col < p.cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return lines
}

// splitSections splits the stripped buffer on ⏺ markers into text, tool_use,
// and thinking sections. Content before the first marker is dropped when a
// marker exists (it is the echoed prompt and chrome), otherwise the whole
// buffer is one text section.
func (p *ClaudeParser) splitSections(stripped string) []Section {
	lines := strings.Split(stripped, "\n")

	var sections []Section
	var current *Section
	sawMarker := false

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimRight(current.Content, " \n")
		if current.Content != "" || current.Kind == SectionToolUse {
			sections = append(sections, *current)
		}
		current = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if claudeSeparatorPattern.MatchString(strings.TrimSpace(trimmed)) {
			continue
		}

		if claudeMarkerPattern.MatchString(strings.TrimLeft(trimmed, " ")) {
			flush()
			sawMarker = true
			body := claudeMarkerPattern.ReplaceAllString(strings.TrimLeft(trimmed, " "), "")

			if m := claudeToolPattern.FindStringSubmatch(body); m != nil {
				current = &Section{
					Kind:    SectionToolUse,
					Content: body,
					Metadata: map[string]any{
						"tool": m[1],
						"args": m[2],
					},
				}
				continue
			}
			if claudeThinkingPattern.MatchString(body) {
				current = &Section{Kind: SectionThinking, Content: ""}
				continue
			}
			current = &Section{Kind: SectionText, Content: body}
			continue
		}

		if current != nil {
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += strings.TrimPrefix(trimmed, "  ")
		}
	}
	flush()

	if !sawMarker {
		return nil
	}
	return sections
}

// hasPromptBox reports whether the rendered screen shows the input prompt.
func hasPromptBox(screen []string) bool {
	for i := len(screen) - 1; i >= 0; i-- {
		if claudePromptPattern.MatchString(screen[i]) {
			return true
		}
	}
	return false
}

// extractTokens pulls the token count from the status line when present.
// "1.2k tokens" rounds to whole tokens.
func extractTokens(screen []string) int {
	for i := len(screen) - 1; i >= 0; i-- {
		m := claudeTokenPattern.FindStringSubmatch(screen[i])
		if m == nil {
			continue
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if strings.Contains(screen[i], m[1]+"k") {
			n *= 1000
		}
		return int(n)
	}
	return 0
}

// stripANSI removes escape sequences so section splitting sees plain text.
func stripANSI(s string) string {
	return ansiEscapePattern.ReplaceAllString(s, "")
}
