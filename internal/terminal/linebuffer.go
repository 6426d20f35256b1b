package terminal

import (
	"strings"
	"sync"
)

// lineBuffer is a rolling buffer of terminal output capped to a maximum
// number of lines. Appends keep at most maxLines complete lines plus the
// current partial line; reads are non-destructive snapshots.
type lineBuffer struct {
	mu       sync.RWMutex
	lines    []string
	partial  string
	maxLines int
}

func newLineBuffer(maxLines int) *lineBuffer {
	return &lineBuffer{maxLines: maxLines}
}

// Append adds a chunk of raw output, splitting on newlines and truncating
// the head when the line cap is exceeded.
func (b *lineBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := strings.Split(b.partial+chunk, "\n")
	b.partial = parts[len(parts)-1]
	b.lines = append(b.lines, parts[:len(parts)-1]...)

	if len(b.lines) > b.maxLines {
		// Copy rather than reslice so the dropped head becomes collectable.
		kept := make([]string, b.maxLines)
		copy(kept, b.lines[len(b.lines)-b.maxLines:])
		b.lines = kept
	}
}

// String returns the whole buffer, oldest line first.
func (b *lineBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.join(b.lines)
}

// Tail returns the last n lines of the buffer.
func (b *lineBuffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lines := b.lines
	extra := 0
	if b.partial != "" {
		extra = 1
	}
	if n < len(lines)+extra {
		start := len(lines) + extra - n
		if start > len(lines) {
			start = len(lines)
		}
		lines = lines[start:]
	}
	return b.join(lines)
}

// Len reports the total byte length of the buffer contents.
func (b *lineBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.partial)
	for _, l := range b.lines {
		n += len(l) + 1
	}
	return n
}

func (b *lineBuffer) join(lines []string) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString(b.partial)
	return sb.String()
}
