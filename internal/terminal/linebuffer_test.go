package terminal

import (
	"strings"
	"testing"
)

func TestLineBufferAppendAndRead(t *testing.T) {
	b := newLineBuffer(10)
	b.Append("hello\nwor")
	b.Append("ld\n")
	b.Append("tail")

	if got := b.String(); got != "hello\nworld\ntail" {
		t.Errorf("String() = %q", got)
	}

	// Reads are non-destructive.
	if got := b.String(); got != "hello\nworld\ntail" {
		t.Errorf("second String() = %q", got)
	}
}

func TestLineBufferTruncatesToCap(t *testing.T) {
	b := newLineBuffer(3)
	for i := 0; i < 10; i++ {
		b.Append("line\n")
	}

	got := b.String()
	if n := strings.Count(got, "\n"); n != 3 {
		t.Errorf("buffer holds %d lines, want 3: %q", n, got)
	}
}

func TestLineBufferTail(t *testing.T) {
	b := newLineBuffer(100)
	b.Append("a\nb\nc\nd\n")

	if got := b.Tail(2); got != "c\nd\n" {
		t.Errorf("Tail(2) = %q", got)
	}
	if got := b.Tail(100); got != "a\nb\nc\nd\n" {
		t.Errorf("Tail(100) = %q", got)
	}
}

func TestLineBufferTailIncludesPartial(t *testing.T) {
	b := newLineBuffer(100)
	b.Append("a\nb\npartial")

	if got := b.Tail(2); got != "b\npartial" {
		t.Errorf("Tail(2) = %q", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{Command: "sh"}).withDefaults()
	if cfg.Cols <= 0 || cfg.Rows <= 0 || cfg.BufferLines <= 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ReadyTimeout <= 0 || cfg.PollInterval <= 0 {
		t.Errorf("timeout defaults not applied: %+v", cfg)
	}
}
