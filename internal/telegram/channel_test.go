package telegram

import (
	"strings"
	"testing"

	"github.com/emanueleielo/ciana-parrot/internal/events"
)

func TestSplitMessageShort(t *testing.T) {
	parts := splitMessage("hello")
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("unexpected parts: %v", parts)
	}
}

func TestSplitMessageAtBoundary(t *testing.T) {
	exact := strings.Repeat("a", maxMessageLength)
	if parts := splitMessage(exact); len(parts) != 1 {
		t.Errorf("exact-limit message split into %d parts", len(parts))
	}

	over := strings.Repeat("a", maxMessageLength+1)
	parts := splitMessage(over)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxMessageLength || len(parts[1]) != 1 {
		t.Errorf("bad split sizes: %d, %d", len(parts[0]), len(parts[1]))
	}
}

func TestSplitMessageCountsRunes(t *testing.T) {
	// Multibyte text must split on rune boundaries, not bytes.
	text := strings.Repeat("é", maxMessageLength+10)
	parts := splitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	for i, p := range parts {
		if strings.ContainsRune(p, '�') {
			t.Errorf("part %d contains a broken rune", i)
		}
	}
	if got := len([]rune(parts[0])); got != maxMessageLength {
		t.Errorf("first part has %d runes", got)
	}
}

func TestRenderEvents(t *testing.T) {
	evs := []events.Event{
		events.ThinkingEvent{Text: "pondering"},
		events.ToolCallEvent{Name: "Bash", InputSummary: "ls"},
		events.ToolCallEvent{Name: "Write", InputSummary: "main.go", IsError: true},
		events.TextEvent{Text: "All set."},
	}

	got := renderEvents(evs)
	want := "• Bash: ls\n• Write: main.go (failed)\nAll set."
	if got != want {
		t.Errorf("renderEvents = %q, want %q", got, want)
	}
}

func TestRenderEventsUsesDisplayNames(t *testing.T) {
	got := renderEvents([]events.Event{
		events.ToolCallEvent{Name: "schedule_task", InputSummary: "remind me"},
	})
	if got != "• Schedule: remind me" {
		t.Errorf("renderEvents = %q", got)
	}
}

func TestRenderEventsEmpty(t *testing.T) {
	if got := renderEvents(nil); got != "" {
		t.Errorf("renderEvents(nil) = %q", got)
	}
}
