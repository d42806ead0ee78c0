// Package events defines the tagged event variants produced by parsing agent
// responses and bridged-CLI output, and the collation logic that pairs tool
// invocations with their results.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Limits for tool result truncation.
const (
	toolResultMaxChars = 12000
	inputSummaryLen    = 70
)

// Event is one renderable unit of an assistant response. The three
// implementations are TextEvent, ThinkingEvent, and ToolCallEvent; consumers
// render them in order.
type Event interface {
	event()
}

// TextEvent is a plain text block from the assistant.
type TextEvent struct {
	Text string
}

// ThinkingEvent is an extended-thinking block.
type ThinkingEvent struct {
	Text string
}

// ToolCallEvent is a single tool invocation paired with its result.
type ToolCallEvent struct {
	ToolID       string
	Name         string
	InputSummary string
	ResultText   string
	IsError      bool
}

func (TextEvent) event()     {}
func (ThinkingEvent) event() {}
func (ToolCallEvent) event() {}

// RawBlock is an unpaired content block as it appears on the wire, before
// tool_use/tool_result pairing. Kind is one of "text", "thinking",
// "tool_use", "tool_result".
type RawBlock struct {
	Kind      string
	Text      string
	ID        string
	Name      string
	Input     map[string]any
	ToolUseID string
	IsError   bool
	Content   any
}

// Collate pairs tool_use blocks with their tool_result by correlation id and
// returns ordered events. Results whose tool_use was never seen are surfaced
// only when they carry an error; other orphans are dropped.
func Collate(raw []RawBlock) []Event {
	resultsByID := make(map[string]RawBlock)
	for _, b := range raw {
		if b.Kind == "tool_result" {
			resultsByID[b.ToolUseID] = b
		}
	}

	var out []Event
	seen := make(map[string]bool)

	for _, b := range raw {
		switch b.Kind {
		case "thinking":
			out = append(out, ThinkingEvent{Text: b.Text})

		case "tool_use":
			ev := ToolCallEvent{
				ToolID:       b.ID,
				Name:         b.Name,
				InputSummary: SummarizeToolInput(b.Name, b.Input),
			}
			if res, ok := resultsByID[b.ID]; ok {
				seen[b.ID] = true
				ev.IsError = res.IsError
				ev.ResultText = ExtractToolResultText(res.Content)
			}
			out = append(out, ev)

		case "tool_result":
			if seen[b.ToolUseID] {
				continue
			}
			seen[b.ToolUseID] = true
			if b.IsError {
				out = append(out, ToolCallEvent{
					ToolID:     b.ToolUseID,
					Name:       "unknown",
					ResultText: ExtractToolResultText(b.Content),
					IsError:    true,
				})
			}

		case "text":
			out = append(out, TextEvent{Text: b.Text})
		}
	}
	return out
}

// FinalText returns the content of the last TextEvent, or "" if none.
func FinalText(evs []Event) string {
	text := ""
	for _, ev := range evs {
		if t, ok := ev.(TextEvent); ok {
			text = t.Text
		}
	}
	return text
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// SummarizeToolInput creates a compact one-line summary of tool input for
// display alongside the tool name.
func SummarizeToolInput(toolName string, input map[string]any) string {
	str := func(key string) (string, bool) {
		v, ok := input[key].(string)
		return v, ok && v != ""
	}

	switch toolName {
	case "Read", "Write", "Edit", "NotebookEdit", "read_file", "write_file", "edit_file":
		if fp, ok := str("file_path"); ok {
			return fp[strings.LastIndex(fp, "/")+1:]
		}
		if fp, ok := str("path"); ok {
			return fp[strings.LastIndex(fp, "/")+1:]
		}
		return ""
	case "Glob", "Grep", "glob", "grep":
		if p, ok := str("pattern"); ok {
			return clip(p, 60)
		}
		return ""
	case "Bash", "host_execute":
		if cmd, ok := str("command"); ok {
			return clip(cmd, inputSummaryLen)
		}
		return ""
	}

	for _, key := range []string{"file_path", "command", "pattern", "query", "url"} {
		if v, ok := str(key); ok {
			return clip(v, inputSummaryLen)
		}
	}
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return clip(s, 60)
		}
	}
	return ""
}

// toolDisplayNames maps internal tool names to human-friendly labels.
var toolDisplayNames = map[string]string{
	"web_search":    "Web Search",
	"web_fetch":     "Web Fetch",
	"schedule_task": "Schedule",
	"list_tasks":    "Tasks",
	"cancel_task":   "Cancel Task",
	"read_file":     "Read",
	"write_file":    "Write",
	"edit_file":     "Edit",
	"NotebookRead":  "Read",
	"NotebookEdit":  "Edit",
}

// ResolveDisplayName returns a human-friendly label for a tool call, or ""
// to use the raw tool name. For host_execute the bridge name becomes the
// label (e.g. "Apple Notes").
func ResolveDisplayName(toolName string, input map[string]any) string {
	if toolName == "host_execute" {
		bridge, _ := input["bridge"].(string)
		if bridge == "" {
			return "Host"
		}
		words := strings.Split(bridge, "-")
		for i, w := range words {
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
		return strings.Join(words, " ")
	}
	return toolDisplayNames[toolName]
}

// ExtractToolResultText normalizes tool result content (string, list, or
// object form) into plain text.
func ExtractToolResultText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		var texts []string
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				switch it["type"] {
				case "text":
					if t, ok := it["text"].(string); ok {
						texts = append(texts, t)
					}
				case "image":
					texts = append(texts, "[image]")
				default:
					texts = append(texts, fmt.Sprintf("%v", it))
				}
			case string:
				texts = append(texts, it)
			}
		}
		return strings.TrimSpace(strings.Join(texts, "\n"))
	case map[string]any:
		if v["type"] == "text" {
			if t, ok := v["text"].(string); ok {
				return strings.TrimSpace(t)
			}
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		s := string(data)
		if len(s) > toolResultMaxChars {
			s = s[:toolResultMaxChars]
		}
		return s
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
