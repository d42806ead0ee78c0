// internal/bridge/parse.go
package bridge

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/emanueleielo/ciana-parrot/internal/events"
)

// Response is the parsed outcome of one bridged CLI invocation: ordered
// events on success, or an error string with no events.
type Response struct {
	Events []events.Event
	Error  string
}

// ParseStream parses the CLI's stream-json output (NDJSON, one object per
// line) into ordered events. Empty lines are ignored; malformed lines are
// logged and skipped; "result" objects are the final metadata record and
// emit nothing. When no line parses as JSON, the raw output is returned as a
// single text event.
func ParseStream(raw string) *Response {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Response{Events: []events.Event{events.TextEvent{Text: "(empty response)"}}}
	}

	parsedAny := false
	var blocks []events.RawBlock

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			slog.Warn("skipping malformed stream-json line", "error", err)
			continue
		}
		parsedAny = true

		if obj["type"] == "result" {
			continue
		}

		content, ok := obj["content"].([]any)
		if !ok {
			if msg, isMap := obj["message"].(map[string]any); isMap {
				content, ok = msg["content"].([]any)
			}
		}
		if !ok {
			continue
		}

		for _, item := range content {
			block, isMap := item.(map[string]any)
			if !isMap {
				continue
			}
			blocks = append(blocks, rawBlockFrom(block)...)
		}
	}

	if !parsedAny {
		// Not stream-json at all; surface the raw output as text.
		return &Response{Events: []events.Event{events.TextEvent{Text: raw}}}
	}

	evs := events.Collate(blocks)
	if len(evs) == 0 {
		evs = []events.Event{events.TextEvent{Text: "(empty response)"}}
	}
	return &Response{Events: evs}
}

// rawBlockFrom maps one decoded content block to raw event blocks. Unknown
// block types are logged and skipped rather than failing the response.
func rawBlockFrom(block map[string]any) []events.RawBlock {
	str := func(key string) string {
		s, _ := block[key].(string)
		return s
	}

	switch str("type") {
	case "tool_use":
		input, _ := block["input"].(map[string]any)
		return []events.RawBlock{{
			Kind:  "tool_use",
			ID:    str("id"),
			Name:  nameOrUnknown(str("name")),
			Input: input,
		}}
	case "tool_result":
		isError, _ := block["is_error"].(bool)
		return []events.RawBlock{{
			Kind:      "tool_result",
			ToolUseID: str("tool_use_id"),
			IsError:   isError,
			Content:   block["content"],
		}}
	case "text":
		if text := strings.TrimSpace(str("text")); text != "" {
			return []events.RawBlock{{Kind: "text", Text: text}}
		}
	case "thinking":
		if text := strings.TrimSpace(str("thinking")); text != "" {
			return []events.RawBlock{{Kind: "thinking", Text: text}}
		}
	default:
		slog.Debug("skipping unknown stream-json block", "type", str("type"))
	}
	return nil
}

func nameOrUnknown(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
