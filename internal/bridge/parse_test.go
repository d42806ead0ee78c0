// internal/bridge/parse_test.go
package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanueleielo/ciana-parrot/internal/events"
)

func TestParseStreamFullExchange(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"planning"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"main.go"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"One file."}]}}
{"type":"result","subtype":"success","result":"One file."}`

	resp := ParseStream(raw)
	require.Empty(t, resp.Error)
	require.Len(t, resp.Events, 3)

	assert.Equal(t, events.ThinkingEvent{Text: "planning"}, resp.Events[0])

	tc, ok := resp.Events[1].(events.ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "t1", tc.ToolID)
	assert.Equal(t, "Bash", tc.Name)
	assert.Equal(t, "ls", tc.InputSummary)
	assert.Equal(t, "main.go", tc.ResultText)
	assert.False(t, tc.IsError)

	assert.Equal(t, events.TextEvent{Text: "One file."}, resp.Events[2])
}

func TestParseStreamResultRecordEmitsNothing(t *testing.T) {
	raw := `{"type":"result","subtype":"success","result":"ignored","content":[{"type":"text","text":"hidden"}]}`
	resp := ParseStream(raw)
	// Only the empty-response placeholder; the result record itself emits
	// no events.
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "(empty response)"}, resp.Events[0])
}

func TestParseStreamSkipsMalformedLines(t *testing.T) {
	raw := `{"type":"assistant","content":[{"type":"text","text":"before"}]}
this is not json at all
{"type":"assistant","content":[{"type":"text","text":"after"}]}`

	resp := ParseStream(raw)
	require.Empty(t, resp.Error)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, events.TextEvent{Text: "before"}, resp.Events[0])
	assert.Equal(t, events.TextEvent{Text: "after"}, resp.Events[1])
}

func TestParseStreamIgnoresEmptyLines(t *testing.T) {
	raw := "\n\n{\"type\":\"assistant\",\"content\":[{\"type\":\"text\",\"text\":\"hi\"}]}\n\n"
	resp := ParseStream(raw)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "hi"}, resp.Events[0])
}

func TestParseStreamNonJSONFallsBackToRawText(t *testing.T) {
	resp := ParseStream("plain CLI output, not stream-json")
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "plain CLI output, not stream-json"}, resp.Events[0])
}

func TestParseStreamEmpty(t *testing.T) {
	resp := ParseStream("   \n  ")
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "(empty response)"}, resp.Events[0])
}

func TestParseStreamErrorToolResult(t *testing.T) {
	raw := `{"type":"assistant","content":[{"type":"tool_use","id":"t9","name":"Write","input":{"file_path":"/x/y.go"}}]}
{"type":"user","content":[{"type":"tool_result","tool_use_id":"t9","is_error":true,"content":[{"type":"text","text":"permission denied"}]}]}`

	resp := ParseStream(raw)
	require.Len(t, resp.Events, 1)
	tc := resp.Events[0].(events.ToolCallEvent)
	assert.True(t, tc.IsError)
	assert.Equal(t, "permission denied", tc.ResultText)
	assert.Equal(t, "y.go", tc.InputSummary)
}

func TestParseStreamUnknownBlockSkipped(t *testing.T) {
	raw := `{"type":"assistant","content":[{"type":"hologram","data":"??"},{"type":"text","text":"still works"}]}`
	resp := ParseStream(raw)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "still works"}, resp.Events[0])
}
