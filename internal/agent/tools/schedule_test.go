// internal/agent/tools/schedule_test.go
package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanueleielo/ciana-parrot/internal/agent"
	"github.com/emanueleielo/ciana-parrot/internal/state"
)

func newTaskStore(t *testing.T) *state.TaskStore {
	t.Helper()
	return state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
}

func chatCtx() context.Context {
	return agent.WithChatRef(context.Background(), agent.ChatRef{Channel: "telegram", ChatID: "42"})
}

func scheduleArgs(prompt, typ, value string) json.RawMessage {
	args, _ := json.Marshal(map[string]string{
		"prompt":         prompt,
		"schedule_type":  typ,
		"schedule_value": value,
	})
	return args
}

func TestScheduleTaskBindsChatContext(t *testing.T) {
	store := newTaskStore(t)
	tool := NewSchedule(store)

	out, err := tool.Execute(chatCtx(), scheduleArgs("water the plants", "interval", "3600"))
	require.NoError(t, err)
	assert.Contains(t, out, "Task scheduled")

	tasks, err := store.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Len(t, task.ID, state.TaskIDLength)
	assert.Equal(t, "water the plants", task.Prompt)
	assert.Equal(t, state.TypeInterval, task.Type)
	assert.Equal(t, "3600", task.Value)
	assert.Equal(t, "telegram", task.Channel)
	assert.Equal(t, "42", task.ChatID)
	assert.True(t, task.Active)
	assert.Nil(t, task.LastRun)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestScheduleTaskDuplicateRequestsGetDistinctIDs(t *testing.T) {
	store := newTaskStore(t)
	tool := NewSchedule(store)

	args := scheduleArgs("same thing", "interval", "60")
	_, err := tool.Execute(chatCtx(), args)
	require.NoError(t, err)
	_, err = tool.Execute(chatCtx(), args)
	require.NoError(t, err)

	tasks, err := store.List()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)
}

func TestScheduleTaskValidation(t *testing.T) {
	store := newTaskStore(t)
	tool := NewSchedule(store)

	tests := []struct {
		name  string
		typ   string
		value string
		want  string
	}{
		{"bad type", "hourly", "1", "Invalid schedule_type"},
		{"bad cron", "cron", "not cron", "Invalid cron expression"},
		{"bad interval", "interval", "soon", "not a valid integer"},
		{"zero interval", "interval", "0", "positive number"},
		{"negative interval", "interval", "-5", "positive number"},
		{"bad timestamp", "once", "tomorrow", "Invalid ISO timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tool.Execute(chatCtx(), scheduleArgs("p", tt.typ, tt.value))
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}

	tasks, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, tasks, "invalid requests must not create records")
}

func TestScheduleTaskAcceptsValidValues(t *testing.T) {
	store := newTaskStore(t)
	tool := NewSchedule(store)

	valid := [][2]string{
		{"cron", "0 9 * * 1-5"},
		{"cron", "@daily"},
		{"interval", "900"},
		{"once", "2030-01-01T00:00:00Z"},
		{"once", "2030-01-01T09:30:00"},
	}
	for _, v := range valid {
		out, err := tool.Execute(chatCtx(), scheduleArgs("p", v[0], v[1]))
		require.NoError(t, err)
		assert.Contains(t, out, "Task scheduled", "type=%s value=%s", v[0], v[1])
	}
}

func TestListTasks(t *testing.T) {
	store := newTaskStore(t)
	lister := NewListTasks(store)

	out, err := lister.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "No active scheduled tasks.", out)

	now := time.Now().UTC()
	require.NoError(t, store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
		return append(tasks,
			&state.Task{ID: "aaaa1111", Prompt: "active one", Type: state.TypeCron, Value: "@daily", Active: true},
			&state.Task{ID: "bbbb2222", Prompt: "cancelled one", Type: state.TypeOnce, Value: "x", Active: false, LastRun: &now},
		), nil
	}))

	out, err = lister.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "aaaa1111")
	assert.Contains(t, out, "active one")
	assert.Contains(t, out, "last_run=never")
	assert.NotContains(t, out, "bbbb2222", "inactive tasks are hidden")
}

func TestCancelTask(t *testing.T) {
	store := newTaskStore(t)
	require.NoError(t, store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
		return append(tasks, &state.Task{ID: "gone1234", Active: true}), nil
	}))

	tool := NewCancelTask(store)

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"task_id":"gone1234"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	tasks, err := store.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1, "cancellation flips the flag, never deletes")
	assert.False(t, tasks[0].Active)

	out, err = tool.Execute(context.Background(), json.RawMessage(`{"task_id":"missing0"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
}
