// Package tools contains the agent's built-in tools. Each tool is a struct
// whose factory binds its dependencies; the agent receives already-bound
// tools through the registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emanueleielo/ciana-parrot/internal/agent"
	"github.com/emanueleielo/ciana-parrot/internal/state"
)

const promptPreviewLen = 60

// cronParser accepts standard 5-field expressions plus @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule creates scheduled tasks bound to the chat the triggering message
// came from.
type Schedule struct {
	store *state.TaskStore
}

// NewSchedule creates the schedule_task tool over the given task store.
func NewSchedule(store *state.TaskStore) *Schedule {
	return &Schedule{store: store}
}

func (s *Schedule) Name() string { return "schedule_task" }

func (s *Schedule) Description() string {
	return "Schedule a task to run later or on a recurring basis. The task prompt is executed by the agent and the result is sent to this chat."
}

func (s *Schedule) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "What the agent should do when the task runs"},
			"schedule_type": {"type": "string", "enum": ["cron", "interval", "once"], "description": "cron expression, interval in seconds, or a one-shot ISO timestamp"},
			"schedule_value": {"type": "string", "description": "The schedule value matching the type"}
		},
		"required": ["prompt", "schedule_type", "schedule_value"]
	}`)
}

func (s *Schedule) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Prompt        string `json:"prompt"`
		ScheduleType  string `json:"schedule_type"`
		ScheduleValue string `json:"schedule_value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	if msg := validateSchedule(params.ScheduleType, params.ScheduleValue); msg != "" {
		return msg, nil
	}

	ref, _ := agent.ChatRefFrom(ctx)

	var id string
	err := s.store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
		id = state.NewTaskID(tasks)
		return append(tasks, &state.Task{
			ID:        id,
			Prompt:    params.Prompt,
			Type:      params.ScheduleType,
			Value:     params.ScheduleValue,
			Channel:   ref.Channel,
			ChatID:    ref.ChatID,
			CreatedAt: time.Now().UTC(),
			Active:    true,
		}), nil
	})
	if err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}

	slog.Info("scheduled task",
		"id", id,
		"type", params.ScheduleType,
		"value", params.ScheduleValue,
		"channel", ref.Channel,
		"chat_id", ref.ChatID,
	)
	return fmt.Sprintf("Task scheduled: id=%s, type=%s, value=%s", id, params.ScheduleType, params.ScheduleValue), nil
}

// validateSchedule checks the type/value pair and returns a tool-visible
// message on failure, or "" when valid.
func validateSchedule(scheduleType, value string) string {
	switch scheduleType {
	case state.TypeCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Sprintf("Invalid cron expression '%s': %v", value, err)
		}
	case state.TypeInterval:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Sprintf("Invalid interval: '%s' is not a valid integer.", value)
		}
		if n <= 0 {
			return fmt.Sprintf("Invalid interval: must be a positive number of seconds, got '%s'.", value)
		}
	case state.TypeOnce:
		if _, err := parseISOTime(value); err != nil {
			return fmt.Sprintf("Invalid ISO timestamp: '%s'. Use format like '2025-01-15T10:00:00Z'.", value)
		}
	default:
		return fmt.Sprintf("Invalid schedule_type: %s. Use 'cron', 'interval', or 'once'.", scheduleType)
	}
	return ""
}

// parseISOTime parses an ISO 8601 timestamp; a missing zone means UTC.
func parseISOTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", value)
}

// ListTasks reports the active scheduled tasks.
type ListTasks struct {
	store *state.TaskStore
}

// NewListTasks creates the list_tasks tool over the given task store.
func NewListTasks(store *state.TaskStore) *ListTasks {
	return &ListTasks{store: store}
}

func (l *ListTasks) Name() string        { return "list_tasks" }
func (l *ListTasks) Description() string { return "List all active scheduled tasks." }

func (l *ListTasks) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (l *ListTasks) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	tasks, err := l.store.List()
	if err != nil {
		return "", fmt.Errorf("load tasks: %w", err)
	}

	var lines []string
	for _, t := range tasks {
		if !t.Active {
			continue
		}
		lastRun := "never"
		if t.LastRun != nil {
			lastRun = t.LastRun.UTC().Format(time.RFC3339)
		}
		prompt := t.Prompt
		if len(prompt) > promptPreviewLen {
			prompt = prompt[:promptPreviewLen]
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s=%s | %s | last_run=%s", t.ID, t.Type, t.Value, prompt, lastRun))
	}
	if len(lines) == 0 {
		return "No active scheduled tasks.", nil
	}
	return strings.Join(lines, "\n"), nil
}

// CancelTask deactivates a scheduled task by id. Records are kept for audit.
type CancelTask struct {
	store *state.TaskStore
}

// NewCancelTask creates the cancel_task tool over the given task store.
func NewCancelTask(store *state.TaskStore) *CancelTask {
	return &CancelTask{store: store}
}

func (c *CancelTask) Name() string        { return "cancel_task" }
func (c *CancelTask) Description() string { return "Cancel a scheduled task by its ID." }

func (c *CancelTask) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "description": "The task ID to cancel"}
		},
		"required": ["task_id"]
	}`)
}

func (c *CancelTask) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	found := false
	err := c.store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
		for _, t := range tasks {
			if t.ID == params.TaskID {
				t.Active = false
				found = true
				break
			}
		}
		return tasks, nil
	})
	if err != nil {
		return "", fmt.Errorf("update tasks: %w", err)
	}

	if !found {
		return fmt.Sprintf("Task %s not found.", params.TaskID), nil
	}
	slog.Info("cancelled task", "id", params.TaskID)
	return fmt.Sprintf("Task %s cancelled.", params.TaskID), nil
}
