// Package scheduler polls the task store and executes due tasks through the
// agent, fanning results back to the chats that created them.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emanueleielo/ciana-parrot/internal/agent"
	"github.com/emanueleielo/ciana-parrot/internal/state"
	"github.com/emanueleielo/ciana-parrot/internal/types"
	"github.com/emanueleielo/ciana-parrot/pkg/llm"
)

// cronParser accepts standard 5-field cron expressions plus @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs a periodic due-check loop over the task store. Due-marking
// happens under the store lock; task bodies execute concurrently outside it,
// so a slow task never delays the next cycle's due check.
type Scheduler struct {
	store        *state.TaskStore
	agent        types.Agent
	channels     map[string]types.Channel
	pollInterval time.Duration

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup // in-flight task executions
}

// New creates a Scheduler. pollInterval is clamped to at least one second.
func New(store *state.TaskStore, ag types.Agent, channels map[string]types.Channel, pollInterval time.Duration) *Scheduler {
	if pollInterval < time.Second {
		pollInterval = time.Second
	}
	return &Scheduler{
		store:        store,
		agent:        ag,
		channels:     channels,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the polling loop.
func (s *Scheduler) Start() {
	go s.loop()
	slog.Info("scheduler started", "poll_interval", s.pollInterval)
}

// Stop requests termination, waits for the loop to finish its current cycle,
// then waits for all in-flight task executions. Executions are not
// interrupted; they run to completion.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.checkAndRun(); err != nil {
				slog.Error("scheduler cycle failed", "error", err)
			}
		}
	}
}

// checkAndRun marks due tasks (last_run advance, one-shot deactivation)
// under the store lock, persists, then launches their executions.
func (s *Scheduler) checkAndRun() error {
	now := time.Now().UTC()
	var due []*state.Task

	err := s.store.Mutate(func(tasks []*state.Task) ([]*state.Task, error) {
		for _, t := range tasks {
			if !t.Active || !isDue(t, now) {
				continue
			}
			lastRun := now
			t.LastRun = &lastRun
			if t.Type == state.TypeOnce {
				t.Active = false
			}
			snapshot := *t
			due = append(due, &snapshot)
		}
		return tasks, nil
	})
	if err != nil {
		return err
	}

	for _, task := range due {
		slog.Info("running scheduled task", "id", task.ID, "type", task.Type)
		s.wg.Add(1)
		go func(t *state.Task) {
			defer s.wg.Done()
			s.execute(t)
		}(task)
	}
	return nil
}

// isDue reports whether a task has reached its next firing condition.
// Invalid schedule values make a task never-due; they are logged, not fatal.
func isDue(t *state.Task, now time.Time) bool {
	switch t.Type {
	case state.TypeOnce:
		if t.LastRun != nil {
			return false
		}
		target, err := parseISOTime(t.Value)
		if err != nil {
			slog.Warn("invalid once timestamp", "id", t.ID, "value", t.Value)
			return false
		}
		return !now.Before(target)

	case state.TypeInterval:
		seconds, err := strconv.Atoi(t.Value)
		if err != nil || seconds <= 0 {
			slog.Warn("invalid interval", "id", t.ID, "value", t.Value)
			return false
		}
		if t.LastRun == nil {
			return true
		}
		return now.Sub(*t.LastRun) >= time.Duration(seconds)*time.Second

	case state.TypeCron:
		sched, err := cronParser.Parse(t.Value)
		if err != nil {
			slog.Warn("invalid cron expression", "id", t.ID, "value", t.Value)
			return false
		}
		base := t.CreatedAt
		if t.LastRun != nil && t.LastRun.After(base) {
			base = *t.LastRun
		}
		next := sched.Next(base)
		return !next.After(now)
	}
	return false
}

// parseISOTime parses an ISO 8601 timestamp; a missing zone means UTC.
func parseISOTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// execute invokes the agent with the task's prompt under a per-task thread
// identity and pushes the final text back to the originating chat as a
// low-priority send. Failures leave last_run advanced: the firing is
// consumed either way.
func (s *Scheduler) execute(task *state.Task) {
	threadID := "scheduler_" + task.ID

	ctx := agent.WithChatRef(context.Background(), agent.ChatRef{
		Channel: task.Channel,
		ChatID:  task.ChatID,
	})

	var opts []types.InvokeOption
	if task.ModelTier != "" {
		opts = append(opts, types.WithModelTier(task.ModelTier))
	}

	result, err := s.agent.Invoke(ctx, threadID, []llm.ContentBlock{llm.TextBlock(task.Prompt)}, opts...)
	if err != nil {
		slog.Error("scheduled task failed", "id", task.ID, "error", err)
		return
	}

	text := types.ExtractResponse(result).Text
	if text == "" {
		slog.Info("scheduled task produced no text", "id", task.ID)
		return
	}

	channel, ok := s.channels[task.Channel]
	if !ok || task.ChatID == "" {
		slog.Warn("task has no valid channel/chat_id, result discarded", "id", task.ID, "channel", task.Channel)
		return
	}

	if _, err := channel.Send(ctx, task.ChatID, text, types.SendOptions{DisableNotification: true}); err != nil {
		slog.Error("failed to deliver task result", "id", task.ID, "channel", task.Channel, "error", err)
		return
	}
	slog.Info("scheduler sent result", "id", task.ID, "channel", task.Channel, "chat_id", task.ChatID)
}
