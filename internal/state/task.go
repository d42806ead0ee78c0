// internal/state/task.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task schedule types.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOnce     = "once"
)

// TaskIDLength is the length of generated task identifiers.
const TaskIDLength = 8

// Task is one scheduled task record. Value is type-specific: a cron
// expression, a positive integer number of seconds, or an ISO timestamp.
// Cancelled tasks are kept with Active=false to preserve the audit trail.
type Task struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	Channel   string     `json:"channel"`
	ChatID    string     `json:"chat_id"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run"`
	Active    bool       `json:"active"`
	ModelTier string     `json:"model_tier,omitempty"`
}

// TaskStore is the sole owner of the ordered task list, backed by a single
// JSON array on disk. One process-wide mutex guards every read and write;
// the scheduler and the schedule/cancel tools share it so due-marking never
// races tool mutations.
type TaskStore struct {
	path string
	mu   sync.Mutex
}

// NewTaskStore creates a file-backed TaskStore at the given path. The file
// is created on first write.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns a snapshot of all tasks, active and inactive.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Mutate runs fn over the task list under the store lock and persists the
// returned list. fn receives the loaded tasks and returns the replacement;
// returning an error aborts without writing.
func (s *TaskStore) Mutate(fn func(tasks []*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	updated, err := fn(tasks)
	if err != nil {
		return err
	}
	return s.save(updated)
}

// NewTaskID generates an id unique against existing: the first 8 hex chars
// of a random UUID, regenerated on collision with any task (active or not).
func NewTaskID(existing []*Task) string {
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.ID] = true
	}
	for {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")[:TaskIDLength]
		if !taken[id] {
			return id
		}
	}
}

// load reads the JSON file. A missing file is an empty list; corruption is
// surfaced to the caller rather than discarded.
func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// save writes the task list to disk using atomic write (temp file + rename).
func (s *TaskStore) save(tasks []*Task) error {
	if tasks == nil {
		tasks = []*Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp tasks file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp tasks file: %w", err)
	}
	return nil
}
