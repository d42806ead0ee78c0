// internal/bridge/manager_test.go
package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanueleielo/ciana-parrot/internal/events"
	"github.com/emanueleielo/ciana-parrot/internal/gateway"
)

type fakeExec struct {
	result  *gateway.Result
	gotArgv []string
	gotCwd  string
	onRun   func()
}

func (f *fakeExec) run(ctx context.Context, argv []string, cwd string, timeout int) *gateway.Result {
	f.gotArgv = argv
	f.gotCwd = cwd
	if f.onRun != nil {
		f.onRun()
	}
	return f.result
}

func newTestManager(t *testing.T) (*Manager, *fakeExec, string) {
	t.Helper()
	dir := t.TempDir()
	projects := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(projects, 0o755))

	m, err := NewManager(Config{
		CLIPath:     "claude",
		ProjectsDir: projects,
		StateFile:   filepath.Join(dir, "cc_user_states.json"),
	})
	require.NoError(t, err)

	fake := &fakeExec{result: &gateway.Result{
		Stdout: `{"type":"assistant","content":[{"type":"text","text":"done"}]}`,
	}}
	m.exec = fake
	return m, fake, projects
}

func touchSession(t *testing.T, projects, project, stem string) {
	t.Helper()
	dir := filepath.Join(projects, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".jsonl"), []byte("{}\n"), 0o644))
}

func TestBuildCommand(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.permissionMode = "acceptEdits"

	state := &UserSession{
		Mode:            ModeBridge,
		ActiveSessionID: "sess-1",
		ActiveModel:     "opus",
		ActiveEffort:    "high",
	}
	argv := m.buildCommand("do the thing", state)

	assert.Equal(t, []string{
		"claude", "-p",
		"--resume", "sess-1",
		"--output-format", "stream-json", "--verbose",
		"--permission-mode", "acceptEdits",
		"--model", "opus",
		"--effort", "high",
		"do the thing",
	}, argv)
}

func TestBuildCommandNewSessionOmitsResume(t *testing.T) {
	m, _, _ := newTestManager(t)

	argv := m.buildCommand("hello", &UserSession{Mode: ModeBridge})
	assert.Equal(t, []string{
		"claude", "-p",
		"--output-format", "stream-json", "--verbose",
		"hello",
	}, argv)
}

func TestEnterExitLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Enter("u1", "proj", "/home/me/proj", ""))
	assert.True(t, m.InBridgeMode("u1"))

	s := m.Session("u1")
	assert.Equal(t, ModeBridge, s.Mode)
	assert.Equal(t, "proj", s.ActiveProject)
	assert.Equal(t, "/home/me/proj", s.ActiveProjectPath)
	assert.Empty(t, s.ActiveSessionID)

	require.NoError(t, m.Exit("u1"))
	assert.False(t, m.InBridgeMode("u1"))
	assert.Equal(t, ModeNormal, m.Session("u1").Mode)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "states.json")

	m1, err := NewManager(Config{CLIPath: "claude", ProjectsDir: dir, StateFile: stateFile})
	require.NoError(t, err)
	require.NoError(t, m1.Enter("u1", "proj", "/p", "sess-9"))
	require.NoError(t, m1.SetModel("u1", "opus"))

	m2, err := NewManager(Config{CLIPath: "claude", ProjectsDir: dir, StateFile: stateFile})
	require.NoError(t, err)
	s := m2.Session("u1")
	assert.Equal(t, ModeBridge, s.Mode)
	assert.Equal(t, "sess-9", s.ActiveSessionID)
	assert.Equal(t, "opus", s.ActiveModel)

	// Exit removes the key from the store entirely.
	require.NoError(t, m2.Exit("u1"))
	m3, err := NewManager(Config{CLIPath: "claude", ProjectsDir: dir, StateFile: stateFile})
	require.NoError(t, err)
	assert.False(t, m3.InBridgeMode("u1"))
}

func TestSendMessageParsesEvents(t *testing.T) {
	m, fake, _ := newTestManager(t)
	require.NoError(t, m.Enter("u1", "", "/work", "sess-1"))

	resp := m.SendMessage(context.Background(), "u1", "hi")
	require.Empty(t, resp.Error)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "done"}, resp.Events[0])
	assert.Equal(t, "/work", fake.gotCwd)
	assert.Equal(t, "hi", fake.gotArgv[len(fake.gotArgv)-1])
}

func TestSendMessageNonzeroExit(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.result = &gateway.Result{Stderr: "invalid flag", Returncode: 2}

	resp := m.SendMessage(context.Background(), "u1", "hi")
	assert.Equal(t, "invalid flag", resp.Error)
	assert.Empty(t, resp.Events)
}

func TestSendMessageTransportError(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.result = &gateway.Result{Error: "Cannot connect to host gateway. Is the gateway server running?"}

	resp := m.SendMessage(context.Background(), "u1", "hi")
	assert.Contains(t, resp.Error, "Cannot connect")
	assert.Empty(t, resp.Events)
}

func TestSendMessageEmptyOutput(t *testing.T) {
	m, fake, _ := newTestManager(t)
	fake.result = &gateway.Result{}

	resp := m.SendMessage(context.Background(), "u1", "hi")
	require.Empty(t, resp.Error)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TextEvent{Text: "(empty response)"}, resp.Events[0])
}

func TestNewSessionDetection(t *testing.T) {
	m, fake, projects := newTestManager(t)
	touchSession(t, projects, "proj", "a")
	touchSession(t, projects, "proj", "b")
	require.NoError(t, m.Enter("u1", "proj", filepath.Join(projects, "proj"), ""))

	fake.onRun = func() { touchSession(t, projects, "proj", "c") }

	resp := m.SendMessage(context.Background(), "u1", "start something")
	require.Empty(t, resp.Error)

	s := m.Session("u1")
	assert.Equal(t, "c", s.ActiveSessionID)

	// The binding is persisted: a restarted manager resumes session "c".
	m2, err := NewManager(Config{
		CLIPath:     "claude",
		ProjectsDir: projects,
		StateFile:   m.store.Path(),
	})
	require.NoError(t, err)
	assert.Equal(t, "c", m2.Session("u1").ActiveSessionID)
}

func TestNewSessionDetectionAmbiguous(t *testing.T) {
	m, fake, projects := newTestManager(t)
	touchSession(t, projects, "proj", "a")
	require.NoError(t, m.Enter("u1", "proj", filepath.Join(projects, "proj"), ""))

	fake.onRun = func() {
		touchSession(t, projects, "proj", "x")
		touchSession(t, projects, "proj", "y")
	}

	resp := m.SendMessage(context.Background(), "u1", "go")
	require.Empty(t, resp.Error)

	// Two candidates: both discarded; the next message retries detection.
	assert.Empty(t, m.Session("u1").ActiveSessionID)
}

func TestNoDetectionWhenSessionBound(t *testing.T) {
	m, fake, projects := newTestManager(t)
	require.NoError(t, m.Enter("u1", "proj", "", "sess-1"))

	fake.onRun = func() { touchSession(t, projects, "proj", "stray") }

	_ = m.SendMessage(context.Background(), "u1", "go")
	assert.Equal(t, "sess-1", m.Session("u1").ActiveSessionID)
}

func TestListProjectsAndConversations(t *testing.T) {
	m, _, projects := newTestManager(t)

	record := `{"cwd":"/home/me/alpha","gitBranch":"main","timestamp":"2025-06-01T10:00:00Z","type":"user","message":{"role":"user","content":"fix the parser"}}`
	dir := filepath.Join(projects, "-home-me-alpha")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess1.jsonl"), []byte(record+"\n"), 0o644))

	list, err := m.ListProjects()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "-home-me-alpha", list[0].EncodedName)
	assert.Equal(t, "alpha", list[0].DisplayName)
	assert.Equal(t, "/home/me/alpha", list[0].RealPath)
	assert.Equal(t, 1, list[0].ConversationCount)

	convs, err := m.ListConversations("-home-me-alpha")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "sess1", convs[0].SessionID)
	assert.Equal(t, "fix the parser", convs[0].FirstMessage)
	assert.Equal(t, 1, convs[0].MessageCount)
	assert.Equal(t, "main", convs[0].GitBranch)
}
