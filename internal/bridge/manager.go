// Package bridge owns per-user sessions over an external streaming CLI
// (a code assistant), intercepting messages for users in bridge mode and
// translating the CLI's NDJSON output into ordered events.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emanueleielo/ciana-parrot/internal/events"
	"github.com/emanueleielo/ciana-parrot/internal/gateway"
	"github.com/emanueleielo/ciana-parrot/internal/store"
)

// User modes. Absence of a persisted entry means normal mode.
const (
	ModeNormal = "normal"
	ModeBridge = "bridge"
)

// UserSession is one user's bridge state. A nil/empty ActiveSessionID means
// the next message starts a new CLI session.
type UserSession struct {
	Mode              string `json:"mode"`
	ActiveProject     string `json:"active_project,omitempty"`
	ActiveProjectPath string `json:"active_project_path,omitempty"`
	ActiveSessionID   string `json:"active_session_id,omitempty"`
	ActiveModel       string `json:"active_model,omitempty"`
	ActiveEffort      string `json:"active_effort,omitempty"`
}

// executor runs a CLI invocation either locally or through the host gateway.
type executor interface {
	run(ctx context.Context, argv []string, cwd string, timeout int) *gateway.Result
}

// gatewayExecutor routes invocations through the host gateway.
type gatewayExecutor struct {
	client *gateway.Client
	bridge string
}

func (g *gatewayExecutor) run(ctx context.Context, argv []string, cwd string, timeout int) *gateway.Result {
	return g.client.Execute(ctx, g.bridge, argv, cwd, timeout)
}

// localExecutor runs the CLI directly on this machine.
type localExecutor struct{}

func (localExecutor) run(ctx context.Context, argv []string, cwd string, timeout int) *gateway.Result {
	res, err := gateway.ExecLocal(ctx, gateway.ExecRequest{
		Argv:    argv,
		Dir:     cwd,
		Timeout: time.Duration(timeout) * time.Second,
	})
	if err != nil {
		return &gateway.Result{Error: fmt.Sprintf("Error running CLI: %v", err)}
	}
	return &gateway.Result{Stdout: res.Stdout, Stderr: res.Stderr, Returncode: res.ReturnCode}
}

// Config configures the bridge session manager.
type Config struct {
	CLIPath        string
	ProjectsDir    string
	PermissionMode string
	Timeout        int // seconds; 0 = unlimited
	StateFile      string

	// When GatewayURL is set, invocations go through the host gateway
	// under GatewayBridge; otherwise the CLI runs locally.
	GatewayURL    string
	GatewayToken  string
	GatewayBridge string
}

// Manager owns per-user bridge sessions. Messages for one user are
// serialized through a grow-only lock table; different users run in
// parallel.
type Manager struct {
	cliPath        string
	projectsDir    string
	permissionMode string
	timeout        int
	exec           executor
	store          *store.JSONStore

	mu       sync.Mutex
	sessions map[string]*UserSession

	locks sync.Map // user id -> *sync.Mutex; created on first access, never removed
}

// NewManager creates a Manager and restores persisted user sessions.
func NewManager(cfg Config) (*Manager, error) {
	js, err := store.Open(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open bridge state: %w", err)
	}

	var exec executor = localExecutor{}
	if cfg.GatewayURL != "" {
		bridgeName := cfg.GatewayBridge
		if bridgeName == "" {
			bridgeName = "claude-code"
		}
		exec = &gatewayExecutor{
			client: gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken),
			bridge: bridgeName,
		}
	}

	m := &Manager{
		cliPath:        cfg.CLIPath,
		projectsDir:    expandHome(cfg.ProjectsDir),
		permissionMode: cfg.PermissionMode,
		timeout:        cfg.Timeout,
		exec:           exec,
		store:          js,
		sessions:       make(map[string]*UserSession),
	}

	restored := make(map[string]*UserSession)
	if err := js.All(&restored); err != nil {
		return nil, fmt.Errorf("restore bridge state: %w", err)
	}
	for uid, s := range restored {
		m.sessions[uid] = s
	}
	if len(restored) > 0 {
		slog.Info("restored bridge state", "users", len(restored))
	}
	return m, nil
}

// Session returns a copy of the user's session state (defaults for unknown
// users).
func (m *Manager) Session(userID string) UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return *s
	}
	return UserSession{Mode: ModeNormal}
}

// InBridgeMode reports whether the user's messages should be intercepted.
func (m *Manager) InBridgeMode(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	return ok && s.Mode == ModeBridge
}

// Enter puts the user in bridge mode bound to a project. sessionID may be
// empty to start a new CLI session on the first message.
func (m *Manager) Enter(userID, project, projectPath, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &UserSession{
		Mode:              ModeBridge,
		ActiveProject:     project,
		ActiveProjectPath: projectPath,
		ActiveSessionID:   sessionID,
	}
	if prev, ok := m.sessions[userID]; ok {
		s.ActiveModel = prev.ActiveModel
		s.ActiveEffort = prev.ActiveEffort
	}
	m.sessions[userID] = s
	return m.persist(userID)
}

// Exit clears the user's bridge state and removes the persisted entry.
func (m *Manager) Exit(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	return m.store.Delete(userID)
}

// SetModel updates the user's model override and persists it.
func (m *Manager) SetModel(userID, model string) error {
	return m.update(userID, func(s *UserSession) { s.ActiveModel = model })
}

// SetEffort updates the user's effort override and persists it.
func (m *Manager) SetEffort(userID, effort string) error {
	return m.update(userID, func(s *UserSession) { s.ActiveEffort = effort })
}

func (m *Manager) update(userID string, fn func(*UserSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		s = &UserSession{Mode: ModeNormal}
		m.sessions[userID] = s
	}
	fn(s)
	return m.persist(userID)
}

// persist saves the user's entry. Only bridge-mode sessions are persisted;
// absence of a key means normal mode. Caller holds mu.
func (m *Manager) persist(userID string) error {
	s, ok := m.sessions[userID]
	if !ok || s.Mode != ModeBridge {
		return nil
	}
	return m.store.Set(userID, s)
}

// userLock returns the per-user mutex, creating it on first access.
func (m *Manager) userLock(userID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// SendMessage runs one CLI invocation for the user's message and returns the
// parsed response. Calls for the same user are serialized.
func (m *Manager) SendMessage(ctx context.Context, userID, text string) *Response {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	state := m.Session(userID)
	argv := m.buildCommand(text, &state)

	// Snapshot existing session stems before the call so a newly created
	// session can be detected afterwards.
	var before map[string]bool
	if state.ActiveSessionID == "" && state.ActiveProject != "" {
		before = m.sessionStems(state.ActiveProject)
	}

	result := m.exec.run(ctx, argv, state.ActiveProjectPath, m.timeout)

	if state.ActiveSessionID == "" && state.ActiveProject != "" {
		m.detectNewSession(userID, state.ActiveProject, before)
	}

	if result.Error != "" {
		return &Response{Error: result.Error}
	}

	stdout := strings.TrimSpace(result.Stdout)
	stderr := strings.TrimSpace(result.Stderr)

	if result.Returncode != 0 {
		slog.Warn("bridge CLI exited nonzero", "returncode", result.Returncode, "stderr", stderr)
		if stderr == "" {
			stderr = "The CLI returned an error."
		}
		return &Response{Error: stderr}
	}

	if stdout == "" {
		if stderr != "" {
			return &Response{Error: stderr}
		}
		return &Response{Events: []events.Event{events.TextEvent{Text: "(empty response)"}}}
	}

	return ParseStream(stdout)
}

// CheckAvailable verifies the CLI is reachable, via the gateway health
// endpoint or a local --version probe.
func (m *Manager) CheckAvailable(ctx context.Context) (bool, string) {
	if g, ok := m.exec.(*gatewayExecutor); ok {
		info, err := g.client.Health(ctx)
		if err != nil {
			return false, err.Error()
		}
		return true, fmt.Sprintf("Gateway OK — bridges: %s", strings.Join(info.Bridges, ", "))
	}

	res := m.exec.run(ctx, []string{m.cliPath, "--version"}, "", 10)
	if res.Error != "" {
		return false, res.Error
	}
	if res.Returncode != 0 {
		return false, strings.TrimSpace(res.Stderr)
	}
	return true, strings.TrimSpace(res.Stdout)
}

// buildCommand assembles the CLI argv for one message.
func (m *Manager) buildCommand(text string, state *UserSession) []string {
	argv := []string{m.cliPath, "-p"}
	if state.ActiveSessionID != "" {
		argv = append(argv, "--resume", state.ActiveSessionID)
	}
	argv = append(argv, "--output-format", "stream-json", "--verbose")
	if m.permissionMode != "" {
		argv = append(argv, "--permission-mode", m.permissionMode)
	}
	if state.ActiveModel != "" {
		argv = append(argv, "--model", state.ActiveModel)
	}
	if state.ActiveEffort != "" {
		argv = append(argv, "--effort", state.ActiveEffort)
	}
	return append(argv, text)
}

// sessionStems returns the set of session-file stems in a project directory.
func (m *Manager) sessionStems(project string) map[string]bool {
	stems := make(map[string]bool)
	entries, err := os.ReadDir(filepath.Join(m.projectsDir, project))
	if err != nil {
		return stems
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		stems[strings.TrimSuffix(e.Name(), ".jsonl")] = true
	}
	return stems
}

// detectNewSession diffs the project directory against the pre-call
// snapshot. Exactly one new stem binds it as the active session; zero or
// several leave the session unbound so the next message retries.
func (m *Manager) detectNewSession(userID, project string, before map[string]bool) {
	after := m.sessionStems(project)

	var created []string
	for stem := range after {
		if !before[stem] {
			created = append(created, stem)
		}
	}

	switch len(created) {
	case 1:
		m.mu.Lock()
		defer m.mu.Unlock()
		s, ok := m.sessions[userID]
		if !ok || s.Mode != ModeBridge {
			return
		}
		s.ActiveSessionID = created[0]
		if err := m.persist(userID); err != nil {
			slog.Warn("failed to persist detected session", "user_id", userID, "error", err)
		}
		slog.Info("detected new session", "user_id", userID, "session_id", created[0])
	case 0:
		slog.Warn("no new session file detected", "user_id", userID, "project", project)
	default:
		slog.Warn("ambiguous new session detection, leaving unbound",
			"user_id", userID, "project", project, "candidates", len(created))
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
