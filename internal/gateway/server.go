// internal/gateway/server.go
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaxContentLength is the largest accepted request body, in bytes.
const MaxContentLength = 1 << 20

// MaxTimeout is the ceiling for subprocess timeouts, in seconds.
const MaxTimeout = 600

// BridgeDef is the configuration-sourced definition of one bridge: the
// command basenames it may run and the working-directory prefixes it may
// run them under.
type BridgeDef struct {
	AllowedCommands []string
	AllowedCwd      []string
}

// bridge is a BridgeDef with its cwd prefixes resolved to real paths.
type bridge struct {
	commands    map[string]bool
	cwdPrefixes []string
}

// ServerConfig configures the gateway server.
type ServerConfig struct {
	Token          string
	Bridges        map[string]BridgeDef
	DefaultTimeout int      // seconds, applied when a request omits timeout
	StripEnv       []string // nil means DefaultStripEnv
}

// Server authenticates, validates, and executes allowlisted commands for
// remote callers. It carries no business logic beyond allowlist enforcement.
type Server struct {
	token          string
	bridges        map[string]*bridge
	defaultTimeout int
	stripEnv       []string
	mux            *http.ServeMux
}

// NewServer builds a gateway server. A missing token aborts startup:
// the gateway never runs unauthenticated.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Token == "" {
		return nil, errors.New("gateway token is not set; refusing to start unauthenticated")
	}

	bridges := make(map[string]*bridge, len(cfg.Bridges))
	for name, def := range cfg.Bridges {
		b := &bridge{commands: make(map[string]bool, len(def.AllowedCommands))}
		for _, cmd := range def.AllowedCommands {
			b.commands[cmd] = true
		}
		for _, p := range def.AllowedCwd {
			real, err := realPath(expandHome(p))
			if err != nil {
				slog.Warn("dropping unresolvable allowed_cwd prefix", "bridge", name, "path", p, "error", err)
				continue
			}
			b.cwdPrefixes = append(b.cwdPrefixes, real)
		}
		bridges[name] = b
	}

	s := &Server{
		token:          cfg.Token,
		bridges:        bridges,
		defaultTimeout: cfg.DefaultTimeout,
		stripEnv:       cfg.StripEnv,
		mux:            http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	return s, nil
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// BridgeNames returns the configured bridge names, sorted.
func (s *Server) BridgeNames() []string {
	names := make([]string, 0, len(s.bridges))
	for name := range s.bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"bridges": s.BridgeNames(),
	})
}

// executeRequest is the JSON body for POST /execute. Timeout is a pointer so
// an omitted field (use the default) is distinguishable from an explicit 0
// (no limit).
type executeRequest struct {
	Bridge  string   `json:"bridge"`
	Cmd     []string `json:"cmd"`
	Cwd     string   `json:"cwd"`
	Timeout *float64 `json:"timeout"`
}

// executeResponse is the JSON body of a completed execution.
type executeResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Returncode int    `json:"returncode"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}

	if r.ContentLength > MaxContentLength {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body too large (max %d bytes)", MaxContentLength))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxContentLength)

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body too large (max %d bytes)", MaxContentLength))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Bridge == "" {
		writeError(w, http.StatusBadRequest, "missing 'bridge' field")
		return
	}
	b, ok := s.bridges[req.Bridge]
	if !ok {
		slog.Info("gateway rejected unknown bridge", "bridge", req.Bridge)
		writeError(w, http.StatusForbidden, fmt.Sprintf("unknown bridge: %s", req.Bridge))
		return
	}

	if len(req.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "missing cmd")
		return
	}
	basename := filepath.Base(req.Cmd[0])
	if !b.commands[basename] {
		slog.Info("gateway rejected command", "bridge", req.Bridge, "command", basename)
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("command '%s' not allowed for bridge '%s'", basename, req.Bridge))
		return
	}

	if req.Cwd != "" {
		if !b.cwdAllowed(req.Cwd) {
			slog.Info("gateway rejected cwd", "bridge", req.Bridge, "cwd", req.Cwd)
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("cwd not allowed for bridge '%s'", req.Bridge))
			return
		}
	}

	timeout := s.effectiveTimeout(req.Timeout)

	result, err := ExecLocal(r.Context(), ExecRequest{
		Argv:     req.Cmd,
		Dir:      req.Cwd,
		Timeout:  timeout,
		StripEnv: s.stripEnv,
	})
	if err != nil {
		slog.Error("gateway spawn failed", "bridge", req.Bridge, "command", basename, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Returncode: result.ReturnCode,
	})
}

// effectiveTimeout maps the request's timeout field to a duration: absent
// means the configured default, 0 (or negative) means no limit, and positive
// values are clamped to MaxTimeout.
func (s *Server) effectiveTimeout(requested *float64) time.Duration {
	seconds := float64(s.defaultTimeout)
	if requested != nil {
		seconds = *requested
	}
	if seconds <= 0 {
		return 0
	}
	if seconds > MaxTimeout {
		seconds = MaxTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

// cwdAllowed reports whether the real path of cwd is equal to, or a
// descendant of, one of the bridge's resolved prefixes. A bridge with no
// prefixes forbids any supplied cwd.
func (b *bridge) cwdAllowed(cwd string) bool {
	if len(b.cwdPrefixes) == 0 {
		return false
	}
	real, err := realPath(cwd)
	if err != nil {
		return false
	}
	for _, prefix := range b.cwdPrefixes {
		if real == prefix || strings.HasPrefix(real, prefix+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// checkAuth verifies the bearer token with a constant-time comparison.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	expected := "Bearer " + s.token
	if len(auth) == len(expected) &&
		subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) == 1 {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

// realPath resolves symlinks and collapses ".." segments.
func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
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

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
