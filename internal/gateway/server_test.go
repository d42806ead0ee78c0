// internal/gateway/server_test.go
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

func newTestServer(t *testing.T, bridges map[string]BridgeDef) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Token:          testToken,
		Bridges:        bridges,
		DefaultTimeout: 30,
	})
	require.NoError(t, err)
	return srv
}

func echoBridge() map[string]BridgeDef {
	return map[string]BridgeDef{
		"test": {AllowedCommands: []string{"echo", "sleep", "true"}},
	}
}

func doExecute(t *testing.T, srv *Server, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) executeResponse {
	t.Helper()
	var res executeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res
}

func TestNewServerRequiresToken(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealthListsBridges(t *testing.T) {
	srv := newTestServer(t, map[string]BridgeDef{
		"b-bridge": {AllowedCommands: []string{"x"}},
		"a-bridge": {AllowedCommands: []string{"y"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status  string   `json:"status"`
		Bridges []string `json:"bridges"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"a-bridge", "b-bridge"}, body.Bridges)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	w := doExecute(t, srv, "", map[string]any{"bridge": "test", "cmd": []string{"echo"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doExecute(t, srv, "wrong-token", map[string]any{"bridge": "test", "cmd": []string{"echo"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMalformedJSON(t *testing.T) {
	srv := newTestServer(t, echoBridge())
	w := doExecute(t, srv, testToken, []byte("{broken"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownBridge(t *testing.T) {
	srv := newTestServer(t, echoBridge())
	w := doExecute(t, srv, testToken, map[string]any{"bridge": "nope", "cmd": []string{"echo"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unknown bridge")
}

func TestEmptyCmd(t *testing.T) {
	srv := newTestServer(t, echoBridge())
	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBasenameValidation(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	// Path prefixes are fine as long as the basename is allowlisted.
	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"/bin/echo", "hi"}})
	require.Equal(t, http.StatusOK, w.Code)

	// Traversal cannot smuggle a non-allowlisted basename through.
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"echo/../bar/evil"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not allowed")
}

func TestBodySizeBoundary(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	// Build a request body of exactly MaxContentLength bytes.
	skeleton := `{"bridge":"test","cmd":["true"],"pad":""}`
	pad := MaxContentLength - len(skeleton)
	body := []byte(fmt.Sprintf(`{"bridge":"test","cmd":["true"],"pad":"%s"}`, strings.Repeat("a", pad)))
	require.Len(t, body, MaxContentLength)

	w := doExecute(t, srv, testToken, body)
	assert.Equal(t, http.StatusOK, w.Code, "exactly max bytes must be accepted")

	oversize := []byte(fmt.Sprintf(`{"bridge":"test","cmd":["true"],"pad":"%s"}`, strings.Repeat("a", pad+1)))
	w = doExecute(t, srv, testToken, oversize)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCwdValidation(t *testing.T) {
	allowed := t.TempDir()
	sub := filepath.Join(allowed, "project")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	outside := t.TempDir()

	srv := newTestServer(t, map[string]BridgeDef{
		"test":   {AllowedCommands: []string{"true"}, AllowedCwd: []string{allowed}},
		"no-cwd": {AllowedCommands: []string{"true"}},
	})

	// Exact prefix and descendants are allowed.
	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"true"}, "cwd": allowed})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"true"}, "cwd": sub})
	assert.Equal(t, http.StatusOK, w.Code)

	// Traversal out of the prefix is rejected after real-path resolution.
	// Built by hand so the ".." survives into the request.
	traversal := allowed + "/../" + filepath.Base(outside)
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"true"}, "cwd": traversal})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "cwd not allowed")

	// A symlink inside the prefix pointing outside is rejected.
	link := filepath.Join(allowed, "escape")
	require.NoError(t, os.Symlink(outside, link))
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"true"}, "cwd": link})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A bridge with no allowed_cwd forbids any supplied cwd...
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "no-cwd", "cmd": []string{"true"}, "cwd": allowed})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// ...but an omitted cwd is always fine.
	w = doExecute(t, srv, testToken, map[string]any{"bridge": "no-cwd", "cmd": []string{"true"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecuteEcho(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"echo", "hello"}})
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResult(t, w)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.Returncode)
}

func TestNoShellExpansion(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"echo", "; rm -rf /"}})
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResult(t, w)
	// The argument reaches the process verbatim; no second command runs.
	assert.Equal(t, "; rm -rf /\n", res.Stdout)
	assert.Equal(t, 0, res.Returncode)
}

func TestExecuteTimeout(t *testing.T) {
	srv := newTestServer(t, echoBridge())

	start := time.Now()
	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"sleep", "3"}, "timeout": 1})
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)
	assert.Equal(t, ReturnCodeTimeout, res.Returncode)
	assert.Equal(t, "Command timed out", res.Stderr)
	assert.Empty(t, res.Stdout)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestExecuteNotFound(t *testing.T) {
	srv := newTestServer(t, map[string]BridgeDef{
		"test": {AllowedCommands: []string{"definitely-not-a-real-binary-7f3a"}},
	})

	w := doExecute(t, srv, testToken, map[string]any{"bridge": "test", "cmd": []string{"definitely-not-a-real-binary-7f3a"}})
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResult(t, w)
	assert.Equal(t, ReturnCodeNotFound, res.Returncode)
	assert.Contains(t, res.Stderr, "not found")
}

func TestEffectiveTimeout(t *testing.T) {
	srv := newTestServer(t, nil)

	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name      string
		requested *float64
		want      time.Duration
	}{
		{"absent uses default", nil, 30 * time.Second},
		{"explicit zero is unlimited", f(0), 0},
		{"negative is unlimited", f(-5), 0},
		{"within range passes through", f(120), 120 * time.Second},
		{"601 clamps to 600", f(601), 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, srv.effectiveTimeout(tt.requested))
		})
	}
}

func TestEnvSanitized(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE", "1")

	env := sanitizedEnv(nil)
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE=") {
			t.Errorf("env not sanitized: %s", kv)
		}
	}
}
