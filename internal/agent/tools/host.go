// internal/agent/tools/host.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/emanueleielo/ciana-parrot/internal/gateway"
)

const maxHostOutputLength = 15000

// HostExecute runs commands on the host through the secure gateway.
type HostExecute struct {
	client         *gateway.Client
	bridges        map[string][]string // bridge name -> allowed commands
	defaultTimeout int
}

// NewHostExecute creates the host_execute tool. client may be nil when no
// gateway URL is configured; the tool then reports itself unavailable.
func NewHostExecute(client *gateway.Client, bridges map[string][]string, defaultTimeout int) *HostExecute {
	return &HostExecute{
		client:         client,
		bridges:        bridges,
		defaultTimeout: defaultTimeout,
	}
}

func (h *HostExecute) Name() string { return "host_execute" }

func (h *HostExecute) Description() string {
	names := h.bridgeNames()
	return fmt.Sprintf("Execute a command on the host via the secure gateway. Available bridges: %s.",
		strings.Join(names, ", "))
}

func (h *HostExecute) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"bridge": {"type": "string", "description": "Bridge name the command belongs to"},
			"command": {"type": "string", "description": "Command to run, e.g. \"memo list\""},
			"timeout": {"type": "integer", "description": "Timeout in seconds. 0 = use default."}
		},
		"required": ["bridge", "command"]
	}`)
}

func (h *HostExecute) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Bridge  string `json:"bridge"`
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	if h.client == nil {
		return "Error: host gateway not configured.", nil
	}

	if _, ok := h.bridges[params.Bridge]; !ok {
		available := strings.Join(h.bridgeNames(), ", ")
		if available == "" {
			available = "(none)"
		}
		return fmt.Sprintf("Error: unknown bridge '%s'. Available: %s", params.Bridge, available), nil
	}

	argv, err := shlex.Split(params.Command)
	if err != nil {
		return fmt.Sprintf("Error: invalid command syntax: %v", err), nil
	}
	if len(argv) == 0 {
		return "Error: empty command.", nil
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}

	result := h.client.Execute(ctx, params.Bridge, argv, "", timeout)
	if result.Error != "" {
		return "Error: " + result.Error, nil
	}

	output := strings.TrimSpace(result.Stdout)
	if result.Returncode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		switch {
		case stderr != "":
			output = fmt.Sprintf("Command failed (exit %d):\n%s", result.Returncode, stderr)
		case output != "":
			output = fmt.Sprintf("Command failed (exit %d):\n%s", result.Returncode, output)
		default:
			output = fmt.Sprintf("Command failed with exit code %d.", result.Returncode)
		}
	}

	if output == "" {
		return "(no output)", nil
	}
	if len(output) > maxHostOutputLength {
		output = output[:maxHostOutputLength] + "\n\n... (truncated)"
	}
	return output, nil
}

func (h *HostExecute) bridgeNames() []string {
	names := make([]string, 0, len(h.bridges))
	for name := range h.bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
