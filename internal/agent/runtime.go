// internal/agent/runtime.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emanueleielo/ciana-parrot/internal/events"
	"github.com/emanueleielo/ciana-parrot/internal/types"
	"github.com/emanueleielo/ciana-parrot/pkg/llm"
)

// Runtime implements the agentic turn loop over an LLM provider. Each thread
// id owns a JSON checkpoint file carrying its full conversation history, so
// invocations under the same thread id resume where the last one left off.
type Runtime struct {
	provider       llm.Provider
	registry       *Registry
	checkpointsDir string
	systemPrompt   string
	maxRounds      int
	tiers          map[string]string // tier name -> model id

	mu sync.Mutex // guards checkpoint file I/O
}

// Config configures the agent runtime.
type Config struct {
	DataDir      string
	SystemPrompt string
	MaxRounds    int
	ModelTiers   map[string]string
}

// New creates a Runtime with the given provider, tool registry and config.
func New(provider llm.Provider, registry *Registry, cfg Config) *Runtime {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 20
	}
	return &Runtime{
		provider:       provider,
		registry:       registry,
		checkpointsDir: filepath.Join(cfg.DataDir, "checkpoints"),
		systemPrompt:   cfg.SystemPrompt,
		maxRounds:      maxRounds,
		tiers:          cfg.ModelTiers,
	}
}

// CheckpointsDir returns the directory holding per-thread conversation
// checkpoints. The router scans it at startup to reconcile reset counters.
func (rt *Runtime) CheckpointsDir() string {
	return rt.checkpointsDir
}

// ThreadIDs lists the thread ids that have a persisted checkpoint.
func (rt *Runtime) ThreadIDs() ([]string, error) {
	entries, err := os.ReadDir(rt.checkpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoints dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// Invoke runs one agent turn under the given thread identity: it appends the
// user content to the thread's history, loops the model against the tool
// registry until it stops calling tools or maxRounds rounds have run,
// persists the updated history, and
// returns the raw content blocks of the turn in order.
func (rt *Runtime) Invoke(ctx context.Context, threadID string, content []llm.ContentBlock, opts ...types.InvokeOption) (*types.AgentResult, error) {
	var o types.InvokeOptions
	for _, opt := range opts {
		opt(&o)
	}

	model := ""
	if o.ModelTier != "" {
		m, ok := rt.tiers[o.ModelTier]
		if !ok {
			slog.Warn("unknown model tier, using default model", "tier", o.ModelTier)
		} else {
			model = m
		}
	}

	history, err := rt.loadCheckpoint(threadID)
	if err != nil {
		return nil, err
	}
	history = append(history, llm.Message{Role: "user", Content: content})

	var blocks []events.RawBlock

	for round := 0; round < rt.maxRounds; round++ {
		resp, err := rt.provider.Complete(ctx, model, rt.systemPrompt, history, rt.registry.AsLLMTools())
		if err != nil {
			return nil, fmt.Errorf("LLM call: %w", err)
		}

		history = append(history, llm.Message{Role: "assistant", Content: resp.Content})
		blocks = append(blocks, rawBlocksFrom(resp.Content)...)

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			break
		}

		var resultBlocks []llm.ContentBlock
		for _, tu := range toolUses {
			result, isError := rt.executeTool(ctx, tu)
			blocks = append(blocks, events.RawBlock{
				Kind:      "tool_result",
				ToolUseID: tu.ID,
				IsError:   isError,
				Content:   result,
			})
			resultBlocks = append(resultBlocks, llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: tu.ID,
				IsError:   isError,
				Content:   result,
			})
		}
		history = append(history, llm.Message{Role: "user", Content: resultBlocks})
	}

	if err := rt.saveCheckpoint(threadID, history); err != nil {
		slog.Warn("failed to persist checkpoint", "thread_id", threadID, "error", err)
	}

	return &types.AgentResult{Blocks: blocks}, nil
}

// executeTool runs one tool call and normalizes failures into tool-visible
// error text.
func (rt *Runtime) executeTool(ctx context.Context, tu llm.ContentBlock) (string, bool) {
	tool, ok := rt.registry.Get(tu.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tu.Name), true
	}
	result, err := tool.Execute(ctx, tu.Input)
	if err != nil {
		return fmt.Sprintf("error: %v", err), true
	}
	return result, false
}

// rawBlocksFrom converts model response blocks into collatable raw blocks.
// Unknown block types are logged and skipped.
func rawBlocksFrom(content []llm.ContentBlock) []events.RawBlock {
	var out []events.RawBlock
	for _, b := range content {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			out = append(out, events.RawBlock{Kind: "text", Text: b.Text})
		case "thinking":
			if strings.TrimSpace(b.Thinking) == "" {
				continue
			}
			out = append(out, events.RawBlock{Kind: "thinking", Text: b.Thinking})
		case "tool_use":
			var input map[string]any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					slog.Warn("unparseable tool input", "tool", b.Name, "error", err)
				}
			}
			out = append(out, events.RawBlock{
				Kind:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		default:
			slog.Debug("skipping unknown content block", "type", b.Type)
		}
	}
	return out
}

func (rt *Runtime) checkpointPath(threadID string) string {
	return filepath.Join(rt.checkpointsDir, threadID+".json")
}

func (rt *Runtime) loadCheckpoint(threadID string) ([]llm.Message, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	data, err := os.ReadFile(rt.checkpointPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", threadID, err)
	}

	var history []llm.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", threadID, err)
	}
	return history, nil
}

func (rt *Runtime) saveCheckpoint(threadID string, history []llm.Message) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(rt.checkpointsDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoints dir: %w", err)
	}

	path := rt.checkpointPath(threadID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp checkpoint: %w", err)
	}
	return nil
}
