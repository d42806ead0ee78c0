// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/emanueleielo/ciana-parrot/internal/events"
	"github.com/emanueleielo/ciana-parrot/pkg/llm"
)

// MessageHandler processes a normalized incoming message and returns the
// structured response, or nil when the message produced no response.
type MessageHandler func(ctx context.Context, msg *IncomingMessage) (*AgentResponse, error)

// Channel is a messaging channel adapter (Telegram, etc.). The channel owns
// per-chat serialization, media decoding, and chunking of long outputs at its
// wire limit.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Send(ctx context.Context, chatID, text string, opts SendOptions) (*SendResult, error)
	SendFile(ctx context.Context, chatID, path, caption string) error
	OnMessage(handler MessageHandler)
}

// InvokeOptions configure a single agent invocation.
type InvokeOptions struct {
	ModelTier string
}

// InvokeOption mutates InvokeOptions.
type InvokeOption func(*InvokeOptions)

// WithModelTier routes one invocation to the model configured for the given
// tier. The override applies to that call only.
func WithModelTier(tier string) InvokeOption {
	return func(o *InvokeOptions) { o.ModelTier = tier }
}

// Agent is the opaque LLM-driven collaborator. It consumes message content
// under a thread identity and returns the raw content blocks of the
// exchange, from which events and a final text can be recovered.
type Agent interface {
	Invoke(ctx context.Context, threadID string, content []llm.ContentBlock, opts ...InvokeOption) (*AgentResult, error)
}

// AgentResult is the raw outcome of an agent invocation: the ordered content
// blocks produced during the turn (text, thinking, tool_use, tool_result).
type AgentResult struct {
	Blocks []events.RawBlock
}

// AgentResponse is the extracted, renderable form of an agent result.
type AgentResponse struct {
	Text   string
	Events []events.Event
}

// ExtractResponse collates an agent result into ordered events and recovers
// the final text (the content of the last text block, or "").
func ExtractResponse(result *AgentResult) *AgentResponse {
	if result == nil {
		return &AgentResponse{}
	}
	evs := events.Collate(result.Blocks)
	return &AgentResponse{
		Text:   events.FinalText(evs),
		Events: evs,
	}
}
