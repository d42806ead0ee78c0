package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends the conversation and returns the full model response.
	// The model argument overrides Config.Model when non-empty.
	Complete(ctx context.Context, model string, system string, messages []Message, tools []Tool) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}
