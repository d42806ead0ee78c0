// internal/agent/context.go
package agent

import "context"

// ChatRef identifies the chat a message originated from. The router binds it
// into the invocation context so tools (notably schedule_task) can observe
// the originating chat without ambient state.
type ChatRef struct {
	Channel string
	ChatID  string
}

type chatRefKey struct{}

// WithChatRef returns a context carrying the originating chat.
func WithChatRef(ctx context.Context, ref ChatRef) context.Context {
	return context.WithValue(ctx, chatRefKey{}, ref)
}

// ChatRefFrom extracts the originating chat from the context, if any.
func ChatRefFrom(ctx context.Context) (ChatRef, bool) {
	ref, ok := ctx.Value(chatRefKey{}).(ChatRef)
	return ref, ok
}
