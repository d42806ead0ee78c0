// Package router translates normalized incoming messages into agent
// invocations with a deterministic, resumable conversational identity,
// enforcing access and logging every turn.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/emanueleielo/ciana-parrot/internal/agent"
	"github.com/emanueleielo/ciana-parrot/internal/types"
	"github.com/emanueleielo/ciana-parrot/pkg/llm"
)

const agentErrorReply = "Sorry, I encountered an error. Please try again."

// ChannelPolicy is the per-channel routing policy: the group-chat trigger
// prefix and the user allowlist (empty allows everyone).
type ChannelPolicy struct {
	Trigger      string
	AllowedUsers []string
}

// ThreadLister enumerates thread ids in the conversation-checkpoint
// namespace; the router uses it at startup to reconcile reset counters.
type ThreadLister interface {
	ThreadIDs() ([]string, error)
}

// Router routes messages from channels to the agent.
type Router struct {
	agent    types.Agent
	policies map[string]ChannelPolicy
	counters *Counters
	turnlog  *TurnLogger
}

// New creates a Router persisting its state under dataDir.
func New(ag types.Agent, policies map[string]ChannelPolicy, dataDir string) (*Router, error) {
	counters, err := OpenCounters(filepath.Join(dataDir, "session_counters.json"))
	if err != nil {
		return nil, err
	}

	open := true
	for _, p := range policies {
		if len(p.AllowedUsers) > 0 {
			open = false
		}
	}
	if open {
		slog.Warn("no allowed_users configured for any channel; bot is open to ALL users")
	}

	return &Router{
		agent:    ag,
		policies: policies,
		counters: counters,
		turnlog:  NewTurnLogger(filepath.Join(dataDir, "sessions")),
	}, nil
}

// SyncCounters reconciles persisted reset counters with thread ids observed
// in the checkpoint namespace. Call before serving messages; it prevents
// thread-id collisions after restoring from backups.
func (r *Router) SyncCounters(lister ThreadLister) {
	ids, err := lister.ThreadIDs()
	if err != nil {
		slog.Warn("failed to scan checkpoint threads", "error", err)
		return
	}
	r.counters.Sync(ids)
}

// ThreadID maps a channel+chat to its current thread identity.
func (r *Router) ThreadID(channel, chatID string) string {
	key := channel + "_" + chatID
	if n := r.counters.Get(key); n > 0 {
		return fmt.Sprintf("%s_s%d", key, n)
	}
	return key
}

// ResetSession bumps the reset counter for a chat, so the next message
// starts a fresh thread.
func (r *Router) ResetSession(channel, chatID string) {
	key := channel + "_" + chatID
	n, err := r.counters.Increment(key)
	if err != nil {
		slog.Warn("failed to persist session counter", "key", key, "error", err)
	}
	slog.Info("session reset", "key", key, "counter", n)
}

// userAllowed checks the channel allowlist (empty list allows everyone).
func (r *Router) userAllowed(channel, userID string) bool {
	allowed := r.policies[channel].AllowedUsers
	if len(allowed) == 0 {
		return true
	}
	if userID == "" {
		return false
	}
	for _, u := range allowed {
		if u == userID {
			return true
		}
	}
	return false
}

// shouldRespond applies the trigger gate: private chats always respond with
// text unchanged; group chats respond only when the text starts with the
// trigger (case-insensitive over the trigger's length), which is stripped.
func (r *Router) shouldRespond(msg *types.IncomingMessage) (bool, string) {
	text := strings.TrimSpace(msg.Text)
	if msg.IsPrivate {
		return true, text
	}

	trigger := r.policies[msg.Channel].Trigger
	if trigger == "" || len(text) < len(trigger) {
		return false, text
	}
	if strings.EqualFold(text[:len(trigger)], trigger) {
		return true, strings.TrimSpace(text[len(trigger):])
	}
	return false, text
}

// HandleMessage processes one incoming message and returns the agent's
// structured response, or nil when the message produced no response.
func (r *Router) HandleMessage(ctx context.Context, msg *types.IncomingMessage) (*types.AgentResponse, error) {
	if !r.userAllowed(msg.Channel, msg.UserID) {
		slog.Warn("blocked message from unauthorized user", "channel", msg.Channel, "user_id", msg.UserID)
		return nil, nil
	}

	if msg.ResetSession {
		r.ResetSession(msg.Channel, msg.ChatID)
		return nil, nil
	}

	respond, cleanText := r.shouldRespond(msg)
	if !respond {
		return nil, nil
	}

	if cleanText == "" && msg.ImageBase64 == "" {
		return nil, nil
	}

	threadID := r.ThreadID(msg.Channel, msg.ChatID)

	// Bind the originating chat so tools invoked during this call (the
	// schedule tool in particular) can observe it.
	ctx = agent.WithChatRef(ctx, agent.ChatRef{Channel: msg.Channel, ChatID: msg.ChatID})

	now := time.Now().UTC().Format("2006-01-02 15:04 UTC")
	framed := fmt.Sprintf("[%s] [%s]: %s", now, msg.UserName, cleanText)

	if err := r.turnlog.Append(threadID, "user", cleanText, msg.Channel, msg.UserID); err != nil {
		slog.Warn("failed to log user turn", "thread_id", threadID, "error", err)
	}

	slog.Info("processing message",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"user", msg.UserName,
		"thread_id", threadID,
	)

	content := []llm.ContentBlock{llm.TextBlock(framed)}
	if msg.ImageBase64 != "" {
		content = append(content, llm.ImageBlock(msg.ImageMIME, msg.ImageBase64))
	}

	var resp *types.AgentResponse
	result, err := r.agent.Invoke(ctx, threadID, content)
	if err != nil {
		slog.Error("agent error", "thread_id", threadID, "error", err)
		resp = &types.AgentResponse{Text: agentErrorReply}
	} else {
		resp = types.ExtractResponse(result)
	}

	if err := r.turnlog.Append(threadID, "assistant", resp.Text, msg.Channel, ""); err != nil {
		slog.Warn("failed to log assistant turn", "thread_id", threadID, "error", err)
	}

	return resp, nil
}
