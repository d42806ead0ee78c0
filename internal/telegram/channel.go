// Package telegram implements the Channel contract over the Telegram Bot
// API: long-polling, message normalization, per-chat serialization, media
// download, chunked sends, and bridge-mode interception.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emanueleielo/ciana-parrot/internal/bridge"
	"github.com/emanueleielo/ciana-parrot/internal/events"
	"github.com/emanueleielo/ciana-parrot/internal/types"
)

// maxMessageLength is Telegram's hard limit for one message.
const maxMessageLength = 4096

// ChannelName identifies this adapter in routing policies and task records.
const ChannelName = "telegram"

// Channel bridges Telegram chats to the message handler. Updates for one
// chat are processed serially; different chats run in parallel.
type Channel struct {
	bot     *tgbotapi.BotAPI
	bridge  *bridge.Manager // nil when the bridge feature is disabled
	handler types.MessageHandler

	chatLocks sync.Map // chat id -> *sync.Mutex
	wg        sync.WaitGroup
}

// New creates a Telegram channel. bridgeMgr may be nil to disable the
// code-assistant bridge commands.
func New(token string, bridgeMgr *bridge.Manager) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Channel{bot: bot, bridge: bridgeMgr}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return ChannelName }

// OnMessage registers the message handler callback.
func (c *Channel) OnMessage(handler types.MessageHandler) {
	c.handler = handler
}

// Start begins long-polling for updates. It blocks until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	slog.Info("telegram channel started", "bot", c.bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			msg := update.Message
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				lock := c.chatLock(msg.Chat.ID)
				lock.Lock()
				defer lock.Unlock()
				c.handleMessage(ctx, msg)
			}()
		}
	}
}

// Stop halts update delivery and waits for in-flight handlers to finish.
func (c *Channel) Stop() {
	c.bot.StopReceivingUpdates()
	c.wg.Wait()
	slog.Info("telegram channel stopped")
}

// Send delivers text to a chat, chunked at the wire limit. The returned
// result carries the id of the first message sent.
func (c *Channel) Send(ctx context.Context, chatID, text string, opts types.SendOptions) (*types.SendResult, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	var result *types.SendResult
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(id, part)
		msg.DisableNotification = opts.DisableNotification
		if opts.ReplyToMessageID != "" {
			if replyID, err := strconv.Atoi(opts.ReplyToMessageID); err == nil {
				msg.ReplyToMessageID = replyID
			}
		}
		sent, err := c.bot.Send(msg)
		if err != nil {
			return result, fmt.Errorf("send message: %w", err)
		}
		if result == nil {
			result = &types.SendResult{MessageID: strconv.Itoa(sent.MessageID)}
		}
	}
	return result, nil
}

// SendFile delivers a local file as a document.
func (c *Channel) SendFile(ctx context.Context, chatID, path, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	doc := tgbotapi.NewDocument(id, tgbotapi.FilePath(path))
	doc.Caption = caption
	if _, err := c.bot.Send(doc); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

func (c *Channel) chatLock(chatID int64) *sync.Mutex {
	lock, _ := c.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (c *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := strconv.FormatInt(msg.From.ID, 10)

	if msg.IsCommand() {
		c.handleCommand(ctx, msg, chatID, userID)
		return
	}

	// Bridge-mode users talk to the code assistant, bypassing the agent.
	if c.bridge != nil && c.bridge.InBridgeMode(userID) && msg.Text != "" {
		c.handleBridgeMessage(ctx, msg, chatID, userID)
		return
	}

	incoming := c.normalize(msg, chatID, userID)
	if incoming == nil {
		return
	}
	c.dispatch(ctx, incoming, chatID)
}

// normalize converts a Telegram message into the channel-agnostic form.
// Returns nil for updates with no routable content.
func (c *Channel) normalize(msg *tgbotapi.Message, chatID, userID string) *types.IncomingMessage {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	incoming := &types.IncomingMessage{
		Channel:   ChannelName,
		ChatID:    chatID,
		UserID:    userID,
		UserName:  displayName(msg.From),
		Text:      text,
		IsPrivate: msg.Chat.IsPrivate(),
		MessageID: strconv.Itoa(msg.MessageID),
	}

	if len(msg.Photo) > 0 {
		data, mime, err := c.downloadPhoto(msg.Photo)
		if err != nil {
			slog.Warn("failed to download photo", "chat_id", chatID, "error", err)
		} else {
			incoming.ImageBase64 = data
			incoming.ImageMIME = mime
		}
	}

	if incoming.Text == "" && incoming.ImageBase64 == "" {
		return nil
	}
	return incoming
}

func (c *Channel) dispatch(ctx context.Context, incoming *types.IncomingMessage, chatID string) {
	if c.handler == nil {
		return
	}
	c.sendTyping(incoming.ChatID)
	resp, err := c.handler(ctx, incoming)
	if err != nil {
		slog.Error("message handler failed", "chat_id", chatID, "error", err)
		c.reply(chatID, "Sorry, I encountered an error processing your message.")
		return
	}
	if resp != nil && resp.Text != "" {
		c.reply(chatID, resp.Text)
	}
}

func (c *Channel) handleCommand(ctx context.Context, msg *tgbotapi.Message, chatID, userID string) {
	switch msg.Command() {
	case "start":
		c.reply(chatID, "Hello! I'm Ciana, your personal assistant. Send me a message to get started.")

	case "new":
		if c.handler != nil {
			_, err := c.handler(ctx, &types.IncomingMessage{
				Channel:      ChannelName,
				ChatID:       chatID,
				UserID:       userID,
				UserName:     displayName(msg.From),
				IsPrivate:    msg.Chat.IsPrivate(),
				ResetSession: true,
			})
			if err != nil {
				slog.Error("session reset failed", "chat_id", chatID, "error", err)
			}
		}
		c.reply(chatID, "New session started. Previous conversation has been archived.")

	case "cc":
		c.handleBridgeEnter(ctx, msg, chatID, userID)

	case "exit":
		if c.bridge == nil || !c.bridge.InBridgeMode(userID) {
			c.reply(chatID, "You are not in code-assistant mode.")
			return
		}
		if err := c.bridge.Exit(userID); err != nil {
			slog.Warn("bridge exit failed", "user_id", userID, "error", err)
		}
		c.reply(chatID, "Left code-assistant mode.")

	case "model":
		c.handleBridgeSetting(chatID, userID, msg.CommandArguments(), c.bridgeSetModel)

	case "effort":
		c.handleBridgeSetting(chatID, userID, msg.CommandArguments(), c.bridgeSetEffort)

	case "status":
		c.handleStatus(ctx, chatID, userID)

	default:
		c.reply(chatID, "Unknown command. Available: /start, /new, /cc, /exit, /model, /effort, /status")
	}
}

func (c *Channel) bridgeSetModel(userID, v string) error  { return c.bridge.SetModel(userID, v) }
func (c *Channel) bridgeSetEffort(userID, v string) error { return c.bridge.SetEffort(userID, v) }

func (c *Channel) handleBridgeSetting(chatID, userID, value string, set func(string, string) error) {
	if c.bridge == nil {
		c.reply(chatID, "Code-assistant bridge is not enabled.")
		return
	}
	value = strings.TrimSpace(value)
	if value == "" {
		c.reply(chatID, "Usage: provide a value, e.g. /model sonnet")
		return
	}
	if err := set(userID, value); err != nil {
		slog.Warn("bridge setting update failed", "user_id", userID, "error", err)
		c.reply(chatID, "Failed to save the setting.")
		return
	}
	c.reply(chatID, "Saved.")
}

// handleBridgeEnter implements /cc: without arguments it lists projects;
// with a number it enters the corresponding project in a new session.
func (c *Channel) handleBridgeEnter(ctx context.Context, msg *tgbotapi.Message, chatID, userID string) {
	if c.bridge == nil {
		c.reply(chatID, "Code-assistant bridge is not enabled.")
		return
	}

	projects, err := c.bridge.ListProjects()
	if err != nil {
		slog.Error("failed to list projects", "error", err)
		c.reply(chatID, "Failed to list projects.")
		return
	}
	if len(projects) == 0 {
		c.reply(chatID, "No projects found.")
		return
	}

	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		var b strings.Builder
		b.WriteString("Projects (reply /cc <number> to enter):\n")
		for i, p := range projects {
			fmt.Fprintf(&b, "%d. %s (%d conversations)\n", i+1, p.DisplayName, p.ConversationCount)
		}
		c.reply(chatID, b.String())
		return
	}

	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(projects) {
		c.reply(chatID, fmt.Sprintf("Pick a project number between 1 and %d.", len(projects)))
		return
	}

	p := projects[n-1]
	if err := c.bridge.Enter(userID, p.EncodedName, p.RealPath, ""); err != nil {
		slog.Error("bridge enter failed", "user_id", userID, "error", err)
		c.reply(chatID, "Failed to enter code-assistant mode.")
		return
	}
	c.reply(chatID, fmt.Sprintf("Entered %s in a new session. Send a message to begin; /exit to leave.", p.DisplayName))
}

func (c *Channel) handleStatus(ctx context.Context, chatID, userID string) {
	if c.bridge == nil {
		c.reply(chatID, "Code-assistant bridge is not enabled.")
		return
	}
	s := c.bridge.Session(userID)
	if s.Mode != bridge.ModeBridge {
		c.reply(chatID, "Mode: normal")
		return
	}
	session := s.ActiveSessionID
	if session == "" {
		session = "(new)"
	}
	ok, detail := c.bridge.CheckAvailable(ctx)
	status := "unavailable"
	if ok {
		status = "ok"
	}
	c.reply(chatID, fmt.Sprintf("Mode: code assistant\nProject: %s\nSession: %s\nCLI: %s (%s)",
		s.ActiveProjectPath, session, status, detail))
}

func (c *Channel) handleBridgeMessage(ctx context.Context, msg *tgbotapi.Message, chatID, userID string) {
	c.sendTyping(chatID)
	resp := c.bridge.SendMessage(ctx, userID, msg.Text)
	if resp.Error != "" {
		c.reply(chatID, "Error: "+resp.Error)
		return
	}
	if text := renderEvents(resp.Events); text != "" {
		c.reply(chatID, text)
	}
}

// renderEvents flattens bridge events into plain text: tool lines and text
// blocks, one per line, in the order they occur. Thinking blocks are not shown.
func renderEvents(evs []events.Event) string {
	var lines []string
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.TextEvent:
			lines = append(lines, e.Text)
		case events.ToolCallEvent:
			label := events.ResolveDisplayName(e.Name, nil)
			if label == "" {
				label = e.Name
			}
			line := "• " + label
			if e.InputSummary != "" {
				line += ": " + e.InputSummary
			}
			if e.IsError {
				line += " (failed)"
			}
			lines = append(lines, line)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (c *Channel) reply(chatID, text string) {
	if _, err := c.Send(context.Background(), chatID, text, types.SendOptions{}); err != nil {
		slog.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (c *Channel) sendTyping(chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	action := tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)
	if _, err := c.bot.Request(action); err != nil {
		slog.Debug("chat action failed", "chat_id", chatID, "error", err)
	}
}

// downloadPhoto fetches the largest rendition of a photo and returns it
// base64-encoded with its mime type.
func (c *Channel) downloadPhoto(sizes []tgbotapi.PhotoSize) (string, string, error) {
	largest := sizes[len(sizes)-1]
	url, err := c.bot.GetFileDirectURL(largest.FileID)
	if err != nil {
		return "", "", fmt.Errorf("resolve file url: %w", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		return "", "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read photo: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), "image/jpeg", nil
}

func displayName(u *tgbotapi.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

// splitMessage chunks text at Telegram's message size limit.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		end := maxMessageLength
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
