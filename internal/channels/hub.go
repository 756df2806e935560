package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/storage"
)

// Engine is the slice of the agent the hub drives for inbound messages.
type Engine interface {
	Process(ctx context.Context, turn agent.Turn) (string, error)
}

// Inbound is one message arriving from a platform adapter.
type Inbound struct {
	Channel        string
	ExternalChatID string
	ChatType       string // "private", "group", or "channel"
	SenderName     string
	Title          string
	Text           string
}

// Hub maps platform identities to internal chats, applies the reply
// policy, and delivers outbound messages through registered adapters.
type Hub struct {
	cfg    *config.Config
	store  *storage.Store
	engine Engine
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewHub(cfg *config.Config, store *storage.Store, engine Engine, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// Register makes an adapter available for outbound delivery. The hub
// does not start it; Start does.
func (h *Hub) Register(a Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[a.Name()] = a
}

func (h *Hub) adapter(channel string) (Adapter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.adapters[channel]
	return a, ok
}

// Start runs every registered adapter until the context is canceled.
// A single adapter failing is logged and does not stop the others.
func (h *Hub) Start(ctx context.Context) {
	h.mu.RLock()
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			if err := a.Start(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("channel adapter stopped", "channel", a.Name(), "error", err)
			}
		}(a)
	}
	wg.Wait()
}

// HandleInbound records an incoming message and, when the reply policy
// allows, runs the agent and delivers its reply. It returns the reply
// text, or "" when the policy said not to respond.
func (h *Hub) HandleInbound(ctx context.Context, in Inbound) (string, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", nil
	}

	chatID, err := h.store.UpsertChat(ctx, in.Channel, in.ExternalChatID, in.ChatType, in.Title)
	if err != nil {
		return "", fmt.Errorf("upsert chat: %w", err)
	}
	msg := storage.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderName: in.SenderName,
		Content:    text,
	}
	if err := h.store.AddMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("store inbound message: %w", err)
	}
	obs.Count("channels.messages_in")
	if err := h.store.TouchChat(ctx, chatID); err != nil {
		h.logger.Warn("touch chat failed", "chat_id", chatID, "error", err)
	}

	if !h.shouldReply(in, text) {
		return "", nil
	}

	reply, err := h.engine.Process(ctx, agent.Turn{
		ChatID:   chatID,
		Sender:   in.SenderName,
		ChatType: in.ChatType,
	})
	if err != nil {
		return "", fmt.Errorf("process inbound message: %w", err)
	}
	if reply == "" {
		return "", nil
	}
	if err := h.DeliverAndStoreBotMessage(ctx, chatID, reply); err != nil {
		return reply, err
	}
	obs.Count("channels.replies_out")
	return reply, nil
}

// shouldReply applies the reply policy: private chats always get a
// response; groups and channels require a bot mention unless the
// channel account opted into reply_to_all.
func (h *Hub) shouldReply(in Inbound, text string) bool {
	if in.ChatType == "private" {
		return true
	}
	if cc, ok := h.cfg.Channels[in.Channel]; ok && cc.ReplyToAll {
		return true
	}
	return mentionsBot(text, h.cfg.BotName)
}

func mentionsBot(text, botName string) bool {
	if botName == "" {
		return false
	}
	lower := strings.ToLower(text)
	name := strings.ToLower(botName)
	if strings.Contains(lower, "@"+name) {
		return true
	}
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if tok == name {
			return true
		}
	}
	return false
}

// DeliverAndStoreBotMessage sends text into a chat's platform, split
// at newline boundaries under the platform's length limit, and records
// it as a bot message. The message row is written even when delivery
// fails so session history stays faithful; the delivery error is
// returned for the caller to surface.
func (h *Hub) DeliverAndStoreBotMessage(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	chat, err := h.store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("lookup chat %d: %w", chatID, err)
	}

	var deliverErr error
	if a, ok := h.adapter(chat.Channel); ok {
		for _, part := range splitMessage(text, limitFor(a, chat.Channel)) {
			if err := a.Send(ctx, chat.ExternalChatID, part); err != nil {
				deliverErr = fmt.Errorf("send via %s: %w", chat.Channel, err)
				break
			}
		}
	} else {
		deliverErr = fmt.Errorf("no %s adapter registered", chat.Channel)
	}

	msg := storage.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderName: h.cfg.BotName,
		Content:    text,
		IsFromBot:  true,
	}
	if err := h.store.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("store bot message: %w", err)
	}
	if err := h.store.TouchChat(ctx, chatID); err != nil {
		h.logger.Warn("touch chat failed", "chat_id", chatID, "error", err)
	}
	return deliverErr
}
