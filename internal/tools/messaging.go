package tools

import (
	"context"
	"fmt"
	"strings"
)

// Deliverer sends bot-authored text to a chat, splitting and storing
// it per the channel's rules. The channels layer implements this.
type Deliverer interface {
	DeliverAndStoreBotMessage(ctx context.Context, chatID int64, text string) error
}

// SendMessageTool sends a message to a chat mid-run, before the final
// reply. Cross-chat sends require a control chat.
type SendMessageTool struct {
	deliverer Deliverer
}

func NewSendMessageTool(d Deliverer) *SendMessageTool {
	return &SendMessageTool{deliverer: d}
}

func (t *SendMessageTool) Name() string { return "send_message" }
func (t *SendMessageTool) Risk() Risk   { return RiskMedium }

func (t *SendMessageTool) Description() string {
	return "Send a message to the current chat immediately, without waiting for the turn to finish. Control chats may pass chat_id to send to another chat."
}

func (t *SendMessageTool) InputSchema() map[string]any {
	return objectSchema([]string{"text"}, map[string]any{
		"text":    strProp("Message text to send."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *SendMessageTool) Execute(ctx context.Context, call Call) Result {
	text := strings.TrimSpace(stringInput(call.Input, "text"))
	if text == "" {
		return Errorf(ErrToolInternal, "empty message text")
	}
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	if err := t.deliverer.DeliverAndStoreBotMessage(ctx, target, text); err != nil {
		return Errorf(ErrToolInternal, "deliver: %v", err)
	}
	return Text(fmt.Sprintf("message sent to chat %d", target))
}
