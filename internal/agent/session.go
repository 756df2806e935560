package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/storage"
)

// sessionState is the serialized form stored in the sessions table.
// SeenThrough marks the newest stored message already folded into
// Turns, so catch-up appends each message exactly once.
type sessionState struct {
	Turns       []provider.Message `json:"turns"`
	SeenIDs     map[string]bool    `json:"seen_ids,omitempty"`
	SeenThrough time.Time          `json:"seen_through"`
}

// loadSession restores the saved session or rebuilds one from message
// history, then appends any stored messages that arrived since.
func (a *Agent) loadSession(ctx context.Context, turn Turn) (*sessionState, error) {
	state := &sessionState{SeenIDs: map[string]bool{}}

	saved, err := a.store.GetSession(ctx, turn.ChatID)
	if err != nil {
		return nil, err
	}
	if saved != nil && saved.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(saved.MessagesJSON), state); err != nil {
			a.logger.Warn("corrupt session, rebuilding from history",
				"chat_id", turn.ChatID, "error", err)
			state = &sessionState{SeenIDs: map[string]bool{}}
		}
		if state.SeenIDs == nil {
			state.SeenIDs = map[string]bool{}
		}
		state.Turns = trimDanglingToolUse(state.Turns)
	}

	var history []storage.Message
	if len(state.Turns) == 0 {
		// No saved session: fall back to DB history. Private chats get
		// the recent window; groups catch up on everything said since
		// the bot last spoke.
		if turn.ChatType == "group" || turn.ChatType == "channel" {
			history, err = a.store.MessagesSinceLastBot(ctx, turn.ChatID)
		} else {
			history, err = a.store.RecentMessages(ctx, turn.ChatID, a.cfg.MaxHistoryMessages)
		}
	} else {
		history, err = a.store.RecentMessages(ctx, turn.ChatID, a.cfg.MaxHistoryMessages)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	for _, m := range history {
		if m.IsFromBot || state.SeenIDs[m.ID] || !m.Timestamp.After(state.SeenThrough) {
			continue
		}
		state.Turns = append(state.Turns, provider.Message{
			Role:    "user",
			Content: formatUserTurn(turn.ChatType, m.SenderName, m.Content),
		})
		state.SeenIDs[m.ID] = true
		if m.Timestamp.After(state.SeenThrough) {
			state.SeenThrough = m.Timestamp
		}
	}

	if turn.OverridePrompt != "" {
		state.Turns = append(state.Turns, provider.Message{
			Role:    "user",
			Content: turn.OverridePrompt,
		})
	}
	if len(state.Turns) == 0 {
		return nil, fmt.Errorf("no input for chat %d", turn.ChatID)
	}
	return state, nil
}

// saveSession persists the turn sequence with heavy media stripped.
// The seen-id set is trimmed alongside so it cannot grow unbounded.
func (a *Agent) saveSession(ctx context.Context, chatID int64, state *sessionState) error {
	for i := range state.Turns {
		state.Turns[i].Images = nil
	}
	if len(state.SeenIDs) > 4*a.cfg.MaxHistoryMessages {
		state.SeenIDs = map[string]bool{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return a.store.SaveSession(ctx, chatID, string(data))
}

// trimDanglingToolUse drops a trailing assistant turn whose tool calls
// never got results, which providers reject on the next request. A
// complete trailing assistant turn is kept.
func trimDanglingToolUse(turns []provider.Message) []provider.Message {
	n := len(turns)
	if n == 0 {
		return turns
	}
	last := turns[n-1]
	if last.Role == "assistant" && len(last.ToolCalls) > 0 {
		return turns[:n-1]
	}
	return turns
}

// formatUserTurn labels group messages with the sender so the model
// can track who said what; private chats stay unlabeled.
func formatUserTurn(chatType, sender, content string) string {
	if chatType == "group" || chatType == "channel" {
		return fmt.Sprintf("%s: %s", sender, content)
	}
	return content
}

// latestUserText returns the newest user turn, the recall query for
// memory selection.
func latestUserText(turns []provider.Message) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			return turns[i].Content
		}
	}
	return ""
}

// mergeRoles collapses consecutive same-role turns, which providers
// reject. Tool turns are never merged.
func mergeRoles(turns []provider.Message) []provider.Message {
	var out []provider.Message
	for _, t := range turns {
		n := len(out)
		if n > 0 && out[n-1].Role == t.Role && t.Role != "tool" &&
			len(t.ToolCalls) == 0 && len(out[n-1].ToolCalls) == 0 {
			out[n-1].Content = strings.TrimSpace(out[n-1].Content + "\n\n" + t.Content)
			continue
		}
		out = append(out, t)
	}
	return out
}
