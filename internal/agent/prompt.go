package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultIdentity = `You are MicroClaw, a helpful assistant with tools. Be direct and
concise. Use tools when they get a better answer than guessing.`

// buildSystemPrompt composes identity, file memory, a budgeted
// selection of structured memories, and the chat id tools need for
// scoping. query seeds memory recall.
func (a *Agent) buildSystemPrompt(ctx context.Context, chatID int64, query string) (string, error) {
	var b strings.Builder

	b.WriteString(a.identity(chatID))

	global, chat := a.memory.ReadAgentsFiles(chatID)
	if strings.TrimSpace(global) != "" {
		fmt.Fprintf(&b, "\n\n<global_memory>\n%s\n</global_memory>", strings.TrimSpace(global))
	}
	if strings.TrimSpace(chat) != "" {
		fmt.Fprintf(&b, "\n\n<chat_memory>\n%s\n</chat_memory>", strings.TrimSpace(chat))
	}

	if sel := a.memory.Select(ctx, chatID, query); len(sel.Items) > 0 {
		fmt.Fprintf(&b, "\n\nThings you remember:\n%s", sel.Render())
	}

	fmt.Fprintf(&b, "\n\nCurrent chat_id: %d. Tool calls act on this chat unless you are a control chat.", chatID)
	return b.String(), nil
}

// identity prefers a per-chat SOUL.md override, then the resolved
// config SOUL, then the built-in default.
func (a *Agent) identity(chatID int64) string {
	if data, err := os.ReadFile(filepath.Join(a.cfg.GroupDir(chatID), "SOUL.md")); err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			return text
		}
	}
	if text := strings.TrimSpace(a.cfg.SOUL); text != "" {
		return text
	}
	return defaultIdentity
}
