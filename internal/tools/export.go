package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/microclaw/internal/storage"
)

const defaultExportLimit = 500

// ExportChatTool writes recent chat history as a markdown file into
// the chat's working directory.
type ExportChatTool struct {
	store *storage.Store
}

func NewExportChatTool(store *storage.Store) *ExportChatTool {
	return &ExportChatTool{store: store}
}

func (t *ExportChatTool) Name() string { return "export_chat" }
func (t *ExportChatTool) Risk() Risk   { return RiskLow }

func (t *ExportChatTool) Description() string {
	return "Export recent chat history to a markdown file in the working directory. Returns the file path."
}

func (t *ExportChatTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"limit":   intProp("Maximum messages to export (default 500)."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ExportChatTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	limit := intInput(call.Input, "limit")
	if limit <= 0 {
		limit = defaultExportLimit
	}

	msgs, err := t.store.RecentMessages(ctx, target, limit)
	if err != nil {
		return Errorf(ErrToolInternal, "load messages: %v", err)
	}
	if len(msgs) == 0 {
		return Text("no messages to export")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Chat %d export\n\nExported %s, %d messages.\n\n",
		target, time.Now().UTC().Format(time.RFC3339), len(msgs))
	for _, m := range msgs {
		sender := m.SenderName
		if m.IsFromBot {
			sender = "bot"
		}
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n---\n\n",
			sender, m.Timestamp.Format("2006-01-02 15:04"), m.Content)
	}

	name := fmt.Sprintf("chat_%d_export_%s.md", target, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(call.Chat.WorkDir, name)
	if err := os.MkdirAll(call.Chat.WorkDir, 0o755); err != nil {
		return Errorf(ErrToolInternal, "mkdir: %v", err)
	}
	if err := atomicWrite(path, []byte(b.String())); err != nil {
		return Errorf(ErrToolInternal, "write export: %v", err)
	}
	return Text(fmt.Sprintf("exported %d messages to %s", len(msgs), path))
}
