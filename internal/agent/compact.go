package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/microclaw/internal/provider"
)

const summarizePrompt = `Summarize this conversation compactly, keeping: facts about the user,
decisions made, unfinished work, and anything the assistant promised.
Write the summary only, no preamble.

%s`

// compact keeps the session under max_session_messages. Older turns
// are replaced by a provider-written summary; if the provider fails,
// they are simply dropped. Role alternation is re-verified afterward.
func (a *Agent) compact(ctx context.Context, turns []provider.Message) []provider.Message {
	if len(turns) <= a.cfg.MaxSessionMessages {
		return mergeRoles(turns)
	}

	keep := a.cfg.CompactKeepRecent
	split := len(turns) - keep
	// Never split between a tool call and its result.
	for split < len(turns) && turns[split].Role == "tool" {
		split++
	}
	old, recent := turns[:split], turns[split:]

	summary, err := a.summarize(ctx, old)
	if err != nil {
		a.logger.Warn("compaction summary failed, truncating instead",
			"dropped", len(old), "error", err)
		return mergeRoles(recent)
	}

	compacted := append([]provider.Message{
		{Role: "user", Content: "[Conversation Summary]\n" + summary},
		{Role: "assistant", Content: "Understood, continuing from that summary."},
	}, recent...)

	a.logger.Info("session compacted", "before", len(turns), "after", len(compacted))
	return mergeRoles(compacted)
}

// summarize asks the provider for a no-tools summary of the old turns.
func (a *Agent) summarize(ctx context.Context, old []provider.Message) (string, error) {
	var transcript strings.Builder
	for _, t := range old {
		if t.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
	}

	resp, err := a.llm.Chat(ctx, provider.Request{
		Messages: []provider.Message{{
			Role:    "user",
			Content: fmt.Sprintf(summarizePrompt, transcript.String()),
		}},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}
