package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/storage"
)

const (
	reflectorSampleSize = 30
	reflectorMaxFacts   = 8
	supersedeOverlap    = 0.6
)

const extractionPrompt = `You distill durable facts from chat transcripts.

Read the conversation below and extract facts worth remembering long
term: stable preferences, biographical details, ongoing projects,
standing instructions. Ignore small talk, one-off requests, and
anything true only for the moment.

Reply with a JSON array, no prose, at most %d entries:
[{"category": "preference|fact|project|instruction", "content": "..."}]

Reply with [] if nothing qualifies.

Conversation:
%s`

// Reflector periodically distills recent conversation into structured
// memories. It only ever archives by supersession; nothing is deleted.
type Reflector struct {
	service  *Service
	llm      provider.Client
	interval time.Duration
	logger   *slog.Logger

	// lastSeen tracks the newest message time already reflected per
	// chat, so quiet chats cost nothing per tick.
	lastSeen map[int64]time.Time
}

func NewReflector(service *Service, llm provider.Client, interval time.Duration, logger *slog.Logger) *Reflector {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reflector{
		service:  service,
		llm:      llm,
		interval: interval,
		logger:   logger,
		lastSeen: map[int64]time.Time{},
	}
}

// Run loops until the context ends.
func (r *Reflector) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("reflector pass failed", "error", err)
			}
		}
	}
}

// RunOnce reflects every chat with activity since the previous pass.
func (r *Reflector) RunOnce(ctx context.Context) error {
	obs.Count("memory.reflector_runs")
	chats, err := r.service.store.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("reflector list chats: %w", err)
	}
	for _, chat := range chats {
		if !chat.LastMessageTime.After(r.lastSeen[chat.InternalID]) {
			continue
		}
		if err := r.reflectChat(ctx, chat); err != nil {
			r.logger.Warn("reflector chat failed", "chat_id", chat.InternalID, "error", err)
			continue
		}
		r.lastSeen[chat.InternalID] = chat.LastMessageTime
	}
	return nil
}

func (r *Reflector) reflectChat(ctx context.Context, chat storage.Chat) error {
	start := time.Now()
	msgs, err := r.service.store.RecentMessages(ctx, chat.InternalID, reflectorSampleSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	facts, err := r.extract(ctx, msgs)
	if err != nil {
		return err
	}

	var inserted, updated, skipped int
	for _, fact := range facts {
		content := strings.TrimSpace(fact.Content)
		if err := gateContent(content, r.service.cfg.MemoryMinChars); err != nil {
			skipped++
			continue
		}
		category := fact.Category
		if category == "" {
			category = "fact"
		}
		wasUpdate, err := r.upsertFact(ctx, chat.InternalID, category, content)
		if err != nil {
			r.logger.Warn("reflector upsert failed", "chat_id", chat.InternalID, "error", err)
			skipped++
			continue
		}
		if wasUpdate {
			updated++
		} else {
			inserted++
		}
	}

	if err := r.service.store.RecordReflectorRun(ctx, chat.InternalID, inserted, updated, skipped, time.Since(start)); err != nil {
		return err
	}
	r.logger.Debug("reflector pass",
		"chat_id", chat.InternalID, "inserted", inserted, "updated", updated, "skipped", skipped)
	return nil
}

// upsertFact merges exact duplicates, supersedes near-duplicates by
// archiving the old row, and inserts genuinely new facts.
func (r *Reflector) upsertFact(ctx context.Context, chatID int64, category, content string) (bool, error) {
	svc := r.service
	if old := r.supersededRow(ctx, chatID, content); old != nil {
		_, dup, err := svc.upsert(ctx, "chat", chatID, category, content, min(old.Confidence+confidenceBump, confidenceCeiling))
		if err != nil {
			return false, err
		}
		if !dup {
			if err := svc.store.ArchiveMemory(ctx, old.ID); err != nil {
				return false, err
			}
			svc.dropFromIndex(ctx, old.ID)
		}
		return true, nil
	}
	_, dup, err := svc.upsert(ctx, "chat", chatID, category, content, confidenceExtracted)
	return dup, err
}

// supersededRow finds an active chat-scope row the new fact restates:
// high token overlap but different content. Exact matches are left for
// the duplicate merge in upsert.
func (r *Reflector) supersededRow(ctx context.Context, chatID int64, content string) *storage.MemoryRow {
	rows, err := r.service.store.ActiveMemories(ctx, chatID, 0)
	if err != nil {
		return nil
	}
	newTokens := contentTokens(content)
	var best *storage.MemoryRow
	bestScore := supersedeOverlap
	for i, row := range rows {
		if row.Scope != storage.ScopeChat || row.Content == content {
			continue
		}
		if score := jaccard(newTokens, contentTokens(row.Content)); score >= bestScore {
			best = &rows[i]
			bestScore = score
		}
	}
	return best
}

type extractedFact struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

func (r *Reflector) extract(ctx context.Context, msgs []storage.Message) ([]extractedFact, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if m.IsFromBot {
			name = "assistant"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, m.Content)
	}

	resp, err := r.llm.Chat(ctx, provider.Request{
		Messages: []provider.Message{{
			Role:    "user",
			Content: fmt.Sprintf(extractionPrompt, reflectorMaxFacts, transcript.String()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("reflector extraction: %w", err)
	}

	facts, err := parseFacts(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("reflector parse: %w", err)
	}
	if len(facts) > reflectorMaxFacts {
		facts = facts[:reflectorMaxFacts]
	}
	return facts, nil
}

// parseFacts tolerates the usual model decorations around the array:
// code fences and leading prose.
func parseFacts(raw string) ([]extractedFact, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "["); i >= 0 {
		if j := strings.LastIndex(raw, "]"); j > i {
			raw = raw[i : j+1]
		}
	}
	if raw == "" {
		return nil, nil
	}
	var facts []extractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}
