package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/tokens"
)

const (
	semanticTopK    = 16
	remoteQueryCap  = 8
	dedupOverlapMax = 0.7
)

// Item is one memory chosen for prompt injection.
type Item struct {
	Category string
	Content  string
	Score    float64
}

// Selection is the budgeted result of one recall pass, plus the
// numbers the injection log wants.
type Selection struct {
	Items      []Item
	Candidates int
	TokensUsed int
	Budget     int
}

// Render formats the selection for the system prompt. Empty selections
// render as an empty string so the prompt builder can skip the section.
func (sel Selection) Render() string {
	if len(sel.Items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, item := range sel.Items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [%s] %s", item.Category, item.Content)
	}
	return b.String()
}

type candidate struct {
	item   Item
	tokens map[string]struct{}
}

// Select recalls, scores, and packs memories for one turn. Recall is
// semantic when the vector index is live, keyword-scored otherwise;
// either way the result fits memory_token_budget and every pass writes
// an injection_logs row. Errors degrade to an empty selection.
func (s *Service) Select(ctx context.Context, chatID int64, query string) Selection {
	sel := Selection{Budget: s.cfg.MemoryTokenBudget}

	cands, err := s.scoredCandidates(ctx, chatID, query)
	if err != nil {
		s.logger.Warn("memory recall failed", "chat_id", chatID, "error", err)
		return sel
	}
	sel.Candidates = len(cands)

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].item.Score > cands[j].item.Score
	})

	var picked []candidate
	for _, c := range cands {
		if overlapsPicked(c, picked) {
			continue
		}
		cost := tokens.Count(fmt.Sprintf("- [%s] %s\n", c.item.Category, c.item.Content))
		if sel.TokensUsed+cost > sel.Budget {
			continue
		}
		sel.TokensUsed += cost
		sel.Items = append(sel.Items, c.item)
		picked = append(picked, c)
	}

	obs.Count("memory.injections")
	if err := s.store.RecordInjection(ctx, chatID, sel.Candidates, len(sel.Items), sel.TokensUsed, sel.Budget); err != nil {
		s.logger.Warn("injection log write failed", "chat_id", chatID, "error", err)
	}
	return sel
}

// Recall is the tool-facing read path: the same scored candidates the
// prompt injector sees, rendered as lines, with no injection log
// written and no token budget applied.
func (s *Service) Recall(ctx context.Context, chatID int64, query string, limit int) ([]string, error) {
	cands, err := s.scoredCandidates(ctx, chatID, query)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].item.Score > cands[j].item.Score
	})
	if limit <= 0 || limit > len(cands) {
		limit = len(cands)
	}
	lines := make([]string, 0, limit)
	for _, c := range cands[:limit] {
		lines = append(lines, fmt.Sprintf("[%s] %s", c.item.Category, c.item.Content))
	}
	return lines, nil
}

// scoredCandidates loads active memories and scores them against the
// query: semantic when the vector index is live, keyword overlap
// otherwise, confidence-weighted when there is no query at all. Remote
// backend results compete in the same list.
func (s *Service) scoredCandidates(ctx context.Context, chatID int64, query string) ([]candidate, error) {
	rows, err := s.store.ActiveMemories(ctx, chatID, s.cfg.MemoryConfidenceFloor)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for _, row := range rows {
		cands = append(cands, candidate{
			item:   Item{Category: row.Category, Content: row.Content, Score: row.Confidence * 0.1},
			tokens: contentTokens(row.Content),
		})
	}

	query = strings.TrimSpace(query)
	scored := false
	if s.index != nil && query != "" {
		if err := s.index.sync(ctx, rows); err != nil {
			s.logger.Warn("memory index sync failed", "error", err)
		} else if sims, err := s.index.query(ctx, query, semanticTopK); err != nil {
			s.logger.Warn("memory index query failed, falling back to keywords", "error", err)
		} else {
			for i, row := range rows {
				if sim, ok := sims[row.ID]; ok {
					cands[i].item.Score = sim
				}
			}
			scored = true
		}
	}
	if !scored && query != "" {
		qTokens := contentTokens(query)
		for i := range cands {
			cands[i].item.Score += keywordScore(qTokens, cands[i].tokens)
		}
	}

	cands = append(cands, s.remoteCandidates(ctx, chatID, query)...)
	return cands, nil
}

// remoteCandidates asks the MCP memory backend for extra recall when
// one is configured. Its results compete in the same packing pass.
func (s *Service) remoteCandidates(ctx context.Context, chatID int64, query string) []candidate {
	if s.remote == nil || query == "" {
		return nil
	}
	server, ok := s.remote.MemoryBackend()
	if !ok {
		return nil
	}
	args, err := json.Marshal(map[string]any{
		"query":   query,
		"chat_id": chatID,
		"limit":   remoteQueryCap,
	})
	if err != nil {
		return nil
	}
	res, err := s.remote.CallTool(ctx, server, "memory_query", args)
	if err != nil || res.IsError {
		s.logger.Warn("memory backend query failed, using local recall only", "server", server, "error", err)
		return nil
	}
	var out []candidate
	for _, block := range res.Content {
		for _, line := range strings.Split(block.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			out = append(out, candidate{
				item:   Item{Category: "backend", Content: line, Score: 0.5},
				tokens: contentTokens(line),
			})
		}
	}
	return out
}

func keywordScore(query, row map[string]struct{}) float64 {
	if len(row) == 0 {
		return 0
	}
	overlap := 0
	for w := range query {
		if _, ok := row[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / math.Sqrt(float64(len(row)))
}

func overlapsPicked(c candidate, picked []candidate) bool {
	for _, p := range picked {
		if jaccard(c.tokens, p.tokens) > dedupOverlapMax {
			return true
		}
	}
	return false
}
