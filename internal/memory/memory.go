// Package memory implements the two-layer memory system: AGENTS.md
// file memory read into every prompt, and structured rows in SQLite
// selected per turn under a token budget. Writes pass a quality gate;
// duplicates merge instead of accumulating. A background reflector
// distills recent conversation into new rows.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/mcp"
	"github.com/basket/microclaw/internal/storage"
)

// explicit writes (remember tool, write_memory) start near the top of
// the confidence range; the reflector's extractions start lower and
// earn their way up through duplicate confirmation.
const (
	confidenceExplicit  = 0.9
	confidenceExtracted = 0.6
	confidenceBump      = 0.05
	confidenceCeiling   = 0.99
)

// RemoteBackend is the slice of the MCP manager the memory service
// uses. A server exposing memory_query and memory_upsert becomes the
// preferred structured backend; every call falls back to the local
// store when the server is absent or failing.
type RemoteBackend interface {
	MemoryBackend() (string, bool)
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (*mcp.ToolResult, error)
}

// Service owns both memory layers for all chats.
type Service struct {
	store  *storage.Store
	cfg    *config.Config
	index  *semanticIndex // nil unless embeddings are configured
	remote RemoteBackend  // nil unless an MCP memory backend exists
	logger *slog.Logger
}

// NewService builds the memory service. The semantic index is only
// constructed when the embedding provider is configured; otherwise
// selection uses the keyword fallback.
func NewService(store *storage.Store, cfg *config.Config, remote RemoteBackend, logger *slog.Logger) (*Service, error) {
	s := &Service{
		store:  store,
		cfg:    cfg,
		remote: remote,
		logger: logger,
	}
	if cfg.EmbeddingProvider != "" && cfg.EmbeddingModel != "" {
		embedder, err := NewEmbedder(EmbedderConfig{
			Model:   cfg.EmbeddingModel,
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingBaseURL,
			Dim:     cfg.EmbeddingDim,
		})
		if err != nil {
			return nil, fmt.Errorf("memory embedder: %w", err)
		}
		index, err := newSemanticIndex(embedder)
		if err != nil {
			return nil, fmt.Errorf("memory index: %w", err)
		}
		s.index = index
	}
	return s, nil
}

// SemanticEnabled reports whether selection runs over the vector index.
func (s *Service) SemanticEnabled() bool {
	return s.index != nil
}

// Remember upserts a structured memory through the quality gate. This
// is the deterministic path behind the remember tool and explicit
// "remember ..." commands, so it carries explicit confidence.
func (s *Service) Remember(ctx context.Context, scope string, chatID int64, category, content string) (int64, error) {
	content = strings.TrimSpace(content)
	if err := gateContent(content, s.cfg.MemoryMinChars); err != nil {
		return 0, err
	}
	if category == "" {
		category = "general"
	}
	id, _, err := s.upsert(ctx, scope, chatID, category, content, confidenceExplicit)
	if err != nil {
		return 0, err
	}
	s.mirrorRemote(ctx, scope, chatID, category, content)
	return id, nil
}

// Forget archives unarchived rows whose content contains the query,
// case-insensitively, within the scope. Archival is soft; nothing is
// deleted.
func (s *Service) Forget(ctx context.Context, scope string, chatID int64, query string) (int, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return 0, fmt.Errorf("empty forget query")
	}
	rows, err := s.store.ActiveMemories(ctx, chatID, 0)
	if err != nil {
		return 0, err
	}
	want := storage.ScopeChat
	if scope == "global" {
		want = storage.ScopeGlobal
	}
	archived := 0
	for _, row := range rows {
		if row.Scope != want {
			continue
		}
		if !strings.Contains(strings.ToLower(row.Content), query) {
			continue
		}
		if err := s.store.ArchiveMemory(ctx, row.ID); err != nil {
			return archived, err
		}
		s.dropFromIndex(ctx, row.ID)
		archived++
	}
	return archived, nil
}

// WriteAgentsFile replaces the AGENTS.md file for the scope and records
// the same content as a structured row so selection and the usage
// report see it.
func (s *Service) WriteAgentsFile(ctx context.Context, scope string, chatID int64, content string) error {
	path := s.agentsPath(scope, chatID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := atomicWrite(path, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	_, _, err := s.upsert(ctx, scope, chatID, "agents_file", trimmed, confidenceExplicit)
	return err
}

// ReadAgentsFiles returns the global and per-chat AGENTS.md contents
// for prompt assembly. Missing files read as empty strings.
func (s *Service) ReadAgentsFiles(chatID int64) (global, chat string) {
	return readIfExists(s.agentsPath("global", 0)), readIfExists(s.agentsPath("chat", chatID))
}

func (s *Service) agentsPath(scope string, chatID int64) string {
	if scope == "global" {
		return filepath.Join(s.cfg.DataDir, "AGENTS.md")
	}
	return filepath.Join(s.cfg.GroupDir(chatID), "AGENTS.md")
}

// upsert runs duplicate merge then insert. On an exact content match
// the older row's confidence is bumped; otherwise a new row is written
// with a freshly computed embedding when the index is live. Returns
// the row id and whether an existing row was updated.
func (s *Service) upsert(ctx context.Context, scope string, chatID int64, category, content string, confidence float64) (int64, bool, error) {
	rowScope, rowChatID := scopeRow(scope, chatID)
	existing, err := s.store.FindMemoryByContent(ctx, rowScope, rowChatID, content)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		bumped := min(existing.Confidence+confidenceBump, confidenceCeiling)
		if err := s.store.UpdateMemory(ctx, existing.ID, content, bumped); err != nil {
			return 0, false, err
		}
		return existing.ID, true, nil
	}

	row := storage.MemoryRow{
		ChatID:     rowChatID,
		Scope:      rowScope,
		Category:   category,
		Content:    content,
		Confidence: confidence,
	}
	if rowChatID != nil {
		if chat, err := s.store.GetChat(ctx, chatID); err == nil && chat != nil {
			row.ChatChannel = chat.Channel
			row.ExternalChatID = chat.ExternalChatID
		}
	}
	if s.index != nil {
		vec, err := s.index.embed(ctx, content)
		if err != nil {
			s.logger.Warn("memory embedding failed, storing without vector", "error", err)
		} else {
			row.EmbeddingModel = s.cfg.EmbeddingModel
			row.EmbeddingDim = len(vec)
			row.EmbeddingBlob = encodeVector(vec)
		}
	}
	id, err := s.store.InsertMemory(ctx, row)
	if err != nil {
		return 0, false, err
	}
	if s.index != nil && row.EmbeddingBlob != nil {
		row.ID = id
		s.index.add(ctx, row)
	}
	return id, false, nil
}

// mirrorRemote pushes an explicit write to the MCP memory backend when
// one is configured. Failures degrade to local-only with a warning.
func (s *Service) mirrorRemote(ctx context.Context, scope string, chatID int64, category, content string) {
	if s.remote == nil {
		return
	}
	server, ok := s.remote.MemoryBackend()
	if !ok {
		return
	}
	args, err := json.Marshal(map[string]any{
		"scope":    scope,
		"chat_id":  chatID,
		"category": category,
		"content":  content,
	})
	if err != nil {
		return
	}
	if _, err := s.remote.CallTool(ctx, server, "memory_upsert", args); err != nil {
		s.logger.Warn("memory backend upsert failed, local row kept", "server", server, "error", err)
	}
}

func (s *Service) dropFromIndex(ctx context.Context, id int64) {
	if s.index != nil {
		s.index.remove(ctx, id)
	}
}

func scopeRow(scope string, chatID int64) (storage.MemoryScope, *int64) {
	if scope == "global" {
		return storage.ScopeGlobal, nil
	}
	id := chatID
	return storage.ScopeChat, &id
}

func readIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
