// Package agent implements the engine that turns an incoming message
// into a finished run: session load, prompt assembly, the provider
// tool loop, and session persistence. One Agent serves every chat;
// turns within a chat are serialized, chats run in parallel.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/memory"
	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/runs"
	"github.com/basket/microclaw/internal/storage"
	"github.com/basket/microclaw/internal/tools"
)

const subAgentIterations = 10

// Turn is one request for the engine to process.
type Turn struct {
	ChatID   int64
	Sender   string
	ChatType string // "private", "group", "channel"

	// OverridePrompt is appended as a synthetic user turn. Set by the
	// scheduler; empty for ordinary messages.
	OverridePrompt string

	// RunID enables stream emission to the run registry when non-empty.
	RunID string
}

// Agent is the engine. All fields are set at construction.
type Agent struct {
	cfg      *config.Config
	store    *storage.Store
	llm      provider.Client
	registry *tools.Registry
	runtime  *tools.Runtime
	memory   *memory.Service
	runs     *runs.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

func New(cfg *config.Config, store *storage.Store, llm provider.Client, registry *tools.Registry,
	runtime *tools.Runtime, mem *memory.Service, runReg *runs.Registry, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		store:     store,
		llm:       llm,
		registry:  registry,
		runtime:   runtime,
		memory:    mem,
		runs:      runReg,
		logger:    logger,
		chatLocks: map[int64]*sync.Mutex{},
	}
}

// Process runs one full turn for a chat and returns the final
// assistant text. The text may be empty when the agent delivered its
// answer through the send_message tool. A second call for the same
// chat queues behind the first.
func (a *Agent) Process(ctx context.Context, turn Turn) (string, error) {
	lock := a.chatLock(turn.ChatID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := obs.StartSpan(ctx, obs.Tracer(), "agent.turn",
		obs.AttrChatID.Int64(turn.ChatID), obs.AttrRunID.String(turn.RunID))
	defer span.End()
	obs.Metrics().ActiveRuns.Add(ctx, 1)
	start := time.Now()
	defer func() {
		obs.Metrics().ActiveRuns.Add(ctx, -1)
		obs.Metrics().RunDuration.Record(ctx, time.Since(start).Seconds())
	}()

	a.publish(ctx, turn.RunID, "status", map[string]any{"state": "thinking"})
	obs.Count("runs_started")

	text, err := a.processLocked(ctx, turn)
	if err != nil {
		obs.Count("runs_failed")
		a.publish(ctx, turn.RunID, "error", map[string]any{"message": err.Error()})
		return "", err
	}
	a.publish(ctx, turn.RunID, "done", map[string]any{"content": text})
	return text, nil
}

func (a *Agent) processLocked(ctx context.Context, turn Turn) (string, error) {
	sess, err := a.loadSession(ctx, turn)
	if err != nil {
		return "", err
	}

	chatCtx, err := a.chatContext(ctx, turn.ChatID, turn.ChatType, 0)
	if err != nil {
		return "", err
	}

	system, err := a.buildSystemPrompt(ctx, turn.ChatID, latestUserText(sess.Turns))
	if err != nil {
		return "", err
	}

	sess.Turns = a.compact(ctx, sess.Turns)

	text, finalTurns, err := a.runLoop(ctx, loopParams{
		system:     system,
		turns:      sess.Turns,
		registry:   a.registry,
		chat:       chatCtx,
		iterations: a.cfg.MaxToolIterations,
		runID:      turn.RunID,
	})
	if err != nil {
		return "", err
	}
	sess.Turns = finalTurns

	if err := a.saveSession(ctx, turn.ChatID, sess); err != nil {
		a.logger.Error("session save failed", "chat_id", turn.ChatID, "error", err)
	}
	return text, nil
}

// SpawnSubAgent runs a task in a fresh engine invocation over the
// restricted registry. It satisfies the sub-agent tool's runner
// contract; recursion is already refused by the tool itself.
func (a *Agent) SpawnSubAgent(ctx context.Context, chat tools.ChatContext, task string) (string, error) {
	system, err := a.buildSystemPrompt(ctx, chat.ID, task)
	if err != nil {
		return "", err
	}
	text, _, err := a.runLoop(ctx, loopParams{
		system:     system + "\n\nYou are a sub-agent working one delegated task. Do the task and reply with your findings; you cannot message the user directly.",
		turns:      []provider.Message{{Role: "user", Content: task}},
		registry:   a.registry.Restricted(),
		chat:       chat,
		iterations: subAgentIterations,
	})
	return text, err
}

func (a *Agent) chatLock(chatID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		a.chatLocks[chatID] = lock
	}
	return lock
}

// chatContext assembles the authority context every tool call carries.
// The working directory is created on first use.
func (a *Agent) chatContext(ctx context.Context, chatID int64, chatType string, depth int) (tools.ChatContext, error) {
	cc := tools.ChatContext{
		ID:        chatID,
		ChatType:  chatType,
		IsControl: a.cfg.IsControlChat(chatID),
		Depth:     depth,
	}
	if chat, err := a.store.GetChat(ctx, chatID); err == nil && chat != nil {
		cc.Channel = chat.Channel
		cc.ExternalChatID = chat.ExternalChatID
		if cc.ChatType == "" {
			cc.ChatType = chat.ChatType
		}
	}
	cc.WorkDir = a.workDir(cc)
	if err := os.MkdirAll(cc.WorkDir, 0o755); err != nil {
		return cc, fmt.Errorf("create working dir: %w", err)
	}
	return cc, nil
}

func (a *Agent) workDir(cc tools.ChatContext) string {
	if a.cfg.WorkingDirIsolation == "shared" {
		return filepath.Join(a.cfg.WorkingDir, "shared")
	}
	channel := cc.Channel
	if channel == "" {
		channel = "local"
	}
	return filepath.Join(a.cfg.WorkingDir, "chat", channel, strconv.FormatInt(cc.ID, 10))
}

func (a *Agent) publish(ctx context.Context, runID, name string, payload any) {
	if runID == "" || a.runs == nil {
		return
	}
	a.runs.Publish(ctx, runID, name, payload)
}
