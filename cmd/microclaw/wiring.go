package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/runs"
	"github.com/basket/microclaw/internal/skills"
	"github.com/basket/microclaw/internal/storage"
	"github.com/basket/microclaw/internal/tools"
)

// engineHandle breaks the construction cycle between the agent and the
// surfaces that drive it: the hub and the tool registry exist before
// the agent, so they hold the handle and the agent is set in last.
type engineHandle struct {
	mu    sync.RWMutex
	agent *agent.Agent
}

func (e *engineHandle) set(a *agent.Agent) {
	e.mu.Lock()
	e.agent = a
	e.mu.Unlock()
}

func (e *engineHandle) get() (*agent.Agent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.agent == nil {
		return nil, fmt.Errorf("engine not ready")
	}
	return e.agent, nil
}

func (e *engineHandle) Process(ctx context.Context, turn agent.Turn) (string, error) {
	a, err := e.get()
	if err != nil {
		return "", err
	}
	return a.Process(ctx, turn)
}

func (e *engineHandle) Spawn(ctx context.Context, chat tools.ChatContext, task string) (string, error) {
	a, err := e.get()
	if err != nil {
		return "", err
	}
	return a.SpawnSubAgent(ctx, chat, task)
}

// sseSink mirrors run events into the sse_events table.
type sseSink struct {
	store *storage.Store
}

func (s *sseSink) AppendSSEEvent(ctx context.Context, runID string, eventID uint64, name, payloadJSON string) error {
	return s.store.AppendSSEEvent(ctx, storage.SSEEvent{
		RunID:       runID,
		EventID:     eventID,
		Name:        name,
		PayloadJSON: payloadJSON,
	})
}

func (s *sseSink) SSEEventsForRun(ctx context.Context, runID string) ([]runs.Event, error) {
	rows, err := s.store.SSEEventsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]runs.Event, len(rows))
	for i, r := range rows {
		out[i] = runs.Event{
			RunID:     r.RunID,
			EventID:   r.EventID,
			Name:      r.Name,
			Payload:   json.RawMessage(r.PayloadJSON),
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// skillCatalog adapts the skill service to the use_skill tool.
type skillCatalog struct {
	svc *skills.Service
}

func (c skillCatalog) List() []tools.SkillInfo {
	all := c.svc.All()
	out := make([]tools.SkillInfo, 0, len(all))
	for _, s := range all {
		out = append(out, tools.SkillInfo{Name: s.Name, Description: s.Description})
	}
	return out
}

func (c skillCatalog) Instructions(name string) (string, error) {
	return c.svc.Instructions(name)
}
