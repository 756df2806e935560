package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/shared"
	"github.com/basket/microclaw/internal/storage"
)

// handleSendStream persists the user message, opens a run, and kicks
// the agent off in the background. The caller follows up on
// /api/stream with the returned run_id.
func (s *Server) handleSendStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
		SenderName string `json:"sender_name"`
		Message    string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "validation", "empty message")
		return
	}
	sender := req.SenderName
	if sender == "" {
		sender = "user"
	}

	chat, err := s.resolveSessionKey(r.Context(), req.SessionKey)
	if err != nil {
		// Web session keys are minted by the UI; first contact creates
		// the chat.
		chat, err = s.createWebChat(r, req.SessionKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	if err := s.store.AddMessage(r.Context(), storage.Message{
		ID:         uuid.NewString(),
		ChatID:     chat.InternalID,
		SenderName: sender,
		Content:    text,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if err := s.store.TouchChat(r.Context(), chat.InternalID); err != nil {
		s.logger.Warn("touch chat failed", "chat_id", chat.InternalID, "error", err)
	}

	runID := shared.NewRunID()
	s.runs.Open(runID, chat.InternalID)

	turn := agent.Turn{
		ChatID:   chat.InternalID,
		Sender:   sender,
		ChatType: chat.ChatType,
		RunID:    runID,
	}
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		reply, err := s.engine.Process(shared.WithRunID(s.baseCtx, runID), turn)
		if err != nil {
			s.logger.Error("web run failed", "run_id", runID, "chat_id", chat.InternalID, "error", err)
			return
		}
		if reply == "" || s.deliverer == nil {
			return
		}
		if err := s.deliverer.DeliverAndStoreBotMessage(s.baseCtx, chat.InternalID, reply); err != nil {
			s.logger.Warn("store web reply", "run_id", runID, "chat_id", chat.InternalID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (s *Server) createWebChat(r *http.Request, key string) (*storage.Chat, error) {
	key = strings.TrimSpace(key)
	external := key
	if channel, rest, ok := strings.Cut(key, ":"); ok {
		if channel != "web" {
			return nil, fmt.Errorf("unknown session %q", key)
		}
		external = rest
	}
	if external == "" {
		external = uuid.NewString()[:8]
	}
	id, err := s.store.UpsertChat(r.Context(), "web", external, "private", "")
	if err != nil {
		return nil, err
	}
	return s.store.GetChat(r.Context(), id)
}

// handleStream replays a run's retained events and follows it live
// over SSE. Disconnecting does not cancel the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "validation", "run_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "storage", "streaming unsupported")
		return
	}

	meta, replay, live, cancel, ok := s.runs.Subscribe(r.Context(), runID)
	if !ok {
		writeError(w, http.StatusNotFound, "validation", "unknown run")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, 0, "replay_meta", mustJSON(meta))
	for _, ev := range replay {
		writeSSE(w, ev.EventID, ev.Name, string(ev.Payload))
	}
	flusher.Flush()
	if live == nil {
		return
	}

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return
			}
			writeSSE(w, ev.EventID, ev.Name, string(ev.Payload))
			flusher.Flush()
			if ev.Name == "done" || ev.Name == "error" {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, id uint64, name, payload string) {
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}

func mustJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}
