package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type sessionEntry struct {
	SessionKey      string    `json:"session_key"`
	Label           string    `json:"label"`
	ChatID          int64     `json:"chat_id"`
	ChatType        string    `json:"chat_type"`
	LastMessageTime time.Time `json:"last_message_time"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	out := make([]sessionEntry, 0, len(chats))
	for i := range chats {
		c := &chats[i]
		label := c.Title
		if label == "" {
			label = sessionKeyFor(c)
		}
		out = append(out, sessionEntry{
			SessionKey:      sessionKeyFor(c),
			Label:           label,
			ChatID:          c.InternalID,
			ChatType:        c.ChatType,
			LastMessageTime: c.LastMessageTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chat, err := s.resolveSessionKey(r.Context(), r.URL.Query().Get("session_key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "unknown session")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.store.RecentMessages(r.Context(), chat.InternalID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	type msgEntry struct {
		ID         string    `json:"id"`
		SenderName string    `json:"sender_name"`
		Content    string    `json:"content"`
		IsFromBot  bool      `json:"is_from_bot"`
		Timestamp  time.Time `json:"timestamp"`
	}
	out := make([]msgEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, msgEntry{
			ID:         m.ID,
			SenderName: m.SenderName,
			Content:    m.Content,
			IsFromBot:  m.IsFromBot,
			Timestamp:  m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	chat, err := s.resolveSessionKey(r.Context(), req.SessionKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "unknown session")
		return
	}
	if err := s.store.ResetSession(r.Context(), chat.InternalID); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	chat, err := s.resolveSessionKey(r.Context(), req.SessionKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "unknown session")
		return
	}
	if err := s.store.DeleteSession(r.Context(), chat.InternalID); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionTree(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	type treeNode struct {
		SessionKey       string    `json:"session_key"`
		ChatID           int64     `json:"chat_id"`
		ParentSessionKey string    `json:"parent_session_key,omitempty"`
		ForkPoint        int64     `json:"fork_point,omitempty"`
		UpdatedAt        time.Time `json:"updated_at"`
		Turns            int       `json:"turns"`
	}
	out := make([]treeNode, 0, len(sessions))
	for _, sess := range sessions {
		key := strconv.FormatInt(sess.ChatID, 10)
		if chat, err := s.store.GetChat(r.Context(), sess.ChatID); err == nil {
			key = sessionKeyFor(chat)
		}
		out = append(out, treeNode{
			SessionKey:       key,
			ChatID:           sess.ChatID,
			ParentSessionKey: sess.ParentSessionKey,
			ForkPoint:        sess.ForkPoint,
			UpdatedAt:        sess.UpdatedAt,
			Turns:            countTurns(sess.MessagesJSON),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleForkSession copies a session's turns up to fork_point into a
// fresh web chat, recording the lineage for the tree view.
func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parent    string `json:"parent"`
		ForkPoint int64  `json:"fork_point"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	parent, err := s.resolveSessionKey(r.Context(), req.Parent)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "unknown session")
		return
	}
	sess, err := s.store.GetSession(r.Context(), parent.InternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "validation", "parent has no session")
		return
	}
	truncated, total, err := truncateTurns(sess.MessagesJSON, req.ForkPoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if req.ForkPoint < 0 || req.ForkPoint > int64(total) {
		writeError(w, http.StatusBadRequest, "validation", "fork_point out of range")
		return
	}

	external := "fork-" + uuid.NewString()[:8]
	title := "fork of " + sessionKeyFor(parent)
	chatID, err := s.store.UpsertChat(r.Context(), "web", external, "private", title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	parentKey := sessionKeyFor(parent)
	if err := s.store.ForkSession(r.Context(), parent.InternalID, chatID, parentKey, req.ForkPoint, truncated); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_key": "web:" + external,
		"chat_id":     chatID,
	})
}

// sessionDoc mirrors the agent's serialized session shape closely
// enough to count and truncate turns without owning the full type.
type sessionDoc struct {
	Turns       []json.RawMessage `json:"turns"`
	SeenIDs     json.RawMessage   `json:"seen_ids,omitempty"`
	SeenThrough json.RawMessage   `json:"seen_through,omitempty"`
}

func countTurns(messagesJSON string) int {
	var doc sessionDoc
	if json.Unmarshal([]byte(messagesJSON), &doc) != nil {
		return 0
	}
	return len(doc.Turns)
}

func truncateTurns(messagesJSON string, forkPoint int64) (string, int, error) {
	var doc sessionDoc
	if err := json.Unmarshal([]byte(messagesJSON), &doc); err != nil {
		return "", 0, err
	}
	total := len(doc.Turns)
	if forkPoint >= 0 && forkPoint < int64(total) {
		doc.Turns = doc.Turns[:forkPoint]
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", total, err
	}
	return string(out), total, nil
}
