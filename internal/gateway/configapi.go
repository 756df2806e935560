package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/microclaw/internal/config"
)

type sandboxView struct {
	Mode           string `json:"mode"`
	Backend        string `json:"backend"`
	Image          string `json:"image"`
	NoNetwork      bool   `json:"no_network"`
	RequireRuntime bool   `json:"require_runtime"`
}

type configView struct {
	LLMProvider            string      `json:"llm_provider"`
	Model                  string      `json:"model"`
	LLMBaseURL             string      `json:"llm_base_url,omitempty"`
	APIKey                 string      `json:"api_key"`
	MaxTokens              int         `json:"max_tokens"`
	DataDir                string      `json:"data_dir"`
	WorkingDir             string      `json:"working_dir"`
	WorkingDirIsolation    string      `json:"working_dir_isolation"`
	MaxToolIterations      int         `json:"max_tool_iterations"`
	MaxSessionMessages     int         `json:"max_session_messages"`
	CompactKeepRecent      int         `json:"compact_keep_recent"`
	MaxHistoryMessages     int         `json:"max_history_messages"`
	MemoryTokenBudget      int         `json:"memory_token_budget"`
	ReflectorEnabled       bool        `json:"reflector_enabled"`
	ReflectorIntervalMins  int         `json:"reflector_interval_mins"`
	ControlChatIDs         []int64     `json:"control_chat_ids"`
	DefaultToolTimeoutSecs int         `json:"default_tool_timeout_secs"`
	BotName                string      `json:"bot_name"`
	Timezone               string      `json:"timezone"`
	WebHost                string      `json:"web_host"`
	WebPort                int         `json:"web_port"`
	Sandbox                sandboxView `json:"sandbox"`
	Fingerprint            string      `json:"fingerprint"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	c := s.cfg
	writeJSON(w, http.StatusOK, configView{
		LLMProvider:            c.LLMProvider,
		Model:                  c.Model,
		LLMBaseURL:             c.LLMBaseURL,
		APIKey:                 maskSecret(c.APIKey),
		MaxTokens:              c.MaxTokens,
		DataDir:                c.DataDir,
		WorkingDir:             c.WorkingDir,
		WorkingDirIsolation:    c.WorkingDirIsolation,
		MaxToolIterations:      c.MaxToolIterations,
		MaxSessionMessages:     c.MaxSessionMessages,
		CompactKeepRecent:      c.CompactKeepRecent,
		MaxHistoryMessages:     c.MaxHistoryMessages,
		MemoryTokenBudget:      c.MemoryTokenBudget,
		ReflectorEnabled:       c.ReflectorEnabled,
		ReflectorIntervalMins:  c.ReflectorIntervalMins,
		ControlChatIDs:         c.ControlChatIDs,
		DefaultToolTimeoutSecs: c.DefaultToolTimeoutSecs,
		BotName:                c.BotName,
		Timezone:               c.Timezone,
		WebHost:                c.WebHost,
		WebPort:                c.WebPort,
		Sandbox: sandboxView{
			Mode:           c.Sandbox.Mode,
			Backend:        c.Sandbox.Backend,
			Image:          c.Sandbox.Image,
			NoNetwork:      c.Sandbox.NoNetwork,
			RequireRuntime: c.Sandbox.RequireRuntime,
		},
		Fingerprint: c.Fingerprint(),
	})
}

// handlePutConfig applies a partial update and persists it. Only the
// operational knobs are writable over the API; paths and auth stay
// file-managed.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model                 *string `json:"model"`
		LLMProvider           *string `json:"llm_provider"`
		LLMBaseURL            *string `json:"llm_base_url"`
		APIKey                *string `json:"api_key"`
		MaxTokens             *int    `json:"max_tokens"`
		MaxToolIterations     *int    `json:"max_tool_iterations"`
		MaxSessionMessages    *int    `json:"max_session_messages"`
		CompactKeepRecent     *int    `json:"compact_keep_recent"`
		MaxHistoryMessages    *int    `json:"max_history_messages"`
		MemoryTokenBudget     *int    `json:"memory_token_budget"`
		ReflectorEnabled      *bool   `json:"reflector_enabled"`
		ReflectorIntervalMins *int    `json:"reflector_interval_mins"`
		BotName               *string `json:"bot_name"`
		LogLevel              *string `json:"log_level"`
		SandboxMode           *string `json:"sandbox_mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}

	next := s.cfg
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil && *v > 0 {
			*dst = *v
		}
	}
	setString(&next.Model, req.Model)
	setString(&next.LLMProvider, req.LLMProvider)
	setString(&next.LLMBaseURL, req.LLMBaseURL)
	setString(&next.BotName, req.BotName)
	setString(&next.LogLevel, req.LogLevel)
	if req.APIKey != nil && *req.APIKey != "" && !strings.Contains(*req.APIKey, "…") {
		next.APIKey = *req.APIKey
	}
	setInt(&next.MaxTokens, req.MaxTokens)
	setInt(&next.MaxToolIterations, req.MaxToolIterations)
	setInt(&next.MaxSessionMessages, req.MaxSessionMessages)
	setInt(&next.CompactKeepRecent, req.CompactKeepRecent)
	setInt(&next.MaxHistoryMessages, req.MaxHistoryMessages)
	setInt(&next.MemoryTokenBudget, req.MemoryTokenBudget)
	setInt(&next.ReflectorIntervalMins, req.ReflectorIntervalMins)
	if req.ReflectorEnabled != nil {
		next.ReflectorEnabled = *req.ReflectorEnabled
	}
	if req.SandboxMode != nil {
		switch *req.SandboxMode {
		case "off", "all", "non_main":
			next.Sandbox.Mode = *req.SandboxMode
		default:
			writeError(w, http.StatusBadRequest, "validation", "invalid sandbox_mode")
			return
		}
	}

	if err := config.Save(next); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	s.cfg = next
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fingerprint": next.Fingerprint()})
}

// handleSelfCheck reports the deployment's risk posture: what is
// reachable, what executes on the host, and whether auth is still in
// its out-of-the-box state.
func (s *Server) handleSelfCheck(w http.ResponseWriter, r *http.Request) {
	var warnings []string
	level := "low"
	raise := func(to string) {
		if to == "high" || (to == "medium" && level == "low") {
			level = to
		}
	}

	hash, err := s.store.PasswordHash(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if hash == "" {
		warnings = append(warnings, "no operator password set; web API is unauthenticated until bootstrap completes")
		raise("high")
	}
	if s.cfg.Sandbox.Mode == "off" {
		warnings = append(warnings, "sandbox mode is off; tools execute directly on the host")
		raise("medium")
	}
	if !isLoopback(s.cfg.WebHost) {
		warnings = append(warnings, "web API bound to a non-loopback address")
		raise("medium")
		if hash == "" {
			raise("high")
		}
	}
	if len(s.cfg.ControlChatIDs) > 0 {
		warnings = append(warnings, "control chats configured; they can act on every chat")
	}
	if s.cfg.Hooks.Dir == "" {
		warnings = append(warnings, "no hook directory configured; tool calls run ungated")
	}

	posture := "hardened"
	switch level {
	case "high":
		posture = "exposed"
	case "medium":
		posture = "default"
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"risk_level":       level,
		"warnings":         warnings,
		"security_posture": posture,
	})
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1" || host == ""
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "…"
	}
	return secret[:4] + "…"
}
