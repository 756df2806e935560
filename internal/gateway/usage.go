package gateway

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/basket/microclaw/internal/pricing"
)

// handleUsage reports token spend per model plus the memory
// observability counters for one session (or all chats when
// session_key is omitted).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var chatID int64
	if key := r.URL.Query().Get("session_key"); key != "" {
		chat, err := s.resolveSessionKey(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusNotFound, "validation", "unknown session")
			return
		}
		chatID = chat.InternalID
	}

	rows, err := s.store.UsageForChat(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	type modelUsage struct {
		Model            string  `json:"model"`
		Calls            int64   `json:"calls"`
		PromptTokens     int64   `json:"prompt_tokens"`
		CompletionTokens int64   `json:"completion_tokens"`
		CostUSD          float64 `json:"cost_usd"`
	}
	models := make([]modelUsage, 0, len(rows))
	var totalCost float64
	for _, u := range rows {
		cost := pricing.EstimateCost(u.Model, u.PromptTokens, u.CompletionTokens)
		totalCost += cost
		models = append(models, modelUsage{
			Model:            u.Model,
			Calls:            u.Calls,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			CostUSD:          cost,
		})
	}

	resp := map[string]any{
		"models":         models,
		"total_cost_usd": totalCost,
	}
	if chatID > 0 {
		stats, err := s.store.InjectionStatsForChat(r.Context(), chatID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage", err.Error())
			return
		}
		resp["memory"] = map[string]any{
			"selections":   stats.Selections,
			"candidates":   stats.Candidates,
			"selected":     stats.Selected,
			"tokens_used":  stats.TokensUsed,
			"budget_total": stats.BudgetTotal,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics is the live snapshot: process stats plus whatever
// counters the observability layer exports.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out := map[string]float64{
		"uptime_secs":       time.Since(s.startedAt).Seconds(),
		"goroutines":        float64(runtime.NumGoroutine()),
		"heap_alloc_bytes":  float64(mem.HeapAlloc),
		"ratelimit_buckets": float64(s.ratelimit.bucketCount()),
	}
	if s.metrics != nil {
		for name, v := range s.metrics.Snapshot() {
			out[name] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetricsSummary aggregates the last hour of sampled history
// into per-series gauges for the dashboard.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	points, err := s.store.MetricsSince(r.Context(), time.Now().Add(-time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	type gauge struct {
		Last    float64 `json:"last"`
		Mean    float64 `json:"mean"`
		Max     float64 `json:"max"`
		Samples int     `json:"samples"`
	}
	series := map[string]*gauge{}
	for _, p := range points {
		g, ok := series[p.Name]
		if !ok {
			g = &gauge{Max: p.Value}
			series[p.Name] = g
		}
		g.Last = p.Value
		g.Mean += p.Value
		if p.Value > g.Max {
			g.Max = p.Value
		}
		g.Samples++
	}
	for _, g := range series {
		if g.Samples > 0 {
			g.Mean /= float64(g.Samples)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_mins": 60,
		"series":      series,
	})
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minutes = n
		}
	}
	points, err := s.store.MetricsSince(r.Context(), time.Now().Add(-time.Duration(minutes)*time.Minute))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"minutes": minutes,
		"points":  points,
	})
}
