// Package gateway is the HTTP/SSE surface for the Web UI and API
// clients. Everything except /api/health and /api/auth/* requires a
// cookie session or a scoped API key.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/runs"
	"github.com/basket/microclaw/internal/shared"
	"github.com/basket/microclaw/internal/storage"
)

// Engine is the slice of the agent the gateway drives for web runs.
type Engine interface {
	Process(ctx context.Context, turn agent.Turn) (string, error)
}

// Deliverer stores (and, for platform chats, sends) the bot reply.
type Deliverer interface {
	DeliverAndStoreBotMessage(ctx context.Context, chatID int64, text string) error
}

// MetricsSource exposes the live counter snapshot for /api/metrics.
type MetricsSource interface {
	Snapshot() map[string]float64
}

// Config holds the gateway's dependencies.
type Config struct {
	Cfg       *config.Config
	Store     *storage.Store
	Engine    Engine
	Deliverer Deliverer
	Runs      *runs.Registry
	Metrics   MetricsSource // nil = runtime stats only

	Version string

	// BootstrapToken authorizes the initial password set via the
	// x-bootstrap-token header. Empty disables the bootstrap path.
	BootstrapToken string

	Logger *slog.Logger
}

type Server struct {
	cfg config.Config

	store     *storage.Store
	engine    Engine
	deliverer Deliverer
	runs      *runs.Registry
	metrics   MetricsSource
	logger    *slog.Logger

	version   string
	bootstrap string

	ratelimit *rateLimiter

	startedAt time.Time

	csrfMu sync.Mutex
	csrf   map[string]string // cookie session id -> csrf token

	// runWG tracks in-flight web runs for graceful drain.
	runWG   sync.WaitGroup
	baseCtx context.Context
}

func NewServer(c Config) *Server {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       *c.Cfg,
		store:     c.Store,
		engine:    c.Engine,
		deliverer: c.Deliverer,
		runs:      c.Runs,
		metrics:   c.Metrics,
		logger:    logger,
		version:   c.Version,
		bootstrap: c.BootstrapToken,
		ratelimit: newRateLimiter(defaultRequestsPerMinute, defaultBurst),
		startedAt: time.Now(),
		csrf:      map[string]string{},
		baseCtx:   context.Background(),
	}
}

// Handler builds the full route table with auth and rate limiting
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/auth/password", s.handleSetPassword)

	mux.Handle("GET /api/sessions", s.authed(scopeRead, s.handleSessions))
	mux.Handle("GET /api/sessions/tree", s.authed(scopeRead, s.handleSessionTree))
	mux.Handle("POST /api/sessions/fork", s.authed(scopeWrite, s.handleForkSession))
	mux.Handle("GET /api/history", s.authed(scopeRead, s.handleHistory))
	mux.Handle("POST /api/send_stream", s.authed(scopeWrite, s.handleSendStream))
	mux.Handle("GET /api/stream", s.authed(scopeRead, s.handleStream))
	mux.Handle("POST /api/reset", s.authed(scopeWrite, s.handleReset))
	mux.Handle("POST /api/delete_session", s.authed(scopeWrite, s.handleDeleteSession))

	mux.Handle("GET /api/config", s.authed(scopeAdmin, s.handleGetConfig))
	mux.Handle("PUT /api/config", s.authed(scopeAdmin, s.handlePutConfig))
	mux.Handle("GET /api/config/self_check", s.authed(scopeRead, s.handleSelfCheck))

	mux.Handle("GET /api/usage", s.authed(scopeRead, s.handleUsage))
	mux.Handle("GET /api/metrics", s.authed(scopeRead, s.handleMetrics))
	mux.Handle("GET /api/metrics/summary", s.authed(scopeRead, s.handleMetricsSummary))
	mux.Handle("GET /api/metrics/history", s.authed(scopeRead, s.handleMetricsHistory))

	return s.traced(s.ratelimit.wrap(mux))
}

// traced attaches a per-request trace id and logs completed requests.
// The stream endpoint is skipped: it holds the connection open and
// would log a bogus duration on every disconnect.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		if r.URL.Path == "/api/stream" {
			return
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", traceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Run serves until ctx is canceled, then drains in-flight web runs
// with a bounded deadline.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	addr := fmt.Sprintf("%s:%d", s.cfg.WebHost, s.cfg.WebPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ratelimit.startEviction(ctx, 5*time.Minute, 30*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("gateway drain deadline exceeded")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// sessionKeyFor is the stable external name of a chat: channel:external_id.
func sessionKeyFor(c *storage.Chat) string {
	return c.Channel + ":" + c.ExternalChatID
}

// resolveSessionKey maps a session key back to its chat. Accepts
// "channel:external_id" and bare numeric internal ids.
func (s *Server) resolveSessionKey(ctx context.Context, key string) (*storage.Chat, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errUnknownSession
	}
	if channel, external, ok := strings.Cut(key, ":"); ok {
		chat, err := s.store.FindChat(ctx, channel, external)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, errUnknownSession
		}
		return chat, nil
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, errUnknownSession
	}
	chat, err := s.store.GetChat(ctx, id)
	if err != nil {
		return nil, errUnknownSession
	}
	return chat, nil
}

var errUnknownSession = fmt.Errorf("unknown session")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
