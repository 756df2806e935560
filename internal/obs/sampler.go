package obs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/microclaw/internal/mcp"
	"github.com/basket/microclaw/internal/storage"
)

// Counters is the in-process counter set sampled into metrics_history.
// Packages increment by name; the sampler persists the running totals.
type Counters struct {
	mu     sync.Mutex
	totals map[string]float64
}

func NewCounters() *Counters {
	return &Counters{totals: make(map[string]float64)}
}

// processCounters is the shared counter set packages increment through
// Count. The sampler in main persists it.
var processCounters = NewCounters()

// Count increments a named process counter.
func Count(name string) { processCounters.Inc(name) }

// ProcessCounters returns the shared counter set.
func ProcessCounters() *Counters { return processCounters }

func (c *Counters) Inc(name string) { c.Add(name, 1) }

func (c *Counters) Add(name string, delta float64) {
	c.mu.Lock()
	c.totals[name] += delta
	c.mu.Unlock()
}

func (c *Counters) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.totals))
	for k, v := range c.totals {
		out[k] = v
	}
	return out
}

// GuardSource exposes the MCP reliability counters per server.
type GuardSource interface {
	Counters() map[string]mcp.GuardCounters
}

const (
	defaultSampleInterval  = time.Minute
	defaultMetricRetention = 7 * 24 * time.Hour
)

// Sampler persists counter totals into metrics_history once a minute
// and prunes samples past retention.
type Sampler struct {
	store     *storage.Store
	counters  *Counters
	guards    GuardSource // nil when MCP is not configured
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	lastGuard map[string]int64 // per-server rejection totals at last sample
}

func NewSampler(store *storage.Store, counters *Counters, guards GuardSource, logger *slog.Logger) *Sampler {
	return &Sampler{
		store:     store,
		counters:  counters,
		guards:    guards,
		interval:  defaultSampleInterval,
		retention: defaultMetricRetention,
		logger:    logger,
		lastGuard: make(map[string]int64),
	}
}

// Run samples until the context is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample writes one row per live series and prunes old history.
func (s *Sampler) Sample(ctx context.Context) {
	for name, v := range s.Snapshot() {
		if err := s.store.RecordMetric(ctx, name, v); err != nil {
			s.logger.Warn("record metric", "name", name, "error", err)
			return
		}
	}
	if err := s.store.PruneMetrics(ctx, time.Now().Add(-s.retention)); err != nil {
		s.logger.Warn("prune metrics", "error", err)
	}
	s.recordGuardDeltas(ctx)
}

// recordGuardDeltas pushes per-server rejection growth since the last
// sample onto the OTel rejection counter.
func (s *Sampler) recordGuardDeltas(ctx context.Context) {
	if s.guards == nil {
		return
	}
	for server, gc := range s.guards.Counters() {
		total := gc.CircuitOpen + gc.Bulkhead + gc.RateLimited
		if delta := total - s.lastGuard[server]; delta > 0 {
			Metrics().MCPRejections.Add(ctx, delta,
				metric.WithAttributes(AttrMCPServer.String(server)))
		}
		s.lastGuard[server] = total
	}
}

// Snapshot merges the process counters with the per-server MCP guard
// rejection totals. It satisfies the gateway's metrics source.
func (s *Sampler) Snapshot() map[string]float64 {
	out := s.counters.Snapshot()
	if s.guards == nil {
		return out
	}
	for server, gc := range s.guards.Counters() {
		out["mcp."+server+".circuit_open"] = float64(gc.CircuitOpen)
		out["mcp."+server+".bulkhead_rejected"] = float64(gc.Bulkhead)
		out["mcp."+server+".rate_limited"] = float64(gc.RateLimited)
	}
	return out
}
