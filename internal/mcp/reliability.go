package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Typed rejections the tool runtime maps to error_type values.
var (
	ErrCircuitOpen      = errors.New("circuit open")
	ErrBulkheadRejected = errors.New("bulkhead rejected")
	ErrRateLimited      = errors.New("rate limited")
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultMaxConcurrent    = 4
	defaultQueueWait        = 500 * time.Millisecond
)

// GuardCounters expose rejection totals for the metrics sampler.
type GuardCounters struct {
	CircuitOpen int64
	Bulkhead    int64
	RateLimited int64
}

// Guard wraps calls to one server with a circuit breaker, a bulkhead,
// and a fixed-window rate limiter, applied in that order.
type Guard struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	cooldown    time.Duration
	trippedAt   time.Time
	tripped     bool
	halfOpen    bool
	windowStart time.Time
	windowUsed  int
	perMinute   int // 0 disables the limiter

	slots     chan struct{}
	queueWait time.Duration

	rejCircuit  atomic.Int64
	rejBulkhead atomic.Int64
	rejRate     atomic.Int64

	now func() time.Time
}

func NewGuard(cfg ServerConfig) *Guard {
	threshold := cfg.CircuitBreakerFailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := time.Duration(cfg.CircuitBreakerCooldownSecs) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	queueWait := time.Duration(cfg.QueueWaitMS) * time.Millisecond
	if queueWait <= 0 {
		queueWait = defaultQueueWait
	}
	return &Guard{
		threshold: threshold,
		cooldown:  cooldown,
		perMinute: cfg.RateLimitPerMinute,
		slots:     make(chan struct{}, maxConcurrent),
		queueWait: queueWait,
		now:       time.Now,
	}
}

// Do runs f under the guard. Rejections return before f is invoked.
func (g *Guard) Do(ctx context.Context, f func() error) error {
	if err := g.admitBreaker(); err != nil {
		g.rejCircuit.Add(1)
		return err
	}
	if err := g.admitRate(); err != nil {
		g.rejRate.Add(1)
		return err
	}

	select {
	case g.slots <- struct{}{}:
	default:
		timer := time.NewTimer(g.queueWait)
		defer timer.Stop()
		select {
		case g.slots <- struct{}{}:
		case <-timer.C:
			g.rejBulkhead.Add(1)
			return ErrBulkheadRejected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { <-g.slots }()

	err := f()
	g.record(err == nil)
	return err
}

func (g *Guard) admitBreaker() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tripped {
		return nil
	}
	if g.now().Sub(g.trippedAt) < g.cooldown {
		return ErrCircuitOpen
	}
	// Half-open: admit one probe; the next failure re-trips immediately.
	if g.halfOpen {
		return ErrCircuitOpen
	}
	g.halfOpen = true
	return nil
}

func (g *Guard) admitRate() error {
	if g.perMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= time.Minute {
		g.windowStart = now
		g.windowUsed = 0
	}
	if g.windowUsed >= g.perMinute {
		return ErrRateLimited
	}
	g.windowUsed++
	return nil
}

func (g *Guard) record(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if success {
		g.failures = 0
		g.tripped = false
		g.halfOpen = false
		return
	}
	if g.halfOpen {
		g.trippedAt = g.now()
		g.halfOpen = false
		return
	}
	g.failures++
	if g.failures >= g.threshold {
		g.tripped = true
		g.trippedAt = g.now()
		g.failures = 0
	}
}

// Counters returns a snapshot of rejection totals.
func (g *Guard) Counters() GuardCounters {
	return GuardCounters{
		CircuitOpen: g.rejCircuit.Load(),
		Bulkhead:    g.rejBulkhead.Load(),
		RateLimited: g.rejRate.Load(),
	}
}
