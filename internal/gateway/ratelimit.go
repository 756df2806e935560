package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 300
	defaultBurst             = 30
)

// tokenBucket is a refilling per-caller budget.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(requestsPerMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) last() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// rateLimiter buckets requests per API key, falling back to the
// client IP. Stale buckets are evicted to bound memory.
type rateLimiter struct {
	requestsPerMinute int
	burst             int

	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

func newRateLimiter(requestsPerMinute, burst int) *rateLimiter {
	return &rateLimiter{
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		buckets:           make(map[string]*tokenBucket),
	}
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/api/stream" {
			// Health probes and long-lived SSE connects skip the budget.
			next.ServeHTTP(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			key = clientIP(r)
		}
		if !rl.bucket(key).allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "auth", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	tb, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return tb
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if tb, ok = rl.buckets[key]; ok {
		return tb
	}
	tb = newTokenBucket(rl.requestsPerMinute, rl.burst)
	rl.buckets[key] = tb
	return tb
}

func (rl *rateLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale(maxAge)
			}
		}
	}()
}

func (rl *rateLimiter) evictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, tb := range rl.buckets {
		if tb.last().Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *rateLimiter) bucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
