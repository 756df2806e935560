package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	tb := newTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if tb.allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestRateLimiterBucketsPerKey(t *testing.T) {
	rl := newRateLimiter(60, 1)
	handler := rl.wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func(key, path string) int {
		req := httptest.NewRequest("GET", path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := request("alice", "/api/sessions"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := request("alice", "/api/sessions"); code != http.StatusTooManyRequests {
		t.Fatalf("second request same key: %d", code)
	}
	// A different key has its own bucket.
	if code := request("bob", "/api/sessions"); code != http.StatusOK {
		t.Fatalf("other key: %d", code)
	}
	// Health is never limited.
	if code := request("alice", "/api/health"); code != http.StatusOK {
		t.Fatalf("health: %d", code)
	}
	if rl.bucketCount() != 2 {
		t.Fatalf("bucket count = %d, want 2", rl.bucketCount())
	}
}

func TestRateLimiterEviction(t *testing.T) {
	rl := newRateLimiter(60, 5)
	rl.bucket("stale").allow()
	rl.bucket("fresh").allow()

	time.Sleep(20 * time.Millisecond)
	rl.bucket("fresh").allow()

	rl.evictStale(10 * time.Millisecond)
	if rl.bucketCount() != 1 {
		t.Fatalf("bucket count after eviction = %d, want 1", rl.bucketCount())
	}
}
