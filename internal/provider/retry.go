package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	retryAttempts   = 3
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 8 * time.Second
	requestTimeout  = 120 * time.Second
	maxErrorBodyLen = 2048
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// retryable reports whether the call should be re-attempted: rate limits
// and server-side failures, never 4xx client errors.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	return false
}

// doWithRetry runs f up to retryAttempts times with exponential backoff
// and ±25% jitter, honoring a Retry-After hint when the server sends one.
func doWithRetry[T any](ctx context.Context, f func() (T, error)) (T, error) {
	var zero T
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			wait := delay
			var he *HTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > 0 {
				wait = he.RetryAfter
			}
			jitter := time.Duration(rand.IntN(int(wait/2)+1)) - wait/4
			select {
			case <-time.After(wait + jitter):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
		v, err := f()
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// parseRetryAfter understands the delay-seconds form of the header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
