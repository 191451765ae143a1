// Package resilience is the demo service's defensive layer around
// external I/O: retry with backoff, an adaptive circuit breaker, and
// a token-bucket rate limiter. None of this is used by
// the synchronous core in internal/ccpm — only by cmd/ccpmd, where
// the progress-update endpoint and the event-bus publisher face
// unreliable external actors. Adapted from the teacher's
// libs/go/core/resilience package.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is
// the initial backoff; it doubles each attempt up to a 60s cap.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("ccpmd")
	attemptCounter, _ := meter.Int64Counter("ccpm_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("ccpm_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("ccpm_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
