package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// IsTransient classifies an error as retryable. The remote client only retries
// transient failures; invalid-argument, not-found, already-exists,
// permission-denied, and unauthenticated are never retried.
type IsTransient func(error) bool

// Retry executes fn with exponential backoff and full jitter, retrying only
// while classify(err) reports true. delay is the initial backoff; it doubles
// each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, classify IsTransient, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("cuenv-cache")
	attemptCounter, _ := meter.Int64Counter("cuenv_cache_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("cuenv_cache_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("cuenv_cache_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if classify != nil && !classify(err) {
			failCounter.Add(ctx, 1)
			return zero, err
		}
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
