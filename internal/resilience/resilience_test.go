package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 10, 4, 0.5, 50*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow request %d", i)
		}
		cb.RecordResult(false)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected breaker to be open after sustained failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("expected open breaker to reject requests")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 10, 2, 0.5, 10*time.Millisecond, 2)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatalf("expected open state")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open to admit first probe")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected half-open to admit second probe")
	}
	cb.RecordResult(true)
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker to close after successful probes, got %v", cb.State())
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	always := func(error) bool { return true }
	v, err := Retry(context.Background(), 5, time.Millisecond, always, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	attempts := 0
	never := func(error) bool { return false }
	_, err := Retry(context.Background(), 5, time.Millisecond, never, func() (int, error) {
		attempts++
		return 0, errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for non-transient error, got %d", attempts)
	}
}

func TestFixedWindowLimiter(t *testing.T) {
	rl := NewFixedWindowLimiter(2, time.Second)
	if !rl.Allow() || !rl.Allow() {
		t.Fatalf("expected first two calls within window to be allowed")
	}
	if rl.Allow() {
		t.Fatalf("expected third call in same window to be refused")
	}
}
