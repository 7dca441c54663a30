package monitor

import (
	"context"
	"testing"
	"time"
)

func TestRecordOperationUpdatesWindows(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.RecordOperation(ctx, "get", "hit", time.Millisecond, "cache/*")
	m.RecordOperation(ctx, "get", "hit", time.Millisecond, "cache/*")
	m.RecordOperation(ctx, "get", "miss", time.Millisecond, "cache/*")

	rate, hits, misses := m.HitRate(Window1m)
	if hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits 1 miss, got hits=%d misses=%d", hits, misses)
	}
	if rate < 0.66 || rate > 0.67 {
		t.Fatalf("expected hit rate ~0.667, got %v", rate)
	}
}

func TestHitRateByPattern(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.RecordOperation(ctx, "get", "hit", time.Millisecond, "build/*")
	m.RecordOperation(ctx, "get", "miss", time.Millisecond, "test/*")

	rate, hits, misses := m.HitRateByPattern("build/*")
	if hits != 1 || misses != 0 || rate != 1 {
		t.Fatalf("unexpected build/* rate: rate=%v hits=%d misses=%d", rate, hits, misses)
	}

	rate, hits, misses = m.HitRateByPattern("test/*")
	if hits != 0 || misses != 1 || rate != 0 {
		t.Fatalf("unexpected test/* rate: rate=%v hits=%d misses=%d", rate, hits, misses)
	}

	rate, hits, misses = m.HitRateByPattern("unknown/*")
	if hits != 0 || misses != 0 || rate != 0 {
		t.Fatalf("expected zero values for unknown pattern, got rate=%v hits=%d misses=%d", rate, hits, misses)
	}
}

func TestRollingWindowResetsAfterDuration(t *testing.T) {
	rc := newRollingCounter(10 * time.Millisecond)
	rc.record(true)
	rc.record(true)

	rate, hits, _ := rc.rate()
	if hits != 2 || rate != 1 {
		t.Fatalf("expected 2 hits before expiry, got hits=%d rate=%v", hits, rate)
	}

	time.Sleep(15 * time.Millisecond)
	rate, hits, misses := rc.rate()
	if hits != 0 || misses != 0 || rate != 0 {
		t.Fatalf("expected window to report empty after expiry, got hits=%d misses=%d rate=%v", hits, misses, rate)
	}

	rc.record(false)
	rate, hits, misses = rc.rate()
	if hits != 0 || misses != 1 {
		t.Fatalf("expected window to restart with new sample, got hits=%d misses=%d rate=%v", hits, misses, rate)
	}
}

func TestTrackedOperationReleasesOnce(t *testing.T) {
	m := New()
	ctx := context.Background()

	op := m.Begin(ctx)
	if got := m.ConcurrentOperations(); got != 1 {
		t.Fatalf("expected 1 concurrent operation, got %d", got)
	}
	op.Release()
	op.Release()
	if got := m.ConcurrentOperations(); got != 0 {
		t.Fatalf("expected 0 concurrent operations after release, got %d", got)
	}
}

func TestKeyPatternBucket(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"cache/abc/def", "cache/*"},
		{"cache/abc", "cache/*"},
		{"toplevel", "toplevel"},
	}
	for _, c := range cases {
		if got := KeyPatternBucket(c.key); got != c.want {
			t.Errorf("KeyPatternBucket(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestErrorResultDoesNotAffectHitRate(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.RecordOperation(ctx, "put", "error", time.Millisecond, "")
	rate, hits, misses := m.HitRate(Window1m)
	if hits != 0 || misses != 0 || rate != 0 {
		t.Fatalf("expected error result not to affect hit/miss windows, got hits=%d misses=%d rate=%v", hits, misses, rate)
	}
}
