// Package monitor tracks hit/miss counters, rolling time-window hit rates,
// latency histograms, and concurrent-operation gauges for the cache
// subsystem.
package monitor

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Window is one of the rolling time windows the monitor reports hit/miss
// rates over.
type Window string

const (
	Window1m  Window = "1m"
	Window5m  Window = "5m"
	Window1h  Window = "1h"
	Window24h Window = "24h"
)

var windowDurations = map[Window]time.Duration{
	Window1m:  time.Minute,
	Window5m:  5 * time.Minute,
	Window1h:  time.Hour,
	Window24h: 24 * time.Hour,
}

type rollingCounter struct {
	mu          sync.Mutex
	windowStart time.Time
	duration    time.Duration
	hits        int64
	misses      int64
}

func newRollingCounter(d time.Duration) *rollingCounter {
	return &rollingCounter{windowStart: time.Now(), duration: d}
}

func (r *rollingCounter) recordHit() { r.record(true) }
func (r *rollingCounter) recordMiss() { r.record(false) }

func (r *rollingCounter) record(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.windowStart) >= r.duration {
		r.windowStart = time.Now()
		r.hits = 0
		r.misses = 0
	}
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *rollingCounter) rate() (hitRate float64, hits, misses int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.windowStart) >= r.duration {
		return 0, 0, 0
	}
	total := r.hits + r.misses
	if total == 0 {
		return 0, 0, 0
	}
	return float64(r.hits) / float64(total), r.hits, r.misses
}

// Monitor is the cache's observability surface: counters by (operation,
// result), latency histograms, rolling hit/miss windows, key-pattern
// breakdowns, and a concurrency gauge guaranteed to release on every exit
// path.
type Monitor struct {
	opCounter       metric.Int64Counter
	errCounter      metric.Int64Counter
	latencyHist     metric.Float64Histogram
	concurrentGauge metric.Int64UpDownCounter

	windows map[Window]*rollingCounter

	patternMu sync.Mutex
	patterns  map[string]*rollingCounter

	concurrentOps atomic.Int64

	entryCountGauge metric.Int64Gauge
	totalBytesGauge metric.Int64Gauge
}

// New constructs a Monitor whose instruments are registered on the global
// meter provider.
func New() *Monitor {
	meter := otel.Meter("cuenv-cache")
	opCounter, _ := meter.Int64Counter("cuenv_cache_operations_total")
	errCounter, _ := meter.Int64Counter("cuenv_cache_errors_total")
	latencyHist, _ := meter.Float64Histogram("cuenv_cache_operation_latency_ms")
	concurrentGauge, _ := meter.Int64UpDownCounter("cuenv_cache_concurrent_operations")
	entryCountGauge, _ := meter.Int64Gauge("cuenv_cache_entry_count")
	totalBytesGauge, _ := meter.Int64Gauge("cuenv_cache_total_bytes")

	windows := make(map[Window]*rollingCounter, len(windowDurations))
	for w, d := range windowDurations {
		windows[w] = newRollingCounter(d)
	}

	return &Monitor{
		opCounter:       opCounter,
		errCounter:      errCounter,
		latencyHist:     latencyHist,
		concurrentGauge: concurrentGauge,
		windows:         windows,
		patterns:        make(map[string]*rollingCounter),
		entryCountGauge: entryCountGauge,
		totalBytesGauge: totalBytesGauge,
	}
}

// RecordOperation records the outcome of one cache operation at the given
// latency, updating the by-(operation,result) counter, rolling hit/miss
// windows (for Get-shaped operations), and a per-key-pattern breakdown.
func (m *Monitor) RecordOperation(ctx context.Context, operation, result string, latency time.Duration, keyPattern string) {
	m.opCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.latencyHist.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("operation", operation),
	))

	if result == "error" {
		m.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		return
	}

	hit := result == "hit"
	if result == "hit" || result == "miss" {
		for _, w := range m.windows {
			w.record(hit)
		}
		if keyPattern != "" {
			m.patternCounter(keyPattern).record(hit)
		}
	}
}

func (m *Monitor) patternCounter(pattern string) *rollingCounter {
	m.patternMu.Lock()
	defer m.patternMu.Unlock()
	rc, ok := m.patterns[pattern]
	if !ok {
		rc = newRollingCounter(24 * time.Hour)
		m.patterns[pattern] = rc
	}
	return rc
}

// HitRate returns the hit/miss ratio for the given rolling window.
func (m *Monitor) HitRate(w Window) (hitRate float64, hits, misses int64) {
	rc, ok := m.windows[w]
	if !ok {
		return 0, 0, 0
	}
	return rc.rate()
}

// HitRateByPattern returns the hit/miss ratio recorded under the keyPattern
// string glob, e.g. "build/*" vs "test/*"; glob is looked up as an exact
// string among the keyPattern values passed to RecordOperation, not matched
// against keys. A supplemented feature from the
// original_source's monitoring module absent from the distilled spec.
func (m *Monitor) HitRateByPattern(glob string) (hitRate float64, hits, misses int64) {
	m.patternMu.Lock()
	rc, ok := m.patterns[glob]
	m.patternMu.Unlock()
	if !ok {
		return 0, 0, 0
	}
	return rc.rate()
}

// KeyPatternBucket classifies key into a coarse reporting bucket: its
// top-level path segment followed by a wildcard, e.g. "cache/x/y" -> "cache/*".
func KeyPatternBucket(key string) string {
	segment := path.Dir(key)
	if segment == "." {
		return key
	}
	top := segment
	for {
		parent, child := path.Split(top)
		if parent == "" {
			return child + "/*"
		}
		top = path.Clean(parent)
	}
}

// TrackedOperation is an acquire/release guard around one in-flight
// operation. It increments the concurrency gauge on creation and guarantees
// decrement on every exit path, including Go panics, when Release is
// deferred immediately after Begin returns.
type TrackedOperation struct {
	m         *Monitor
	ctx       context.Context
	released  atomic.Bool
}

// Begin increments the concurrent-operations gauge and returns a handle whose
// Release must be deferred by the caller.
func (m *Monitor) Begin(ctx context.Context) *TrackedOperation {
	m.concurrentOps.Add(1)
	m.concurrentGauge.Add(ctx, 1)
	return &TrackedOperation{m: m, ctx: ctx}
}

// Release decrements the concurrency gauge. Safe to call multiple times;
// only the first call has an effect.
func (t *TrackedOperation) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.m.concurrentOps.Add(-1)
		t.m.concurrentGauge.Add(t.ctx, -1)
	}
}

// ConcurrentOperations reports the current in-flight operation count.
func (m *Monitor) ConcurrentOperations() int64 {
	return m.concurrentOps.Load()
}

// RecordSizeGauges publishes entry_count and total_bytes gauges. It is
// separate from RecordOperation; nothing in this module calls it.
func (m *Monitor) RecordSizeGauges(ctx context.Context, entryCount, totalBytes int64) {
	m.entryCountGauge.Record(ctx, entryCount)
	m.totalBytesGauge.Record(ctx, totalBytes)
}
