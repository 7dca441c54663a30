// Package resilience provides the retry, circuit-breaker, and rate-limiting
// primitives shared by the remote client and capability authority.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker is an adaptive breaker that opens based on failure rate over a
// rolling window and admits a bounded number of half-open probes, each tracked
// individually rather than as a simple aggregate counter.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt        time.Time
	state           BreakerState
	window          *slidingWindow
	halfOpenProbes  int
	halfOpenResults []bool
}

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int

const (
	// StateClosed admits all requests.
	StateClosed BreakerState = iota
	// StateOpen rejects all requests until halfOpenAfter elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen
)

// NewCircuitBreaker constructs a breaker using a rolling window of windowSize
// split into buckets, opening once minSamples requests have been seen and the
// failure rate reaches failureRateOpen, staying open for halfOpenAfter, and
// admitting maxHalfOpenProbes concurrent probes while half-open.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             StateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// State reports the breaker's current state.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a request may proceed, transitioning Open->HalfOpen
// once the cool-down elapses and admitting at most maxHalfOpenProbes
// concurrent probes while half-open.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = StateHalfOpen
			c.halfOpenProbes = 0
			c.halfOpenResults = nil
		} else {
			return false
		}
	case StateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult reports the outcome of a previously-allowed request.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case StateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case StateHalfOpen:
		c.halfOpenResults = append(c.halfOpenResults, success)
		if !success {
			c.transitionToOpen()
			return
		}
		if len(c.halfOpenResults) >= c.maxHalfOpenProbes {
			allOK := true
			for _, ok := range c.halfOpenResults {
				if !ok {
					allOK = false
					break
				}
			}
			if allOK {
				c.reset()
			}
		}
	case StateOpen:
		// timing handled in Allow
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = StateOpen
	c.openedAt = time.Now()
	c.halfOpenProbes = 0
	c.halfOpenResults = nil
	meter := otel.GetMeterProvider().Meter("cuenv-cache")
	counter, _ := meter.Int64Counter("cuenv_cache_remote_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	c.state = StateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	meter := otel.GetMeterProvider().Meter("cuenv-cache")
	counter, _ := meter.Int64Counter("cuenv_cache_remote_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	slots    []int64 // time slot each bucket's counts belong to
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		slots:    make([]int64, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	if slot := now.UnixNano() / w.interval.Nanoseconds(); w.slots[idx] != slot {
		w.data[idx] = bucket{}
		w.slots[idx] = slot
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	cur := w.nowFn().UnixNano() / w.interval.Nanoseconds()
	for i, b := range w.data {
		if cur-w.slots[i] >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
