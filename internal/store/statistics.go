package store

import "sync/atomic"

// Statistics holds the cache's monotonically non-decreasing operation
// counters, updated with atomic increments so reads never block writers.
type Statistics struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	writes    atomic.Uint64
	errors    atomic.Uint64
	evictions atomic.Uint64

	entryCount atomic.Int64
	totalBytes atomic.Int64
}

// Snapshot is a consistent-enough read of the atomics at one instant; it is
// not a transactional view across fields, matching spec.md §5's "statistics
// are a consistent snapshot of atomics, not a transactional view."
type Snapshot struct {
	Hits             uint64
	Misses           uint64
	Writes           uint64
	Errors           uint64
	Evictions        uint64
	TotalOperations  uint64
	HitRate          float64
	EntryCount       int64
	TotalBytes       int64
}

func (s *Statistics) recordHit()      { s.hits.Add(1) }
func (s *Statistics) recordMiss()     { s.misses.Add(1) }
func (s *Statistics) recordWrite()    { s.writes.Add(1) }
func (s *Statistics) recordError()    { s.errors.Add(1) }
func (s *Statistics) recordEviction() { s.evictions.Add(1) }

func (s *Statistics) adjustEntryCount(delta int64) { s.entryCount.Add(delta) }
func (s *Statistics) adjustTotalBytes(delta int64) { s.totalBytes.Add(delta) }

// Snapshot returns the current statistics. hits + misses + errors always
// equals total_operations, since every observation point increments exactly
// one of the three.
func (s *Statistics) Snapshot() Snapshot {
	hits := s.hits.Load()
	misses := s.misses.Load()
	writes := s.writes.Load()
	errs := s.errors.Load()
	evictions := s.evictions.Load()
	total := hits + misses + errs

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(hits+misses)
		if hits+misses == 0 {
			hitRate = 0
		}
	}

	return Snapshot{
		Hits:            hits,
		Misses:          misses,
		Writes:          writes,
		Errors:          errs,
		Evictions:       evictions,
		TotalOperations: total,
		HitRate:         hitRate,
		EntryCount:      s.entryCount.Load(),
		TotalBytes:      s.totalBytes.Load(),
	}
}
