package store

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config configures a Store's capacity and policy.
type Config struct {
	Root               string
	MaxEntries         int
	MaxSizeBytes       int64
	MaxEntrySize       int64
	DefaultTTL         *time.Duration
	CompressionEnabled bool
}

// Metadata is the public, read-only view of a cache entry's metadata.
type Metadata struct {
	Key          string
	SizeBytes    int64
	ContentHash  [32]byte
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
	Compression  Compression
}

// Store is the two-tier content store: a bounded in-memory hot tier that is
// write-through to a content-addressed on-disk cold tier.
type Store struct {
	cfg   Config
	hot   *hotTier
	cold  *coldTier
	stats Statistics

	keyLocks keyLockTable

	// order tracks aggregate LRU order across BOTH tiers, independent of the
	// hot tier's own (smaller) in-memory LRU. Eviction here removes an entry
	// from both tiers and is what actually enforces spec.md invariant (iii):
	// total_bytes across live entries never exceeds MaxSizeBytes.
	orderMu sync.Mutex
	order   *lru.Cache[string, int64] // key -> size_bytes, in LRU order
}

// New opens or creates a store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 256 << 20
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = cfg.MaxSizeBytes
	}

	hot, err := newHotTier(cfg.MaxEntries, cfg.MaxSizeBytes)
	if err != nil {
		return nil, err
	}
	cold, err := newColdTier(cfg.Root, cfg.CompressionEnabled)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, hot: hot, cold: cold, keyLocks: newKeyLockTable(64)}
	hot.onEvict = func(key string) { s.stats.recordEviction() }

	order, err := lru.New[string, int64](cfg.MaxEntries)
	if err != nil {
		return nil, newErr(KindConfiguration, "store.new", withCause(err))
	}
	s.order = order
	return s, nil
}

// touch records key as most-recently-used in the aggregate order, evicting
// the least-recently-used entries from both tiers until entry_count and
// total_bytes bounds hold.
func (s *Store) touch(key string, sizeBytes int64) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.order.Add(key, sizeBytes)

	for {
		snap := s.stats.Snapshot()
		if snap.EntryCount <= int64(s.cfg.MaxEntries) && snap.TotalBytes <= s.cfg.MaxSizeBytes {
			return
		}
		victim, victimSize, ok := s.order.RemoveOldest()
		if !ok || victim == key && s.order.Len() == 0 {
			return
		}
		s.hot.remove(victim)
		_ = s.cold.remove(victim)
		s.stats.adjustEntryCount(-1)
		s.stats.adjustTotalBytes(-victimSize)
		s.stats.recordEviction()
	}
}

func validateKey(key string) error {
	if key == "" {
		return newErr(KindInvalidKey, "validate_key", withHint(HintManual))
	}
	if len(key) > 4096 {
		return newErr(KindInvalidKey, "validate_key", withKey(key), withHint(HintManual))
	}
	if strings.IndexByte(key, 0) >= 0 {
		return newErr(KindInvalidKey, "validate_key", withKey(key), withHint(HintManual))
	}
	return nil
}

// Put stores value under key, write-through to the cold tier. ttl overrides
// cfg.DefaultTTL when non-nil.
func (s *Store) Put(key string, value []byte, ttl *time.Duration) error {
	if err := validateKey(key); err != nil {
		s.stats.recordError()
		return err
	}
	if int64(len(value)) > s.cfg.MaxEntrySize {
		s.stats.recordError()
		return newErr(KindCapacityExceeded, "put", withKey(key))
	}

	effectiveTTL := ttl
	if effectiveTTL == nil {
		effectiveTTL = s.cfg.DefaultTTL
	}

	lock := s.keyLocks.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	wasPresent, err := s.cold.metadataExists(key)
	if err != nil {
		s.stats.recordError()
		return err
	}

	meta, err := s.cold.put(key, value, effectiveTTL)
	if err != nil {
		s.stats.recordError()
		return err
	}

	var expiresAt *time.Time
	if meta.ExpiresAt != nil {
		t := *meta.ExpiresAt
		expiresAt = &t
	}
	s.hot.put(key, value, expiresAt)

	if !wasPresent {
		s.stats.adjustEntryCount(1)
	}
	s.stats.adjustTotalBytes(int64(len(value)))
	s.stats.recordWrite()

	s.touch(key, int64(len(value)))
	return nil
}

// Get retrieves the value for key, checking the hot tier first and falling
// back to the cold tier (repopulating the hot tier on a cold hit).
func (s *Store) Get(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		s.stats.recordError()
		return nil, false, err
	}

	if value, ok := s.hot.get(key); ok {
		s.stats.recordHit()
		s.touch(key, int64(len(value)))
		return value, true, nil
	}

	value, meta, ok, err := s.cold.get(key)
	if err != nil {
		s.stats.recordError()
		return nil, false, err
	}
	if !ok {
		s.stats.recordMiss()
		return nil, false, nil
	}

	s.hot.put(key, value, meta.ExpiresAt)
	s.stats.recordHit()
	s.touch(key, meta.SizeBytes)
	return value, true, nil
}

// Metadata returns the entry's metadata without loading its value body.
func (s *Store) Metadata(key string) (Metadata, bool, error) {
	if err := validateKey(key); err != nil {
		return Metadata{}, false, err
	}
	meta, ok, err := s.cold.metadata(key)
	if err != nil || !ok {
		return Metadata{}, false, err
	}
	return Metadata{
		Key:          meta.Key,
		SizeBytes:    meta.SizeBytes,
		ContentHash:  meta.ContentHash,
		CreatedAt:    meta.CreatedAt,
		LastAccessed: meta.LastAccessed,
		ExpiresAt:    meta.ExpiresAt,
		Compression:  meta.Compression,
	}, true, nil
}

// Remove deletes key from both tiers, returning whether it was present.
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	lock := s.keyLocks.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	meta, existed, err := s.cold.metadata(key)
	if err != nil {
		return false, err
	}
	s.hot.remove(key)
	if err := s.cold.remove(key); err != nil {
		return false, err
	}
	if existed {
		s.stats.adjustEntryCount(-1)
		s.stats.adjustTotalBytes(-meta.SizeBytes)
		s.orderMu.Lock()
		s.order.Remove(key)
		s.orderMu.Unlock()
	}
	return existed, nil
}

// Clear removes every entry from both tiers.
func (s *Store) Clear() error {
	s.hot.clear()
	if err := s.cold.clear(); err != nil {
		return err
	}
	snap := s.stats.Snapshot()
	s.stats.adjustEntryCount(-snap.EntryCount)
	s.stats.adjustTotalBytes(-snap.TotalBytes)
	s.orderMu.Lock()
	s.order.Purge()
	s.orderMu.Unlock()
	return nil
}

// Statistics returns a snapshot of the store's counters.
func (s *Store) Statistics() Snapshot {
	return s.stats.Snapshot()
}

// Sweep physically removes every entry whose TTL has elapsed, rather than
// waiting for a future Get/Metadata call to discover it lazily. It returns
// the number of entries removed. A maintenance scheduler calls this on a
// cadence so disk usage for entries nobody reads again is reclaimed instead
// of accumulating until capacity eviction happens to reach them.
func (s *Store) Sweep(now time.Time) (int, error) {
	entries, err := s.cold.listEntries()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, meta := range entries {
		if meta.ExpiresAt == nil || !now.After(*meta.ExpiresAt) {
			continue
		}
		ok, err := s.Remove(meta.Key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (c *coldTier) metadataExists(key string) (bool, error) {
	_, ok, err := c.metadata(key)
	return ok, err
}

// keyLockTable shards per-key mutexes across a fixed number of buckets so
// concurrent puts on different keys don't serialize on a single lock, while
// puts on the same key are linearized per spec.md §4.2's atomicity
// requirement.
type keyLockTable struct {
	buckets []sync.Mutex
}

func newKeyLockTable(n int) keyLockTable {
	return keyLockTable{buckets: make([]sync.Mutex, n)}
}

func (t keyLockTable) lockFor(key string) *sync.Mutex {
	h := fnv32(key)
	return &t.buckets[h%uint32(len(t.buckets))]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
