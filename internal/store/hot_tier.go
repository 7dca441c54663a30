package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hotEntry is the in-memory representation of a cached value.
type hotEntry struct {
	value     []byte
	expiresAt *time.Time
}

// hotTier is the bounded in-memory map portion of the two-tier store. It is
// write-through to the cold tier by the owning Store, never directly. Bytes
// accounting is tracked alongside the LRU's own entry-count bound so both
// max-entries and max-bytes can be enforced together.
type hotTier struct {
	mu           sync.RWMutex
	lru          *lru.Cache[string, hotEntry]
	maxBytes     int64
	currentBytes int64
	onEvict      func(key string)
}

func newHotTier(maxEntries int, maxBytes int64) (*hotTier, error) {
	ht := &hotTier{maxBytes: maxBytes}
	cache, err := lru.NewWithEvict(maxEntries, func(key string, value hotEntry) {
		ht.currentBytes -= int64(len(value.value))
		if ht.onEvict != nil {
			ht.onEvict(key)
		}
	})
	if err != nil {
		return nil, newErr(KindConfiguration, "hot_tier.new", withCause(err))
	}
	ht.lru = cache
	return ht, nil
}

// put inserts value, evicting LRU victims until both max-entries (handled by
// the underlying lru.Cache) and max-bytes hold.
func (ht *hotTier) put(key string, value []byte, expiresAt *time.Time) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if old, ok := ht.lru.Peek(key); ok {
		ht.currentBytes -= int64(len(old.value))
	}
	ht.lru.Add(key, hotEntry{value: value, expiresAt: expiresAt})
	ht.currentBytes += int64(len(value))

	for ht.currentBytes > ht.maxBytes && ht.lru.Len() > 0 {
		if _, _, ok := ht.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (ht *hotTier) get(key string) ([]byte, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	entry, ok := ht.lru.Get(key)
	if !ok {
		return nil, false
	}
	if entry.expiresAt != nil && time.Now().After(*entry.expiresAt) {
		ht.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (ht *hotTier) remove(key string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.lru.Remove(key)
}

func (ht *hotTier) clear() {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.lru.Purge()
	ht.currentBytes = 0
}

func (ht *hotTier) len() int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.lru.Len()
}
