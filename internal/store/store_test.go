package store

import (
	"bytes"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.Root = t.TempDir()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 1000, MaxSizeBytes: 1 << 20})
	value := bytes.Repeat([]byte{0xAA}, 1024)
	if err := s.Put("k1", value, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value mismatch")
	}
	snap := s.Statistics()
	if snap.Hits != 1 || snap.Misses != 0 || snap.Writes != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 100, MaxSizeBytes: 1 << 20})
	ttl := 50 * time.Millisecond
	if err := s.Put("k2", []byte("v"), &ttl); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := s.Get("k2"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := s.Get("k2"); ok {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestEntrySizeRejection(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 100, MaxSizeBytes: 1 << 20, MaxEntrySize: 1024})
	err := s.Put("k3", make([]byte, 2048), nil)
	if err == nil {
		t.Fatalf("expected CapacityExceeded")
	}
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != KindCapacityExceeded {
		t.Fatalf("expected CapacityExceeded kind, got %v", err)
	}
	if _, ok, _ := s.Get("k3"); ok {
		t.Fatalf("expected no entry for rejected put")
	}
	if err := s.Put("k4", []byte("ok"), nil); err != nil {
		t.Fatalf("expected store to remain operational: %v", err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 10, MaxSizeBytes: 1 << 20})
	if err := s.Put("", []byte("v"), nil); err == nil {
		t.Fatalf("expected InvalidKey for empty key")
	}
	if err := s.Put("has\x00nul", []byte("v"), nil); err == nil {
		t.Fatalf("expected InvalidKey for NUL byte")
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 10, MaxSizeBytes: 1 << 20})
	_ = s.Put("a", []byte("1"), nil)
	_ = s.Put("b", []byte("2"), nil)
	existed, err := s.Remove("a")
	if err != nil || !existed {
		t.Fatalf("expected removal of existing key")
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Fatalf("expected miss after remove")
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get("b"); ok {
		t.Fatalf("expected miss after clear")
	}
	snap := s.Statistics()
	if snap.EntryCount != 0 || snap.TotalBytes != 0 {
		t.Fatalf("expected zeroed accounting after clear, got %+v", snap)
	}
}

func TestAggregateBoundEnforced(t *testing.T) {
	s := newTestStore(t, Config{MaxEntries: 100, MaxSizeBytes: 3000, MaxEntrySize: 2000})
	_ = s.Put("a", make([]byte, 1000), nil)
	_ = s.Put("b", make([]byte, 1000), nil)
	_ = s.Put("c", make([]byte, 1000), nil)
	_ = s.Put("d", make([]byte, 1000), nil)

	snap := s.Statistics()
	if snap.TotalBytes > 3000 {
		t.Fatalf("expected total_bytes <= max_size_bytes, got %d", snap.TotalBytes)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Fatalf("expected oldest entry evicted to respect aggregate bound")
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
