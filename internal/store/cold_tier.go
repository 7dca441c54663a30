package store

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"
)

// coldTier is the on-disk, content-addressed layer of the two-tier store. It
// lays out one metadata record and one value blob per entry under
// entries/<shard>/<hex-of-hash(key)>.{meta,blob}, with write-to-temp-then-
// rename crash safety. Shard routing uses murmur3 over the key, a
// non-cryptographic hash kept deliberately separate from the SHA-256 content
// hash used for integrity.
type coldTier struct {
	root        string
	shardBits   uint
	compression bool
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func newColdTier(root string, compression bool) (*coldTier, error) {
	if err := os.MkdirAll(filepath.Join(root, "entries"), 0o755); err != nil {
		return nil, newErr(KindIo, "cold_tier.open", withPath(root), withCause(err))
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, newErr(KindIo, "cold_tier.open", withCause(err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, newErr(KindIo, "cold_tier.open", withCause(err))
	}
	ct := &coldTier{root: root, shardBits: 8, compression: compression, encoder: enc, decoder: dec}
	if err := ct.cleanOrphanTemps(); err != nil {
		return nil, err
	}
	return ct, nil
}

func (c *coldTier) shardFor(key string) string {
	h := murmur3.Sum32([]byte(key))
	return fmt.Sprintf("%02x", byte(h))
}

func (c *coldTier) hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum)
}

func (c *coldTier) paths(key string) (metaPath, blobPath, dir string) {
	shard := c.shardFor(key)
	dir = filepath.Join(c.root, "entries", shard)
	hashed := c.hashKey(key)
	return filepath.Join(dir, hashed+".meta"), filepath.Join(dir, hashed+".blob"), dir
}

// put writes the value and its metadata record via write-to-temp-then-rename
// so a concurrent reader, or a crash mid-write, never observes a partial
// file.
func (c *coldTier) put(key string, value []byte, ttl *time.Duration) (entryMeta, error) {
	metaPath, blobPath, dir := c.paths(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return entryMeta{}, newErr(KindIo, "put", withKey(key), withPath(dir), withCause(err))
	}

	contentHash := sha256.Sum256(value)
	body := value
	comp := CompressionNone
	if c.compression {
		compressed := c.encoder.EncodeAll(value, nil)
		if len(compressed) < len(value) {
			body = compressed
			comp = CompressionZstd
		}
	}
	checksum := sha256.Sum256(body)

	now := time.Now()
	var expiresAt *time.Time
	if ttl != nil {
		t := now.Add(*ttl)
		expiresAt = &t
	}
	meta := entryMeta{
		Version:      metaRecordVersion,
		Key:          key,
		SizeBytes:    int64(len(value)),
		ContentHash:  contentHash,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    expiresAt,
		Compression:  comp,
		Checksum:     checksum,
	}

	if err := writeFileAtomic(blobPath, body); err != nil {
		return entryMeta{}, newErr(KindIo, "put", withKey(key), withPath(blobPath), withCause(err))
	}
	if err := writeFileAtomic(metaPath, meta.encode()); err != nil {
		return entryMeta{}, newErr(KindIo, "put", withKey(key), withPath(metaPath), withCause(err))
	}
	return meta, nil
}

// get returns the decompressed value and metadata for key, or ok=false if
// absent. A checksum mismatch yields Corruption with hint RebuildIndex,
// matching spec.md §4.2.
func (c *coldTier) get(key string) ([]byte, entryMeta, bool, error) {
	metaPath, blobPath, _ := c.paths(key)
	metaBytes, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, entryMeta{}, false, nil
	}
	if err != nil {
		return nil, entryMeta{}, false, newErr(KindIo, "get", withKey(key), withPath(metaPath), withCause(err))
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, entryMeta{}, false, newErr(KindCorruption, "get", withKey(key), withPath(metaPath), withCause(err), withHint(HintRebuildIndex))
	}

	if meta.ExpiresAt != nil && time.Now().After(*meta.ExpiresAt) {
		_ = c.remove(key)
		return nil, entryMeta{}, false, nil
	}

	body, err := os.ReadFile(blobPath)
	if os.IsNotExist(err) {
		return nil, entryMeta{}, false, newErr(KindCorruption, "get", withKey(key), withPath(blobPath), withHint(HintRebuildIndex))
	}
	if err != nil {
		return nil, entryMeta{}, false, newErr(KindIo, "get", withKey(key), withPath(blobPath), withCause(err))
	}

	checksum := sha256.Sum256(body)
	if !bytes.Equal(checksum[:], meta.Checksum[:]) {
		return nil, entryMeta{}, false, newErr(KindCorruption, "get", withKey(key), withPath(blobPath), withHint(HintRebuildIndex))
	}

	value := body
	if meta.Compression == CompressionZstd {
		value, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, entryMeta{}, false, newErr(KindCorruption, "get", withKey(key), withCause(err), withHint(HintRebuildIndex))
		}
	}

	meta.LastAccessed = time.Now()
	_ = writeFileAtomic(metaPath, meta.encode())

	return value, meta, true, nil
}

func (c *coldTier) metadata(key string) (entryMeta, bool, error) {
	metaPath, _, _ := c.paths(key)
	metaBytes, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return entryMeta{}, false, nil
	}
	if err != nil {
		return entryMeta{}, false, newErr(KindIo, "metadata", withKey(key), withPath(metaPath), withCause(err))
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return entryMeta{}, false, newErr(KindCorruption, "metadata", withKey(key), withCause(err), withHint(HintRebuildIndex))
	}
	if meta.ExpiresAt != nil && time.Now().After(*meta.ExpiresAt) {
		return entryMeta{}, false, nil
	}
	return meta, true, nil
}

func (c *coldTier) remove(key string) error {
	metaPath, blobPath, _ := c.paths(key)
	err1 := os.Remove(metaPath)
	err2 := os.Remove(blobPath)
	if err1 != nil && !os.IsNotExist(err1) {
		return newErr(KindIo, "remove", withKey(key), withPath(metaPath), withCause(err1))
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return newErr(KindIo, "remove", withKey(key), withPath(blobPath), withCause(err2))
	}
	return nil
}

// listEntries walks every metadata record on disk and returns it regardless
// of expiry, for the maintenance sweep to make its own eviction decisions
// without per-key locking held by get/metadata's lazy-delete path.
func (c *coldTier) listEntries() ([]entryMeta, error) {
	entries := filepath.Join(c.root, "entries")
	var out []entryMeta
	err := filepath.Walk(entries, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || filepath.Ext(path) != ".meta" {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		meta, decodeErr := decodeMeta(data)
		if decodeErr != nil {
			return nil
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, newErr(KindIo, "list_entries", withPath(entries), withCause(err))
	}
	return out, nil
}

func (c *coldTier) clear() error {
	entries := filepath.Join(c.root, "entries")
	if err := os.RemoveAll(entries); err != nil {
		return newErr(KindIo, "clear", withPath(entries), withCause(err))
	}
	return os.MkdirAll(entries, 0o755)
}

// cleanOrphanTemps removes .tmp files left behind by a crash mid-write: the
// write-to-temp-then-rename protocol guarantees any surviving *.tmp file was
// never the result of a completed write.
func (c *coldTier) cleanOrphanTemps() error {
	entries := filepath.Join(c.root, "entries")
	return filepath.Walk(entries, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".tmp" {
			_ = os.Remove(path)
		}
		return nil
	})
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
