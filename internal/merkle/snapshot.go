package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const snapshotVersion uint16 = 1

// Serialize encodes every live leaf using the same length-prefixed binary
// framing the cold tier uses for its own metadata records, so a snapshot can
// be written to index/merkle.snap and reloaded to rebuild the tree without
// replaying every InsertEntry call against the store.
func (t *Tree) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var buf bytes.Buffer
	writeU16(&buf, snapshotVersion)
	writeU64(&buf, uint64(len(t.keys)))
	for _, k := range t.keys {
		leaf := t.leaves[k]
		writeString(&buf, leaf.Key)
		buf.Write(leaf.ContentHash[:])
		writeU64(&buf, uint64(leaf.SizeBytes))
		writeU64(&buf, uint64(leaf.ModifiedAt.UnixNano()))
		if leaf.ExpiresAt != nil {
			writeU8(&buf, 1)
			writeU64(&buf, uint64(leaf.ExpiresAt.UnixNano()))
		} else {
			writeU8(&buf, 0)
		}
	}
	return buf.Bytes()
}

// Deserialize rebuilds a Tree from data produced by Serialize.
func Deserialize(data []byte) (*Tree, error) {
	r := bytes.NewReader(data)
	version, err := readU16(r)
	if err != nil {
		return nil, fmt.Errorf("merkle: decode snapshot: %w", err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("merkle: unsupported snapshot version %d", version)
	}
	count, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("merkle: decode snapshot: %w", err)
	}

	t := New()
	for i := uint64(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
		}
		var contentHash [32]byte
		if _, err := io.ReadFull(r, contentHash[:]); err != nil {
			return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
		}
		sizeBytes, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
		}
		modifiedNanos, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
		}
		hasExpiry, err := readU8(r)
		if err != nil {
			return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
		}
		var expiresAt *time.Time
		if hasExpiry == 1 {
			expNanos, err := readU64(r)
			if err != nil {
				return nil, fmt.Errorf("merkle: decode snapshot leaf %d: %w", i, err)
			}
			exp := time.Unix(0, int64(expNanos))
			expiresAt = &exp
		}
		t.InsertEntry(key, contentHash, int64(sizeBytes), time.Unix(0, int64(modifiedNanos)), expiresAt)
	}
	return t, nil
}

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeU16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func writeU64(buf *bytes.Buffer, v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
func writeString(buf *bytes.Buffer, s string) {
	writeU64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readU8(r *bytes.Reader) (uint8, error) { return r.ReadByte() }
func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
func readString(r *bytes.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
