package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Compression tags a cold-tier blob's on-disk encoding.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

const metaRecordVersion uint16 = 1

// entryMeta is the persisted metadata record for one cache entry, written
// length-prefixed to <shard>/<hash>.meta alongside the value blob.
type entryMeta struct {
	Version      uint16
	Key          string
	SizeBytes    int64
	ContentHash  [32]byte
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
	Compression  Compression
	Checksum     [32]byte
}

// encode writes the metadata record using explicit length-prefixed fields:
// manual binary framing with writeU16/writeU64 helpers over a byte buffer.
func (m entryMeta) encode() []byte {
	var buf bytes.Buffer
	writeU16(&buf, m.Version)
	writeString(&buf, m.Key)
	writeU64(&buf, uint64(m.SizeBytes))
	buf.Write(m.ContentHash[:])
	writeU64(&buf, uint64(m.CreatedAt.UnixNano()))
	writeU64(&buf, uint64(m.LastAccessed.UnixNano()))
	if m.ExpiresAt != nil {
		writeU8(&buf, 1)
		writeU64(&buf, uint64(m.ExpiresAt.UnixNano()))
	} else {
		writeU8(&buf, 0)
	}
	writeU8(&buf, uint8(m.Compression))
	buf.Write(m.Checksum[:])
	return buf.Bytes()
}

func decodeMeta(data []byte) (entryMeta, error) {
	r := bytes.NewReader(data)
	var m entryMeta
	var err error
	if m.Version, err = readU16(r); err != nil {
		return m, err
	}
	if m.Version != metaRecordVersion {
		return m, fmt.Errorf("unsupported metadata record version %d", m.Version)
	}
	if m.Key, err = readString(r); err != nil {
		return m, err
	}
	sz, err := readU64(r)
	if err != nil {
		return m, err
	}
	m.SizeBytes = int64(sz)
	if _, err = io.ReadFull(r, m.ContentHash[:]); err != nil {
		return m, err
	}
	created, err := readU64(r)
	if err != nil {
		return m, err
	}
	m.CreatedAt = time.Unix(0, int64(created))
	accessed, err := readU64(r)
	if err != nil {
		return m, err
	}
	m.LastAccessed = time.Unix(0, int64(accessed))
	hasExpiry, err := readU8(r)
	if err != nil {
		return m, err
	}
	if hasExpiry == 1 {
		exp, err := readU64(r)
		if err != nil {
			return m, err
		}
		t := time.Unix(0, int64(exp))
		m.ExpiresAt = &t
	}
	comp, err := readU8(r)
	if err != nil {
		return m, err
	}
	m.Compression = Compression(comp)
	if _, err = io.ReadFull(r, m.Checksum[:]); err != nil {
		return m, err
	}
	return m, nil
}

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeU16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func writeU64(buf *bytes.Buffer, v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
func writeString(buf *bytes.Buffer, s string) {
	writeU64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readU8(r *bytes.Reader) (uint8, error)  { return r.ReadByte() }
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
