package executor

import (
	"bytes"
	"encoding/binary"
	"io"
)

// outputSnapshot is the cached blob format for one task: captured
// stdout/stderr plus the content of every file matched by the task's
// declared output globs, keyed by path relative to WorkingDir so a
// reconstitution on a different host still lands in the right place.
type outputSnapshot struct {
	Stdout []byte
	Stderr []byte
	Files  map[string][]byte
}

// encodeSnapshot writes s using explicit length-prefixed fields: manual
// binary framing with writeU32 helpers over a byte buffer, the same idiom
// the store and Merkle packages use for their own on-disk records.
func encodeSnapshot(s outputSnapshot) []byte {
	var buf bytes.Buffer
	writeBlob(&buf, s.Stdout)
	writeBlob(&buf, s.Stderr)
	writeU32(&buf, uint32(len(s.Files)))
	for path, data := range s.Files {
		writeStr(&buf, path)
		writeBlob(&buf, data)
	}
	return buf.Bytes()
}

func decodeSnapshot(data []byte) (outputSnapshot, error) {
	r := bytes.NewReader(data)
	var s outputSnapshot
	var err error
	if s.Stdout, err = readBlob(r); err != nil {
		return s, err
	}
	if s.Stderr, err = readBlob(r); err != nil {
		return s, err
	}
	n, err := readU32(r)
	if err != nil {
		return s, err
	}
	s.Files = make(map[string][]byte, n)
	for i := uint32(0); i < n; i++ {
		path, err := readStr(r)
		if err != nil {
			return s, err
		}
		data, err := readBlob(r)
		if err != nil {
			return s, err
		}
		s.Files[path] = data
	}
	return s, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeStr(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readStr(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
