// Package cachekey derives the 256-bit content-addressed fingerprint used to
// memoize task execution, and filters environment variables that may
// influence it.
package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/sync/errgroup"
)

// InputFile is one (path, content hash) pair contributing to a cache key.
type InputFile struct {
	Path        string
	ContentHash string
}

// TaskIdentity is the set of fields spec.md §3 names as contributing to a
// CacheKey, prior to environment filtering.
type TaskIdentity struct {
	TaskName       string
	GroupPath      string
	TaskConfigHash string
	WorkingDir     string
	Command        string
	Script         string
	Inputs         []InputFile
	Env            map[string]string
}

// domain separation prefixes, one per field, so that concatenating without a
// field separator cannot create ambiguity between e.g. a long task name and a
// short one followed by more bytes.
const (
	tagTaskName   = "TASK:"
	tagGroupPath  = "GROUP:"
	tagConfigHash = "CFGHASH:"
	tagWorkingDir = "WORKDIR:"
	tagCommand    = "CMD:"
	tagScript     = "SCRIPT:"
	tagInput      = "INPUT:"
	tagEnv        = "ENV:"
)

// Derive computes the 256-bit hex cache key for a task instance. env should
// already have been passed through FilterEnv. The function is a pure
// deterministic digest: identical canonicalized inputs always yield identical
// output, across processes and hosts.
func Derive(identity TaskIdentity, filteredEnv map[string]string) (string, error) {
	h := sha256.New()

	writeField(h, tagTaskName, identity.TaskName)
	writeField(h, tagGroupPath, identity.GroupPath)
	writeField(h, tagConfigHash, identity.TaskConfigHash)
	writeField(h, tagWorkingDir, CanonicalizeWorkingDir(identity.WorkingDir))
	writeField(h, tagCommand, identity.Command)
	writeField(h, tagScript, identity.Script)

	inputs := make([]InputFile, len(identity.Inputs))
	copy(inputs, identity.Inputs)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Path < inputs[j].Path })
	for _, in := range inputs {
		writeField(h, tagInput, in.Path+"\x00"+in.ContentHash)
	}

	for _, name := range sortedPairs(filteredEnv) {
		writeField(h, tagEnv, name+"\x00"+filteredEnv[name])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField hashes a domain-separation tag, the field's byte length, and the
// field itself, so that no concatenation of two fields can collide with a
// different split of the same bytes.
func writeField(h interface{ Write([]byte) (int, error) }, tag string, value string) {
	h.Write([]byte(tag))
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
	h.Write(lenBuf[:])
	h.Write([]byte(value))
}

// HashFiles computes SHA-256 content hashes for a set of file paths in
// parallel, returning InputFile pairs ready for Derive. readFile is injected
// so callers can supply a sandboxed or virtual filesystem reader.
func HashFiles(paths []string, readFile func(path string) ([]byte, error)) ([]InputFile, error) {
	results := make([]InputFile, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			data, err := readFile(p)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(data)
			results[i] = InputFile{Path: p, ContentHash: hex.EncodeToString(sum[:])}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
