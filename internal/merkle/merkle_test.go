package merkle

import (
	"crypto/sha256"
	"testing"
	"time"
)

func hashOf(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func TestInsertAndProofRoundTrip(t *testing.T) {
	tree := New()
	now := time.Now()
	for _, k := range []string{"key_1", "key_2", "key_3", "key_4", "key_5"} {
		tree.InsertEntry(k, hashOf(k), 100, now, nil)
	}
	if tree.Size() != 5 {
		t.Fatalf("expected 5 leaves, got %d", tree.Size())
	}

	proof, ok := tree.GenerateProof("key_2")
	if !ok {
		t.Fatalf("expected proof for key_2")
	}
	if !tree.VerifyProof(proof) {
		t.Fatalf("expected proof to verify against current root")
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	tree := New()
	now := time.Now()
	for _, k := range []string{"key_1", "key_2", "key_3", "key_4", "key_5"} {
		tree.InsertEntry(k, hashOf(k), 100, now, nil)
	}

	report := tree.VerifyIntegrity()
	if !report.TreeValid {
		t.Fatalf("expected clean tree to be valid, got corrupted=%v", report.CorruptedEntries)
	}

	// Simulate out-of-band corruption of a leaf's content hash without
	// rebuilding the tree, as would happen if the underlying store returned
	// a bit-rotted metadata record.
	tree.mu.Lock()
	leaf := tree.leaves["key_2"]
	leaf.ContentHash = hashOf("tampered")
	tree.leaves["key_2"] = leaf
	tree.mu.Unlock()

	report = tree.VerifyIntegrity()
	if report.TreeValid {
		t.Fatalf("expected tampered tree to be invalid")
	}
	if len(report.CorruptedEntries) != 1 || report.CorruptedEntries[0] != "key_2" {
		t.Fatalf("expected corrupted_entries = [key_2], got %v", report.CorruptedEntries)
	}
}

func TestRemoveEntry(t *testing.T) {
	tree := New()
	tree.InsertEntry("a", hashOf("a"), 1, time.Now(), nil)
	tree.InsertEntry("b", hashOf("b"), 1, time.Now(), nil)
	tree.RemoveEntry("a")
	if tree.Size() != 1 {
		t.Fatalf("expected 1 leaf after removal, got %d", tree.Size())
	}
	if _, ok := tree.GenerateProof("a"); ok {
		t.Fatalf("expected no proof for removed entry")
	}
}

func TestEmptyTreeRootIsNil(t *testing.T) {
	tree := New()
	if tree.Root() != nil {
		t.Fatalf("expected nil root for empty tree")
	}
}

func TestOddLeafCountSelfPairs(t *testing.T) {
	tree := New()
	tree.InsertEntry("only", hashOf("only"), 1, time.Now(), nil)
	proof, ok := tree.GenerateProof("only")
	if !ok {
		t.Fatalf("expected proof")
	}
	if !tree.VerifyProof(proof) {
		t.Fatalf("expected single-leaf proof (self-paired) to verify")
	}
}
