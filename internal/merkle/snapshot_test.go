package merkle

import (
	"bytes"
	"testing"
	"time"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tree := New()
	now := time.Now().Truncate(time.Second)
	expiry := now.Add(time.Hour)
	tree.InsertEntry("key_1", hashOf("key_1"), 100, now, nil)
	tree.InsertEntry("key_2", hashOf("key_2"), 200, now, &expiry)

	data := tree.Serialize()

	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if restored.Size() != tree.Size() {
		t.Fatalf("expected size %d, got %d", tree.Size(), restored.Size())
	}
	if !bytes.Equal(restored.Root(), tree.Root()) {
		t.Fatalf("expected matching root hash after round-trip")
	}
}

func TestDeserializeRejectsUnknownVersion(t *testing.T) {
	if _, err := Deserialize([]byte{0x00, 0x02, 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for unsupported snapshot version")
	}
}
