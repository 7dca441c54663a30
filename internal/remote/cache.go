package remote

import "context"

// Cache adapts Client's REAPI-subset blob operations to the simple
// get/put-by-key contract the executor's C5 fallback tier needs: one blob
// per cache key, addressed by using the key itself as the digest hash. The
// digest's SizeBytes is advisory content-addressing metadata in this
// subset, not a field the server validates against the stored blob, so a
// lookup supplies 0 when the size isn't yet known.
type Cache struct {
	client *Client
}

// NewCache wraps client so it satisfies executor.Remote.
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// Get fetches key's blob. A circuit-open condition, any other read error,
// or a miss all report (nil, false, nil): the caller treats each as an
// ordinary cache miss, never as a hard failure.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	blobs, err := c.client.BatchReadBlobs(ctx, []Digest{{Hash: key}})
	if err != nil {
		return nil, false, nil
	}
	// Match by hash alone: the request digest's SizeBytes is unknown ahead
	// of the read, so it cannot be relied on to equal whatever size the
	// server echoes back in its response key.
	for d, data := range blobs {
		if d.Hash == key {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// Put mirrors key's blob remotely.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	digest := Digest{Hash: key, SizeBytes: int64(len(value))}
	return c.client.BatchUpdateBlobs(ctx, map[Digest][]byte{digest: value})
}
