package reader

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

// DefaultObjectCacheSize is the default number of decrypted object bodies
// a Pool<AEADReader> keeps resident, bounding memory while avoiding
// re-decrypting adjacent chunks that share an object.
const DefaultObjectCacheSize = 64

// ObjectCache is the pooled AEAD object reader backing the random-access
// reader: an LRU of decrypted chunk-object bodies, keyed by ObjectId.
type ObjectCache struct {
	backend   backend.Backend
	masterKey []byte
	lru       *lru.Cache
}

// NewObjectCache builds an ObjectCache bounded to size entries.
func NewObjectCache(be backend.Backend, masterKey []byte, size int) (*ObjectCache, error) {
	if size <= 0 {
		size = DefaultObjectCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("reader: new object cache: %w", err)
	}
	return &ObjectCache{backend: be, masterKey: masterKey, lru: c}, nil
}

// Plaintext returns the decrypted body of the chunk object named id,
// fetching and decrypting it on a cache miss. A failed authentication is
// never cached, so a corrupted object is retried (and still fails) on
// every subsequent access rather than sticking.
func (c *ObjectCache) Plaintext(ctx context.Context, id objectid.ID) ([]byte, error) {
	if v, ok := c.lru.Get(id); ok {
		return v.([]byte), nil
	}
	blob, err := c.backend.Read(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("reader: object %s: %w", id, zerostash.ErrMissingChunk)
		}
		return nil, fmt.Errorf("reader: read object %s: %w", id, err)
	}
	plain, err := crypto.OpenChunkObject(c.masterKey, id, blob)
	if err != nil {
		return nil, fmt.Errorf("reader: decrypt object %s: %w", id, err)
	}
	c.lru.Add(id, plain)
	return plain, nil
}
