// Package chunkindex implements the versioned digest-to-pointer map that
// backs content-defined deduplication.
package chunkindex

import (
	"lukechampine.com/blake3"

	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/vmap"
)

// Index is the versioned mapping digest -> ChunkPointer.
type Index struct {
	m *vmap.Map[model.Digest, model.ChunkPointer]
}

// New returns an empty ChunkIndex.
func New() *Index {
	return &Index{m: vmap.New[model.Digest, model.ChunkPointer]()}
}

// Digest returns the content digest of plaintext, the key under which its
// ChunkPointer is stored.
func Digest(plaintext []byte) model.Digest {
	return model.Digest(blake3.Sum256(plaintext))
}

// WriteFunc hands plaintext to the Object Writer Pool and returns the
// pointer locating it.
type WriteFunc func(plaintext []byte) (model.ChunkPointer, error)

// LookupOrInsert implements the chunker's dedup step: if digest is
// already present the existing pointer is reused; otherwise write is
// invoked and its result is recorded under digest.
//
// dup reports whether the chunk was already known (a deduplication hit).
//
// The lookup and insert are not atomic as a pair: two concurrent callers
// racing on the same digest (two ingest workers hashing identical content
// at once) can both miss and both call write, producing two chunk objects
// for one digest, with whichever Insert runs last winning the index entry.
// Dedup is therefore best-effort under concurrent ingestion, not exact;
// the orphaned object is wasted space, not a correctness bug.
func (idx *Index) LookupOrInsert(digest model.Digest, plaintext []byte, write WriteFunc) (ptr model.ChunkPointer, dup bool, err error) {
	if existing, ok := idx.m.Get(digest); ok {
		return existing, true, nil
	}
	ptr, err = write(plaintext)
	if err != nil {
		return model.ChunkPointer{}, false, err
	}
	idx.m.Insert(digest, ptr)
	return ptr, false, nil
}

// Get returns the pointer stored under digest, if any.
func (idx *Index) Get(digest model.Digest) (model.ChunkPointer, bool) {
	return idx.m.Get(digest)
}

// Len returns the number of live (non-tombstoned) digests across all
// generations.
func (idx *Index) Len() int { return idx.m.Len() }

// Freeze shadows the current generation with a fresh one. The stash's
// Commit does not call it; a commit publishes every generation through
// SerializeAll.
func (idx *Index) Freeze() { idx.m.Freeze() }

// Serialize writes the current generation as CBOR records via write.
func (idx *Index) Serialize(write func([]byte) error) error { return idx.m.Serialize(write) }

// SerializeAll writes every live digest across all generations, the form
// the Commit Manager uses so a reopened stash's restored state is
// republished on every commit, not just what changed since reopen.
func (idx *Index) SerializeAll(write func([]byte) error) error { return idx.m.SerializeAll(write) }

// Deserialize merges a CBOR record produced by Serialize as an older
// generation.
func (idx *Index) Deserialize(data []byte) error { return idx.m.Deserialize(data) }
