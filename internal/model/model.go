// Package model holds the data types shared across the storage engine's
// components: ChunkPointer, Entry, Snapshot, and Commit, plus the content
// digest used to key the ChunkIndex.
package model

import (
	"encoding/hex"

	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// DigestSize is the width of a content digest (BLAKE3, 256 bits).
const DigestSize = 32

// Digest is the cryptographic hash of a chunk's plaintext, used as the
// ChunkIndex key.
type Digest [DigestSize]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// ChunkPointer locates one encrypted chunk slice within exactly one object.
// The nonce used to decrypt the object is object-level (stored in the blob
// itself, ahead of the ciphertext), so the pointer needs only offset and
// length within the object's decrypted body — this resolves the nonce
// placement open question in favor of "derived from pointer fields": the
// object id is the pointer field the nonce derivation and retrieval route
// through.
type ChunkPointer struct {
	ObjectID objectid.ID
	Offset   uint32
	Length   uint32
}

// ChunkRef pairs a ChunkPointer with its starting offset within the owning
// file or stream, as stored in an Entry's or Snapshot's ordered chunk list.
type ChunkRef struct {
	FileOffset uint64
	Pointer    ChunkPointer
}

// Entry is a FileIndex value: one file's metadata and ordered chunk list.
// Chunks is sorted ascending by FileOffset; Chunks[0].FileOffset == 0;
// Chunks[i+1].FileOffset == Chunks[i].FileOffset + Chunks[i].Pointer.Length;
// the last offset plus its length equals Size.
type Entry struct {
	Size    uint64
	ModTime int64 // unix seconds
	ModNsec int32
	UID     uint32
	GID     uint32
	Mode    uint32
	Chunks  []ChunkRef
}

// Snapshot is a SnapshotIndex value, carrying the same chunk-list shape as
// Entry for opaque byte streams (e.g. zfs send output) rather than files.
type Snapshot struct {
	Size   uint64
	Chunks []ChunkRef
}

// Commit records one published root meta-object id. Commits form a linear
// history per stash.
type Commit struct {
	RootObjectID objectid.ID
	Timestamp    int64 // unix seconds
	Message      string
	ParentID     *objectid.ID
}
