// Package zerostash carries the sentinel error taxonomy shared by every
// storage-engine package, so callers can errors.Is against a stable set of
// values regardless of which layer produced them.
package zerostash

import "errors"

var (
	// ErrAuthFailure means AEAD verification failed on an object body. Fatal
	// for the affected object; never retryable.
	ErrAuthFailure = errors.New("zerostash: AEAD authentication failed")

	// ErrKeyDerivation means the supplied master key material was invalid.
	ErrKeyDerivation = errors.New("zerostash: key derivation failed")

	// ErrUnsupportedVersion means a meta-object header carries an unknown
	// schema version.
	ErrUnsupportedVersion = errors.New("zerostash: unsupported meta-object version")

	// ErrChainTooLong means a meta-object chain exceeded the configured
	// maximum length, an anti-DoS guard on chain traversal.
	ErrChainTooLong = errors.New("zerostash: meta-object chain too long")

	// ErrMalformedHeader means a meta-object header failed to decode or
	// violated an ordering invariant.
	ErrMalformedHeader = errors.New("zerostash: malformed meta-object header")

	// ErrMissingChunk means a ChunkPointer referenced by an Entry could not
	// be resolved; the reader returns it when the pointer's object is absent
	// from the backend. Fatal for the affected file, non-fatal for the
	// overall restore job.
	ErrMissingChunk = errors.New("zerostash: missing chunk")

	// ErrChunkerLimit means a chunk exceeded MAX_SIZE without a boundary; a
	// chunker determinism bug.
	ErrChunkerLimit = errors.New("zerostash: chunker exceeded maximum chunk size")

	// ErrAlreadySealed means a write was attempted against a finalized
	// writer. Only the meta-stream writer returns it; an object writer slot
	// starts a fresh object after sealing instead.
	ErrAlreadySealed = errors.New("zerostash: writer already sealed")

	// ErrInvalidRange means a read was requested with offset beyond the
	// file's recorded size.
	ErrInvalidRange = errors.New("zerostash: invalid read range")
)
