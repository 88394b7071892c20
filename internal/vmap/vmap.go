// Package vmap implements the versioned, generational map used by every
// index in the storage engine (ChunkIndex, FileIndex, SnapshotIndex).
// Inserts accumulate into the current generation; reads traverse
// generations newest-first; Serialize walks only the current generation,
// SerializeAll walks every generation, and deserialization merges records
// in as an older generation.
package vmap

import (
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// shardCount is the number of independent lock buckets a map is split
// across. Bucket locks are always leaves in the lock-ordering rule
// (writer-pool slot before index bucket before backend); no goroutine holds
// two bucket locks at once.
const shardCount = 32

// record is one serialized (key, value|tombstone) pair written during
// serialize and consumed during deserialize.
type record[K comparable, V any] struct {
	Key       K    `cbor:"k"`
	Tombstone bool `cbor:"t"`
	Value     *V   `cbor:"v,omitempty"`
}

type generation[K comparable, V any] struct {
	shards [shardCount]shard[K, V]
}

type shard[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
}

type entry[V any] struct {
	tombstone bool
	value     V
}

func newGeneration[K comparable, V any]() *generation[K, V] {
	g := &generation[K, V]{}
	for i := range g.shards {
		g.shards[i].data = make(map[K]entry[V])
	}
	return g
}

// Map is a versioned, generational map. The zero value is not usable; call
// New.
type Map[K comparable, V any] struct {
	mu          sync.RWMutex // guards generations slice membership only
	generations []*generation[K, V]
	seed        maphash.Seed
}

// New creates an empty Map with a single current generation.
func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{seed: maphash.MakeSeed()}
	m.generations = []*generation[K, V]{newGeneration[K, V]()}
	return m
}

func (m *Map[K, V]) shardFor(k K) int {
	// Key hashing uses fmt.Sprintf for generality across comparable key
	// types; callers with performance-sensitive key types may prefer a
	// dedicated sharded map, but index sizes here are bounded by file and
	// chunk counts, not request rate.
	var h maphash.Hash
	h.SetSeed(m.seed)
	_, _ = h.WriteString(fmt.Sprintf("%v", k))
	return int(h.Sum64() % uint64(shardCount))
}

func (m *Map[K, V]) current() *generation[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[0]
}

// Insert inserts v under k into the current generation.
func (m *Map[K, V]) Insert(k K, v V) {
	g := m.current()
	sh := &g.shards[m.shardFor(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[k] = entry[V]{value: v}
}

// Get returns the newest-generation value for k, or ok=false if absent or
// tombstoned in every generation up to the first hit.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	gens := m.generations
	m.mu.RUnlock()

	shardIdx := m.shardFor(k)
	for _, g := range gens {
		sh := &g.shards[shardIdx]
		sh.mu.RLock()
		e, ok := sh.data[k]
		sh.mu.RUnlock()
		if ok {
			if e.tombstone {
				var zero V
				return zero, false
			}
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Remove inserts a tombstone for k into the current generation.
func (m *Map[K, V]) Remove(k K) {
	g := m.current()
	sh := &g.shards[m.shardFor(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[k] = entry[V]{tombstone: true}
}

// Iter calls fn for every live key across all generations, newest value
// winning and tombstones suppressing older values. Iteration order is
// unspecified.
func (m *Map[K, V]) Iter(fn func(K, V)) {
	m.mu.RLock()
	gens := m.generations
	m.mu.RUnlock()

	seen := make(map[K]bool)
	for _, g := range gens {
		for i := range g.shards {
			sh := &g.shards[i]
			sh.mu.RLock()
			for k, e := range sh.data {
				if seen[k] {
					continue
				}
				seen[k] = true
				if !e.tombstone {
					fn(k, e.value)
				}
			}
			sh.mu.RUnlock()
		}
	}
}

// Len returns the number of live keys. It is O(n) and intended for tests
// and diagnostics, not hot paths.
func (m *Map[K, V]) Len() int {
	n := 0
	m.Iter(func(K, V) { n++ })
	return n
}

// Serialize emits the current generation as a sequence of CBOR-encoded
// records, one per key, via write. Only the current (not-yet-committed)
// generation is walked: older generations were already persisted by prior
// commits.
func (m *Map[K, V]) Serialize(write func([]byte) error) error {
	g := m.current()
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.RLock()
		items := make([]record[K, V], 0, len(sh.data))
		for k, e := range sh.data {
			r := record[K, V]{Key: k, Tombstone: e.tombstone}
			if !e.tombstone {
				v := e.value
				r.Value = &v
			}
			items = append(items, r)
		}
		sh.mu.RUnlock()
		for _, r := range items {
			b, err := cbor.Marshal(r)
			if err != nil {
				return fmt.Errorf("vmap: marshal record: %w", err)
			}
			if err := write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// SerializeAll emits every live key across all generations as a single
// flattened sequence of CBOR-encoded records, tombstones omitted. Unlike
// Serialize (which walks only the current generation, meant for an
// always-resident single-generation map), SerializeAll is what the Commit
// Manager uses: a stash reopened from disk holds its restored state in an
// older generation, and a later commit must still republish all of it, not
// just what has been inserted since reopen.
func (m *Map[K, V]) SerializeAll(write func([]byte) error) error {
	var outerErr error
	m.Iter(func(k K, v V) {
		if outerErr != nil {
			return
		}
		r := record[K, V]{Key: k, Value: &v}
		b, err := cbor.Marshal(r)
		if err != nil {
			outerErr = fmt.Errorf("vmap: marshal record: %w", err)
			return
		}
		if err := write(b); err != nil {
			outerErr = err
		}
	})
	return outerErr
}

// Deserialize consumes one CBOR record and merges it into a new older
// generation appended below the current one. Call Freeze between a
// deserialize pass and subsequent Insert calls to start a fresh current
// generation, matching "reads traverse generations newest-first; inserts
// accumulate into the current generation".
func (m *Map[K, V]) Deserialize(data []byte) error {
	var r record[K, V]
	if err := cbor.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("vmap: unmarshal record: %w", err)
	}

	m.mu.Lock()
	if len(m.generations) < 2 {
		m.generations = append(m.generations, newGeneration[K, V]())
	}
	older := m.generations[len(m.generations)-1]
	m.mu.Unlock()

	sh := &older.shards[m.shardFor(r.Key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r.Tombstone {
		sh.data[r.Key] = entry[V]{tombstone: true}
	} else if r.Value != nil {
		sh.data[r.Key] = entry[V]{value: *r.Value}
	}
	return nil
}

// Freeze pushes a fresh, empty generation to the front, so future Insert
// calls land in a new current generation while everything previously
// current (and everything deserialized) becomes an older, shadowed
// generation. The stash's Commit does not call it.
func (m *Map[K, V]) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations = append([]*generation[K, V]{newGeneration[K, V]()}, m.generations...)
}

// Generations returns the number of generations currently tracked,
// including the current one. Intended for tests and diagnostics.
func (m *Map[K, V]) Generations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.generations)
}
