// Package objectpool implements the Object Writer Pool: a bounded set of
// writer slots that pack encrypted chunks into fixed-capacity objects and
// seal them to a Backend once full.
package objectpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// SlotState is the state of one writer slot's current object.
type SlotState int

const (
	Empty SlotState = iota
	Filling
	Sealing
	Sealed
)

func (s SlotState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Filling:
		return "filling"
	case Sealing:
		return "sealing"
	case Sealed:
		return "sealed"
	default:
		return "unknown"
	}
}

type slot struct {
	mu       sync.Mutex
	id       objectid.ID
	buf      []byte
	capacity uint32
	state    SlotState
}

// Pool is the bounded N-slot Object Writer Pool: each slot owns a
// partially filled plaintext buffer and an ObjectId for its current
// object; writes are dispatched round-robin and a slot seals itself
// (AEAD-encrypt + submit) whenever the next chunk would overflow its
// remaining capacity.
type Pool struct {
	slots     []*slot
	next      uint64 // round-robin counter, accessed only via atomic-free mutex below
	nextMu    sync.Mutex
	masterKey []byte
	gen       *objectid.Generator
	backend   backend.Backend
	bufPool   *crypto.BufferPool // sources and reclaims slot plaintext buffers
	logger    *logrus.Logger
}

// New creates a Pool with n slots, each capped at capacity bytes of
// plaintext per object.
func New(n int, capacity uint32, masterKey []byte, be backend.Backend, logger *logrus.Logger) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("objectpool: slot count must be positive")
	}
	if capacity == 0 {
		return nil, fmt.Errorf("objectpool: capacity must be positive")
	}
	gen := objectid.NewGenerator(masterKey)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{
		slots:     make([]*slot, n),
		masterKey: masterKey,
		gen:       gen,
		backend:   be,
		bufPool:   crypto.GetGlobalBufferPool(),
		logger:    logger,
	}
	for i := range p.slots {
		id, err := gen.New()
		if err != nil {
			return nil, fmt.Errorf("objectpool: mint initial object id: %w", err)
		}
		p.slots[i] = &slot{id: id, capacity: capacity, state: Empty, buf: p.bufPool.Get(int(capacity))[:0]}
	}
	return p, nil
}

// pick returns the next slot index, round-robin.
func (p *Pool) pick() int {
	p.nextMu.Lock()
	i := int(p.next % uint64(len(p.slots)))
	p.next++
	p.nextMu.Unlock()
	return i
}

// WriteChunk appends plaintext to a slot, sealing that slot first if the
// chunk would not fit in its remaining capacity. It returns the
// ChunkPointer locating the chunk within whichever object it ends up in.
func (p *Pool) WriteChunk(ctx context.Context, plaintext []byte) (model.ChunkPointer, error) {
	if len(plaintext) == 0 {
		return model.ChunkPointer{}, fmt.Errorf("objectpool: empty chunk")
	}
	s := p.slots[p.pick()]
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.buf))+uint32(len(plaintext)) > s.capacity {
		if err := p.sealLocked(ctx, s); err != nil {
			return model.ChunkPointer{}, err
		}
	}
	if uint32(len(plaintext)) > s.capacity {
		return model.ChunkPointer{}, fmt.Errorf("objectpool: chunk of %d bytes exceeds object capacity %d", len(plaintext), s.capacity)
	}

	s.state = Filling
	offset := uint32(len(s.buf))
	s.buf = append(s.buf, plaintext...)

	return model.ChunkPointer{
		ObjectID: s.id,
		Offset:   offset,
		Length:   uint32(len(plaintext)),
	}, nil
}

// sealLocked encrypts and submits the slot's current buffer, then mints a
// fresh id and resets it to Empty. Caller must hold s.mu.
func (p *Pool) sealLocked(ctx context.Context, s *slot) error {
	if len(s.buf) == 0 {
		return nil
	}
	s.state = Sealing
	blob, err := crypto.SealChunkObject(p.masterKey, s.id, s.buf)
	if err != nil {
		return fmt.Errorf("objectpool: seal object %s: %w", s.id, err)
	}
	sealedBytes := len(s.buf)
	p.bufPool.Put(s.buf)
	if err := p.backend.Write(ctx, s.id, blob); err != nil {
		return fmt.Errorf("objectpool: write object %s: %w", s.id, err)
	}
	p.logger.WithFields(logrus.Fields{
		"object_id": s.id.String(),
		"bytes":     sealedBytes,
	}).Debug("object sealed")

	newID, err := p.gen.New()
	if err != nil {
		return fmt.Errorf("objectpool: mint replacement object id: %w", err)
	}
	s.id = newID
	s.buf = p.bufPool.Get(int(s.capacity))[:0]
	s.state = Sealed
	s.state = Empty
	return nil
}

// Flush seals every non-empty slot, used by the Commit Manager before
// publishing the root meta-object.
func (p *Pool) Flush(ctx context.Context) error {
	for _, s := range p.slots {
		s.mu.Lock()
		err := p.sealLocked(ctx, s)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Slots returns the number of writer slots, for diagnostics and tests.
func (p *Pool) Slots() int { return len(p.slots) }
