// Package metastream implements the meta-stream writer and reader: a
// chain of encrypted meta-objects each carrying a fixed-size trailing
// header and a sequence of length-prefixed, CBOR-encoded field records.
package metastream

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

type writerState int

const (
	wIdle writerState = iota
	wWritingField
	wFinalized
)

// Writer implements the meta-stream writer state machine:
// Idle -> WritingField(f) -> SwitchingObject -> WritingField(f|next) ->
// Finalized.
type Writer struct {
	ctx       context.Context
	bodyLimit uint32 // capacity - HeaderSize
	masterKey []byte
	gen       *objectid.Generator
	backend   backend.Backend

	id      objectid.ID
	buf     []byte
	offsets []fieldOffset

	state        writerState
	currentField string

	// objectIndex records, for diagnostics, every meta-object id a field's
	// bytes landed in.
	objectIndex map[string][]objectid.ID
}

// NewWriter begins a meta-stream write starting at rootID (the
// master-key-derived root object id for a fresh commit).
func NewWriter(ctx context.Context, capacity uint32, masterKey []byte, gen *objectid.Generator, be backend.Backend, rootID objectid.ID) (*Writer, error) {
	if capacity <= HeaderSize {
		return nil, fmt.Errorf("metastream: capacity %d must exceed header size %d", capacity, HeaderSize)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Writer{
		ctx:         ctx,
		bodyLimit:   capacity - HeaderSize,
		masterKey:   masterKey,
		gen:         gen,
		backend:     be,
		id:          rootID,
		buf:         make([]byte, 0, capacity-HeaderSize),
		objectIndex: make(map[string][]objectid.ID),
		state:       wIdle,
	}, nil
}

// WriteField serializes one named field into the chain. emit is invoked
// with a callback that the caller should pass a per-record write
// function to (the same shape vmap.Map.Serialize expects), so a field's
// records can be streamed without materializing the whole field in
// memory.
func (w *Writer) WriteField(name string, emit func(write func([]byte) error) error) error {
	if w.state == wFinalized {
		return zerostash.ErrAlreadySealed
	}
	w.state = wWritingField
	w.currentField = name
	w.beginFieldOffset(name)

	err := emit(func(record []byte) error {
		return w.writeRecord(name, record)
	})
	if err != nil {
		return fmt.Errorf("metastream: write field %q: %w", name, err)
	}
	return nil
}

func (w *Writer) beginFieldOffset(name string) {
	w.offsets = append(w.offsets, fieldOffset{Name: name, Start: uint32(len(w.buf))})
	w.objectIndex[name] = append(w.objectIndex[name], w.id)
}

// writeRecord frames one CBOR record as a 4-byte big-endian length prefix
// followed by the bytes, switching to a freshly minted object if it does
// not fit in the remaining capacity of the current one.
func (w *Writer) writeRecord(field string, record []byte) error {
	framed := make([]byte, 4+len(record))
	binary.BigEndian.PutUint32(framed, uint32(len(record)))
	copy(framed[4:], record)

	if uint32(len(framed)) > w.bodyLimit {
		return fmt.Errorf("metastream: record of %d bytes exceeds object body capacity %d", len(framed), w.bodyLimit)
	}

	if uint32(len(w.buf))+uint32(len(framed)) > w.bodyLimit {
		if err := w.switchObject(); err != nil {
			return err
		}
		w.beginFieldOffset(field)
	}
	w.buf = append(w.buf, framed...)
	return nil
}

// switchObject finalizes the current object with next_object pointing at
// a freshly minted id, then begins filling that id.
func (w *Writer) switchObject() error {
	nextID, err := w.gen.New()
	if err != nil {
		return fmt.Errorf("metastream: mint continuation object id: %w", err)
	}
	if err := w.sealCurrent(&nextID); err != nil {
		return err
	}
	w.id = nextID
	w.buf = w.buf[:0]
	w.offsets = nil
	return nil
}

func (w *Writer) sealCurrent(next *objectid.ID) error {
	h := header{
		Version:    V1,
		Offsets:    w.offsets,
		End:        uint32(len(w.buf)),
		NextObject: next,
	}
	headerBytes, err := cbor.Marshal(h)
	if err != nil {
		return fmt.Errorf("metastream: encode header: %w", err)
	}
	if len(headerBytes) > HeaderSize {
		return fmt.Errorf("metastream: header of %d bytes exceeds reserved %d", len(headerBytes), HeaderSize)
	}

	body := make([]byte, w.bodyLimit+HeaderSize)
	copy(body, w.buf)
	copy(body[w.bodyLimit:], headerBytes)

	blob, err := crypto.SealMetaObject(w.masterKey, w.id, body)
	if err != nil {
		return fmt.Errorf("metastream: seal meta-object %s: %w", w.id, err)
	}
	if err := w.backend.Write(w.ctx, w.id, blob); err != nil {
		return fmt.Errorf("metastream: write meta-object %s: %w", w.id, err)
	}
	return nil
}

// Close finalizes the chain: the last object is written with
// next_object = nil. Any further WriteField call fails with
// ErrAlreadySealed.
func (w *Writer) Close() error {
	if w.state == wFinalized {
		return zerostash.ErrAlreadySealed
	}
	if err := w.sealCurrent(nil); err != nil {
		return err
	}
	w.state = wFinalized
	return nil
}

// ObjectIndex returns, for diagnostics and tests, the set of meta-object
// ids each field's bytes were written into, in chain order.
func (w *Writer) ObjectIndex() map[string][]objectid.ID {
	out := make(map[string][]objectid.ID, len(w.objectIndex))
	for k, v := range w.objectIndex {
		cp := make([]objectid.ID, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
