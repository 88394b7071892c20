package metastream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

// DefaultMaxChainLength bounds how many meta-objects a Reader will follow
// before giving up with ErrChainTooLong, an anti-DoS measure against a
// corrupted or adversarial next_object cycle.
const DefaultMaxChainLength = 100000

// Reader opens a meta-stream chain starting from a root (or continuation)
// ObjectId and extracts named fields from it.
type Reader struct {
	ctx         context.Context
	masterKey   []byte
	backend     backend.Backend
	maxChainLen int
}

// NewReader builds a Reader. maxChainLen <= 0 selects DefaultMaxChainLength.
func NewReader(ctx context.Context, masterKey []byte, be backend.Backend, maxChainLen int) *Reader {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxChainLen <= 0 {
		maxChainLen = DefaultMaxChainLength
	}
	return &Reader{ctx: ctx, masterKey: masterKey, backend: be, maxChainLen: maxChainLen}
}

type openedObject struct {
	body      []byte
	bodyLimit uint32
	hdr       header
}

// open fetches, authenticates, and parses the header of one meta-object.
func (r *Reader) open(id objectid.ID) (*openedObject, error) {
	blob, err := r.backend.Read(r.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("metastream: read meta-object %s: %w", id, err)
	}
	body, err := crypto.OpenMetaObject(r.masterKey, id, blob)
	if err != nil {
		return nil, fmt.Errorf("metastream: open meta-object %s: %w", id, err)
	}
	if uint32(len(body)) <= HeaderSize {
		return nil, fmt.Errorf("metastream: meta-object %s: %w", id, zerostash.ErrMalformedHeader)
	}
	bodyLimit := uint32(len(body)) - HeaderSize

	var h header
	dec := cbor.NewDecoder(bytes.NewReader(body[bodyLimit:]))
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("metastream: decode header of %s: %w", id, zerostash.ErrMalformedHeader)
	}
	if h.Version != V1 {
		return nil, fmt.Errorf("metastream: meta-object %s version %d: %w", id, h.Version, zerostash.ErrUnsupportedVersion)
	}
	if h.End > bodyLimit {
		return nil, fmt.Errorf("metastream: meta-object %s: header.end exceeds body capacity: %w", id, zerostash.ErrMalformedHeader)
	}
	prevStart := uint32(0)
	for i, off := range h.Offsets {
		if off.Start > h.End {
			return nil, fmt.Errorf("metastream: meta-object %s: offset %q beyond end: %w", id, off.Name, zerostash.ErrMalformedHeader)
		}
		if i > 0 && off.Start < prevStart {
			return nil, fmt.Errorf("metastream: meta-object %s: offsets not ascending: %w", id, zerostash.ErrMalformedHeader)
		}
		prevStart = off.Start
	}

	return &openedObject{body: body, bodyLimit: bodyLimit, hdr: h}, nil
}

// ReadField walks the chain starting at rootID, invoking consume once per
// framed record belonging to name, in chain order. Objects that don't
// mention the field are skipped (the field may be absent from them).
func (r *Reader) ReadField(rootID objectid.ID, name string, consume func(record []byte) error) error {
	id := rootID
	for step := 0; ; step++ {
		if step >= r.maxChainLen {
			return fmt.Errorf("metastream: chain exceeded %d objects: %w", r.maxChainLen, zerostash.ErrChainTooLong)
		}
		obj, err := r.open(id)
		if err != nil {
			return err
		}

		for i, off := range obj.hdr.Offsets {
			if off.Name != name {
				continue
			}
			end := obj.hdr.End
			if i+1 < len(obj.hdr.Offsets) {
				end = obj.hdr.Offsets[i+1].Start
			}
			if err := readFramedRange(obj.body[off.Start:end], consume); err != nil {
				return fmt.Errorf("metastream: field %q in %s: %w", name, id, err)
			}
		}

		if obj.hdr.NextObject == nil {
			return nil
		}
		id = *obj.hdr.NextObject
	}
}

// FieldNames returns the union of field names present anywhere in the
// chain starting at rootID, useful for listing what a root publishes.
func (r *Reader) FieldNames(rootID objectid.ID) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	id := rootID
	for step := 0; ; step++ {
		if step >= r.maxChainLen {
			return nil, fmt.Errorf("metastream: chain exceeded %d objects: %w", r.maxChainLen, zerostash.ErrChainTooLong)
		}
		obj, err := r.open(id)
		if err != nil {
			return nil, err
		}
		for _, off := range obj.hdr.Offsets {
			if !seen[off.Name] {
				seen[off.Name] = true
				names = append(names, off.Name)
			}
		}
		if obj.hdr.NextObject == nil {
			return names, nil
		}
		id = *obj.hdr.NextObject
	}
}

func readFramedRange(data []byte, consume func(record []byte) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return fmt.Errorf("truncated record length: %w", zerostash.ErrMalformedHeader)
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < n {
			return fmt.Errorf("truncated record body: %w", zerostash.ErrMalformedHeader)
		}
		if err := consume(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
