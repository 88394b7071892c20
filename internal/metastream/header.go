package metastream

import (
	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// HeaderSize is the fixed width, in bytes, reserved at the tail of every
// meta-object body for its header.
const HeaderSize = 512

// V1 is the only header schema version this implementation writes or
// accepts.
const V1 = 1

// fieldOffset records where one field's byte range begins within this
// object's body. The range's end is either the next entry's Start, or
// End for the last entry.
type fieldOffset struct {
	Name  string `cbor:"n"`
	Start uint32 `cbor:"s"`
}

// header is the fixed-position, CBOR-encoded trailer of a meta-object
// body, per the external binary format.
type header struct {
	Version    uint32        `cbor:"v"`
	Offsets    []fieldOffset `cbor:"o"`
	End        uint32        `cbor:"e"`
	NextObject *objectid.ID  `cbor:"x,omitempty"`
}
