// Package objectid defines the 256-bit opaque blob identifier used to name
// every object a Stash writes to its Backend.
package objectid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
	"io"

	"crypto/sha256"
)

// Size is the width of an ObjectId in bytes (256 bits).
const Size = 32

// ID is a 256-bit opaque blob identifier. It names exactly one storage
// object and carries no structure of its own.
type ID [Size]byte

// Zero is the all-zero id. (A meta-object header marks "no next object"
// with a nil pointer, not with Zero.)
var Zero ID

// IsZero reports whether id is the all-zero id.
func (id ID) IsZero() bool {
	return id == Zero
}

// String returns the hex encoding of id, the same encoding used for
// filesystem backend filenames and S3 object keys.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the id's underlying bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler, used by the CBOR
// codec to encode an ID as a compact byte string instead of an array of
// 32 integers.
func (id ID) MarshalBinary() ([]byte, error) {
	return id.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *ID) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("objectid: unmarshal: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return nil
}

// Parse decodes a hex-encoded ObjectId, as produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("objectid: parse %q: %w", s, err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("objectid: parse %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes builds an ID from an exactly Size-byte slice.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("objectid: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Generator mints fresh ObjectIds bound to a master key. Every id is
// generated from cryptographic randomness derived from the master key, per
// the data model's ObjectId definition: knowing the id alone reveals
// nothing, but the generation ties every blob name to the stash's key
// material via HKDF rather than to a bare OS random source.
type Generator struct {
	masterKey []byte
}

// NewGenerator builds a Generator bound to masterKey. masterKey is held by
// reference and never copied out.
func NewGenerator(masterKey []byte) *Generator {
	return &Generator{masterKey: masterKey}
}

// New mints a fresh random ObjectId.
func (g *Generator) New() (ID, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return ID{}, fmt.Errorf("objectid: read randomness: %w", err)
	}
	h := hkdf.New(sha256.New, g.masterKey, salt[:], []byte("zerostash-object-id-v1"))
	var id ID
	if _, err := io.ReadFull(h, id[:]); err != nil {
		return ID{}, fmt.Errorf("objectid: derive: %w", err)
	}
	return id, nil
}

// RootID derives the stash's root meta-object id deterministically from the
// master key, so a reader can locate the entry point from credentials alone.
// Label matches the external interface's literal root derivation,
// HKDF(master_key, "root-meta-v1").
func RootID(masterKey []byte) (ID, error) {
	h := hkdf.New(sha256.New, masterKey, nil, []byte("root-meta-v1"))
	var id ID
	if _, err := io.ReadFull(h, id[:]); err != nil {
		return ID{}, fmt.Errorf("objectid: derive root: %w", err)
	}
	return id, nil
}
