// Package backend defines the opaque blob-store contract every storage
// transport implements: write/read/sync of fixed-size named objects. No
// ordering between concurrent writes is required, and callers never write
// the same id twice.
package backend

import (
	"context"
	"errors"

	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// ErrNotFound is returned by Read when no object exists under the given id.
var ErrNotFound = errors.New("backend: object not found")

// Backend is the keyed blob store contract. Durability is only guaranteed
// for writes that precede a successful Sync.
type Backend interface {
	Write(ctx context.Context, id objectid.ID, body []byte) error
	Read(ctx context.Context, id objectid.ID) ([]byte, error)
	Sync(ctx context.Context) error
}
