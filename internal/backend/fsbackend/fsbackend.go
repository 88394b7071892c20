// Package fsbackend implements the filesystem Backend: one file per
// ObjectId, hex-encoded filename, atomic write-then-rename so a crash never
// leaves a torn object visible to readers.
package fsbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// Backend stores each object as root/<hex id>, with no further directory
// structure.
type Backend struct {
	root   string
	logger *logrus.Logger
}

// New creates a filesystem backend rooted at dir, creating it if absent.
func New(dir string, logger *logrus.Logger) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsbackend: create root %s: %w", dir, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{root: dir, logger: logger}, nil
}

func (b *Backend) path(id objectid.ID) string {
	return filepath.Join(b.root, id.String())
}

// Write atomically creates the object file, replacing any partial file left
// by a prior failed attempt. Callers never write the same id twice, but the
// atomic write-then-rename still protects against a crash mid-write.
func (b *Backend) Write(ctx context.Context, id objectid.ID, body []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := atomic.WriteFile(b.path(id), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("fsbackend: write %s: %w", id, err)
	}
	b.logger.WithFields(logrus.Fields{"object_id": id.String(), "bytes": len(body)}).Debug("object written")
	return nil
}

// Read returns the full contents of the named object.
func (b *Backend) Read(ctx context.Context, id objectid.ID) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("fsbackend: read %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fsbackend: read %s: %w", id, err)
	}
	return data, nil
}

// Sync fsyncs the backend's root directory, so the filenames created by
// prior Write calls are durable, in addition to the per-file fsync already
// performed by the atomic write.
func (b *Backend) Sync(ctx context.Context) error {
	dir, err := os.Open(b.root)
	if err != nil {
		return fmt.Errorf("fsbackend: open root for sync: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("fsbackend: sync root: %w", err)
	}
	return nil
}
