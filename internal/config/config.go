// Package config holds the validated, flat configuration structs consumed
// by the storage engine. Parsing flags or environment variables into these
// structs is the command-line front-end's job and out of scope here; this
// package only defines the shape and validates it.
package config

import (
	"fmt"
	"time"
)

// BackendKind selects which Backend implementation a Stash is bound to.
type BackendKind string

const (
	BackendFilesystem BackendKind = "filesystem"
	BackendS3         BackendKind = "s3"
)

// BackendConfig describes how to reach the blob store backing a stash.
type BackendConfig struct {
	Kind BackendKind

	// Filesystem backend.
	RootDir string

	// S3 backend.
	Bucket       string
	Region       string
	Endpoint     string
	Provider     string // key into the known-provider table; "" means plain AWS
	UsePathStyle bool
}

// Validate checks the fields required by Kind are present.
func (c BackendConfig) Validate() error {
	switch c.Kind {
	case BackendFilesystem:
		if c.RootDir == "" {
			return fmt.Errorf("config: filesystem backend requires root_dir")
		}
	case BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("config: s3 backend requires bucket")
		}
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Kind)
	}
	return nil
}

// HardwareConfig controls whether detected CPU cryptographic acceleration
// is reported as active by crypto.IsHardwareAccelerationEnabled and
// crypto.GetHardwareAccelerationInfo. It never changes correctness. The
// stash's hardware_acceleration_enabled metric does not read it; that gauge
// reports crypto.HasAESHardwareSupport.
type HardwareConfig struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// ChunkerConfig carries the content-defined chunking parameters that must
// be recorded in StashConfig so every reader reproduces identical
// boundaries, per the chunker's determinism requirement.
type ChunkerConfig struct {
	MinSize      uint
	TargetSize   uint
	MaxSize      uint
	WindowSize   uint
	Polynomial   uint64 // 0 means "generate and persist one at stash creation"
}

// DefaultChunkerConfig returns the recommended defaults: MIN_SIZE = 64
// KiB, TARGET = 256 KiB, MAX_SIZE = 1 MiB, window 63 bytes.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinSize:    64 * 1024,
		TargetSize: 256 * 1024,
		MaxSize:    1024 * 1024,
		WindowSize: 63,
	}
}

func (c ChunkerConfig) Validate() error {
	if c.MinSize == 0 || c.TargetSize == 0 || c.MaxSize == 0 {
		return fmt.Errorf("config: chunker sizes must be positive")
	}
	if !(c.MinSize <= c.TargetSize && c.TargetSize <= c.MaxSize) {
		return fmt.Errorf("config: chunker sizes must satisfy min <= target <= max")
	}
	return nil
}

// StashConfig is the root meta-object's first field: it records the
// backend-agnostic object body capacity and the chunker bounds at stash
// creation time, so later commits (and other processes) agree on layout.
type StashConfig struct {
	SchemaVersion  uint32
	ObjectCapacity uint32 // bytes, body capacity before the 512B meta header
	Chunker        ChunkerConfig
	WriterSlots    int // object writer pool size, default runtime.NumCPU()
}

// DefaultObjectCapacity is the fixed object body size used by default
// (4 MiB).
const DefaultObjectCapacity = 4 * 1024 * 1024

// CurrentSchemaVersion is the StashConfig schema tag written by this
// implementation.
const CurrentSchemaVersion = 1

// DefaultStashConfig returns a StashConfig with the recommended defaults
// and a zero WriterSlots (caller fills in runtime.NumCPU()).
func DefaultStashConfig() StashConfig {
	return StashConfig{
		SchemaVersion:  CurrentSchemaVersion,
		ObjectCapacity: DefaultObjectCapacity,
		Chunker:        DefaultChunkerConfig(),
	}
}

func (c StashConfig) Validate() error {
	if c.ObjectCapacity <= 512 {
		return fmt.Errorf("config: object_capacity must exceed the 512-byte meta header")
	}
	if err := c.Chunker.Validate(); err != nil {
		return err
	}
	if uint32(c.Chunker.MaxSize) > c.ObjectCapacity {
		return fmt.Errorf("config: chunker max_size must not exceed object_capacity")
	}
	return nil
}

// SinkConfig describes where audit events are delivered. Type selects the
// EventWriter implementation: "stdout" (default), "file", or "http".
type SinkConfig struct {
	Type     string
	Endpoint string
	Headers  map[string]string
	FilePath string

	// Batch/retry knobs, all optional; zero values fall back to the
	// batch sink's own defaults.
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// AuditConfig controls whether commit/ingest/restore operations against a
// stash are recorded as audit events, and where they're delivered.
type AuditConfig struct {
	Enabled            bool
	Sink               SinkConfig
	MaxEvents          int
	RedactMetadataKeys []string
}
