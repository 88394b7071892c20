// Package stash ties the storage engine's components into the operations
// a caller actually drives: ingest a file or snapshot stream, commit the
// current state to a durable root, and reopen a stash from its root alone.
// It is the Commit Manager of the design: everything upstream of it
// (chunker, chunk index, object writer pool, file index, meta-stream) is a
// leaf component with no knowledge of the others.
package stash

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/SecurityWorks/zerostash/internal/audit"
	"github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/chunker"
	"github.com/SecurityWorks/zerostash/internal/chunkindex"
	"github.com/SecurityWorks/zerostash/internal/config"
	zcrypto "github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/debug"
	"github.com/SecurityWorks/zerostash/internal/fileindex"
	"github.com/SecurityWorks/zerostash/internal/metastream"
	"github.com/SecurityWorks/zerostash/internal/metrics"
	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/objectpool"
	"github.com/SecurityWorks/zerostash/internal/reader"
	"github.com/SecurityWorks/zerostash/internal/worker"
)

// field names published in the meta-stream chain, in the order Commit
// writes them. "commits" is written first, per the commit algorithm's
// requirement that commit metadata be the meta-stream's first field.
const (
	fieldCommits  = "commits"
	fieldConfig   = "stash_config"
	fieldChunks   = "chunks"
	fieldFiles    = "files"
	fieldSnapshot = "snapshots"
)

// Stash is an open handle on one encrypted, deduplicating backup
// repository: a Backend, a master key, and the in-memory indices that
// accumulate between commits.
type Stash struct {
	backend   backend.Backend
	masterKey []byte
	cfg       config.StashConfig
	idGen     *objectid.Generator
	logger    *logrus.Logger

	splitter *chunker.Splitter
	pool     *objectpool.Pool
	chunkIdx *chunkindex.Index
	fileIdx  *fileindex.FileIndex
	snapIdx  *fileindex.SnapshotIndex

	mu      sync.Mutex // guards commits
	commits []model.Commit

	// quiesce is read-locked for the duration of every ingest call and
	// write-locked for the duration of Commit, implementing "quiesce
	// writers" without blocking ingests against each other.
	quiesce sync.RWMutex

	// auditor records commit and ingest events when set. nil means audit
	// logging is disabled, the default.
	auditor audit.Logger
	id      string // stable label for audit/metrics events; defaults to the root id's string form

	// metrics records Prometheus counters/histograms when set. nil means
	// metrics are disabled, the default.
	metrics *metrics.Metrics
}

// SetAuditor attaches an audit logger that records every subsequent Commit
// and IngestFile/IngestFiles call. Pass nil to disable.
func (s *Stash) SetAuditor(logger audit.Logger) { s.auditor = logger }

// SetMetrics attaches a Metrics instance that records chunk, ingest, and
// commit counters for every subsequent call, and immediately reports the
// host's hardware crypto acceleration capability on the gauge it exposes.
// Pass nil to disable.
func (s *Stash) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
	if m != nil {
		m.SetHardwareAccelerationStatus("aes-ni", zcrypto.HasAESHardwareSupport())
	}
}

// Open loads an existing stash from be, or initializes a fresh one if the
// root meta-object does not yet exist. want is used only for a fresh
// stash. If want.SchemaVersion is zero, the stash starts from
// config.DefaultStashConfig and takes only want's WriterSlots and, when
// non-zero, its ObjectCapacity; want's other fields are ignored. Otherwise
// want is used as given, and zero fields are not filled in. Either way a
// chunker polynomial is generated if unset. An existing stash always uses
// its persisted StashConfig, ignoring want.
func Open(ctx context.Context, be backend.Backend, masterKey []byte, want config.StashConfig, logger *logrus.Logger) (*Stash, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if debug.Enabled() {
		logger.SetLevel(logrus.TraceLevel)
	}
	rootID, err := objectid.RootID(masterKey)
	if err != nil {
		return nil, fmt.Errorf("stash: derive root id: %w", err)
	}

	s := &Stash{
		backend:   be,
		masterKey: masterKey,
		idGen:     objectid.NewGenerator(masterKey),
		logger:    logger,
		chunkIdx:  chunkindex.New(),
		fileIdx:   fileindex.New(),
		snapIdx:   fileindex.NewSnapshotIndex(),
		id:        rootID.String(),
	}

	mr := metastream.NewReader(ctx, masterKey, be, 0)
	loaded, err := s.load(mr, rootID)
	if err != nil {
		return nil, err
	}

	if loaded {
		// cfg was populated by load from the persisted stash_config field.
	} else {
		cfg := want
		if cfg.SchemaVersion == 0 {
			cfg = config.DefaultStashConfig()
			cfg.WriterSlots = want.WriterSlots
			cfg.ObjectCapacity = orDefault(want.ObjectCapacity, cfg.ObjectCapacity)
		}
		if cfg.Chunker.Polynomial == 0 {
			pol, err := chunker.NewPolynomial()
			if err != nil {
				return nil, fmt.Errorf("stash: generate chunker polynomial: %w", err)
			}
			cfg.Chunker.Polynomial = pol
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("stash: invalid config: %w", err)
		}
		s.cfg = cfg
	}

	splitter, err := chunker.New(s.cfg.Chunker)
	if err != nil {
		return nil, fmt.Errorf("stash: build chunker: %w", err)
	}
	s.splitter = splitter

	slots := s.cfg.WriterSlots
	if slots <= 0 {
		slots = runtime.NumCPU()
	}
	pool, err := objectpool.New(slots, s.cfg.ObjectCapacity, masterKey, be, logger)
	if err != nil {
		return nil, fmt.Errorf("stash: build object writer pool: %w", err)
	}
	s.pool = pool

	s.logger.WithFields(logrus.Fields(zcrypto.GetHardwareAccelerationInfo(nil))).
		Debug("host crypto acceleration capabilities")

	s.logger.WithFields(logrus.Fields{
		"loaded":  loaded,
		"commits": len(s.commits),
		"files":   s.fileIdx.Len(),
		"chunks":  s.chunkIdx.Len(),
	}).Info("stash opened")

	return s, nil
}

// NewMasterKeyWrapped generates a fresh random master key and wraps it
// under km, for initializing a stash whose key is protected by an external
// KMS rather than held in a local secrets file. The caller persists the
// returned KeyEnvelope (never the plaintext key) and reopens the stash
// later via OpenWrapped.
func NewMasterKeyWrapped(ctx context.Context, km zcrypto.KeyManager) ([]byte, *zcrypto.KeyEnvelope, error) {
	masterKey := make([]byte, zcrypto.KeySize)
	if _, err := cryptorand.Read(masterKey); err != nil {
		return nil, nil, fmt.Errorf("stash: generate master key: %w", err)
	}
	env, err := km.WrapKey(ctx, masterKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("stash: wrap master key: %w", err)
	}
	return masterKey, env, nil
}

// OpenWrapped unwraps env through km to recover the plaintext master key,
// then opens the stash exactly as Open would. The plaintext key never
// needs to be persisted or passed around by the caller; only env (and the
// KeyManager binding that can unwrap it) does.
func OpenWrapped(ctx context.Context, be backend.Backend, km zcrypto.KeyManager, env *zcrypto.KeyEnvelope, want config.StashConfig, logger *logrus.Logger) (*Stash, error) {
	masterKey, err := km.UnwrapKey(ctx, env, nil)
	if err != nil {
		return nil, fmt.Errorf("stash: unwrap master key: %w", err)
	}
	return Open(ctx, be, masterKey, want, logger)
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

// load attempts to read an existing root. It returns loaded=false, nil
// error when no root object exists yet (a brand-new stash).
func (s *Stash) load(mr *metastream.Reader, rootID objectid.ID) (bool, error) {
	var loadedCfg config.StashConfig
	sawConfig := false
	err := mr.ReadField(rootID, fieldConfig, func(record []byte) error {
		sawConfig = true
		return cbor.Unmarshal(record, &loadedCfg)
	})
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stash: load stash_config: %w", err)
	}
	if !sawConfig {
		return false, nil
	}
	s.cfg = loadedCfg

	if err := mr.ReadField(rootID, fieldCommits, func(record []byte) error {
		var c model.Commit
		if err := cbor.Unmarshal(record, &c); err != nil {
			return err
		}
		s.commits = append(s.commits, c)
		return nil
	}); err != nil {
		return false, fmt.Errorf("stash: load commits: %w", err)
	}

	if err := mr.ReadField(rootID, fieldChunks, s.chunkIdx.Deserialize); err != nil {
		return false, fmt.Errorf("stash: load chunk index: %w", err)
	}
	if err := mr.ReadField(rootID, fieldFiles, s.fileIdx.Deserialize); err != nil {
		return false, fmt.Errorf("stash: load file index: %w", err)
	}
	if err := mr.ReadField(rootID, fieldSnapshot, s.snapIdx.Deserialize); err != nil {
		return false, fmt.Errorf("stash: load snapshot index: %w", err)
	}
	return true, nil
}

// IngestFile splits r via the content-defined chunker, deduplicates each
// chunk against the chunk index, seals new chunks through the object
// writer pool, and records the resulting Entry under path. meta carries
// the file metadata fields (ModTime, UID, GID, Mode); its Size and Chunks
// are overwritten.
func (s *Stash) IngestFile(ctx context.Context, path string, r io.Reader, meta model.Entry) (model.Entry, error) {
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	start := time.Now()
	var refs []model.ChunkRef
	var total uint64
	err := s.splitter.Split(r, func(c chunker.Chunk) error {
		digest := chunkindex.Digest(c.Data)
		ptr, dup, err := s.chunkIdx.LookupOrInsert(digest, c.Data, func(plaintext []byte) (model.ChunkPointer, error) {
			return s.pool.WriteChunk(ctx, plaintext)
		})
		if err != nil {
			return fmt.Errorf("stash: ingest %q: %w", path, err)
		}
		s.logger.WithFields(logrus.Fields{
			"path":   path,
			"digest": digest.String(),
			"dedup":  dup,
			"bytes":  len(c.Data),
		}).Trace("chunk ingested")
		if s.metrics != nil {
			s.metrics.RecordChunk(ctx, s.id, len(c.Data), dup)
		}
		refs = append(refs, model.ChunkRef{FileOffset: uint64(c.Offset), Pointer: ptr})
		total += uint64(len(c.Data))
		return nil
	})
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogIngest(s.id, path, total, false, err, time.Since(start))
		}
		if s.metrics != nil {
			s.metrics.RecordIngest(ctx, s.id, time.Since(start), err)
		}
		return model.Entry{}, err
	}

	meta.Size = total
	meta.Chunks = refs
	if err := s.fileIdx.Insert(path, meta); err != nil {
		err = fmt.Errorf("stash: insert %q: %w", path, err)
		if s.auditor != nil {
			s.auditor.LogIngest(s.id, path, total, false, err, time.Since(start))
		}
		if s.metrics != nil {
			s.metrics.RecordIngest(ctx, s.id, time.Since(start), err)
		}
		return model.Entry{}, err
	}
	if s.auditor != nil {
		s.auditor.LogIngest(s.id, path, total, true, nil, time.Since(start))
	}
	if s.metrics != nil {
		s.metrics.RecordIngest(ctx, s.id, time.Since(start), nil)
	}
	return meta, nil
}

// IngestSnapshot splits an opaque byte stream (e.g. a zfs send or database
// dump) the same way IngestFile splits a file, recording the result under
// name in the snapshot index instead of the file index.
func (s *Stash) IngestSnapshot(ctx context.Context, name string, r io.Reader) (model.Snapshot, error) {
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	var refs []model.ChunkRef
	var total uint64
	err := s.splitter.Split(r, func(c chunker.Chunk) error {
		digest := chunkindex.Digest(c.Data)
		ptr, _, err := s.chunkIdx.LookupOrInsert(digest, c.Data, func(plaintext []byte) (model.ChunkPointer, error) {
			return s.pool.WriteChunk(ctx, plaintext)
		})
		if err != nil {
			return fmt.Errorf("stash: ingest snapshot %q: %w", name, err)
		}
		refs = append(refs, model.ChunkRef{FileOffset: uint64(c.Offset), Pointer: ptr})
		total += uint64(len(c.Data))
		return nil
	})
	if err != nil {
		return model.Snapshot{}, err
	}

	snap := model.Snapshot{Size: total, Chunks: refs}
	s.snapIdx.Insert(name, snap)
	return snap, nil
}

// FileSource names one file to ingest and the reader producing its bytes.
type FileSource struct {
	Path string
	R    io.Reader
	Meta model.Entry
}

// IngestFiles ingests every source concurrently across concurrency
// workers (runtime.NumCPU() if <= 0), recovering a panic in any single
// file's ingestion into that file's error rather than losing the whole
// batch: errors are collected and reported per file, not per chunk.
// Returns one error per source, in the same order, nil where ingestion
// succeeded.
func (s *Stash) IngestFiles(ctx context.Context, sources []FileSource, concurrency int) []error {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	pool := worker.New(concurrency, s.logger)
	fns := make([]worker.Func, len(sources))
	for i, src := range sources {
		src := src
		fns[i] = func() error {
			_, err := s.IngestFile(ctx, src.Path, src.R, src.Meta)
			return err
		}
	}
	return pool.Run(fns)
}

// RemoveFile tombstones path in the file index.
func (s *Stash) RemoveFile(path string) error { return s.fileIdx.Remove(path) }

// Stat, ListDir and Glob expose read-only views of the file index for
// callers that want to inspect state without building a Reader.
func (s *Stash) Stat(path string) (model.Entry, bool) { return s.fileIdx.Get(path) }
func (s *Stash) ListDir(dir string) []string          { return s.fileIdx.ListDir(dir) }
func (s *Stash) Glob(pattern string) []string         { return s.fileIdx.Glob(pattern) }

// Commits returns the commit history in commit order.
func (s *Stash) Commits() []model.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Commit, len(s.commits))
	copy(out, s.commits)
	return out
}

// NewReader builds a random-access Reader over the stash's current file
// index, suitable for a restore job or a FUSE mount.
func (s *Stash) NewReader() (*reader.Reader, error) {
	cache, err := reader.NewObjectCache(s.backend, s.masterKey, 0)
	if err != nil {
		return nil, err
	}
	return reader.New(s.fileIdx, cache), nil
}

// Commit implements the six-step commit algorithm: quiesce writers, flush
// the object writer pool, write a fresh meta-stream chain rooted at the
// stash's deterministic root object id (commit metadata first, then the
// persisted config and the three indices), sync the backend, and return
// the new commit record.
//
// The root object id is always the same (HKDF over the master key alone),
// so every commit rewrites it in place; prior meta-objects referenced by
// the chain a previous commit wrote remain on the backend, unreferenced,
// until a future garbage-collection pass (out of scope here).
func (s *Stash) Commit(ctx context.Context, message string) (model.Commit, error) {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()

	start := time.Now()
	commit, bytesWritten, objectsWritten, err := s.commitLocked(ctx, message)
	elapsed := time.Since(start)
	if s.auditor != nil {
		commitID := ""
		if err == nil {
			commitID = commit.RootObjectID.String()
		}
		s.auditor.LogCommit(s.id, commitID, bytesWritten, objectsWritten, err == nil, err, elapsed)
	}
	if s.metrics != nil {
		s.metrics.RecordCommit(ctx, s.id, elapsed, err)
		if err == nil {
			s.metrics.RecordObjectSealed(s.id, int(bytesWritten))
		}
	}
	return commit, err
}

// commitLocked performs the six-step commit algorithm under s.quiesce; it
// is split out from Commit so the audit wrapper can time and report on the
// whole operation, including failures, in one place.
func (s *Stash) commitLocked(ctx context.Context, message string) (model.Commit, uint64, int, error) {
	if err := s.pool.Flush(ctx); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: flush writer pool: %w", err)
	}

	rootID, err := objectid.RootID(s.masterKey)
	if err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: derive root id: %w", err)
	}

	s.mu.Lock()
	var parent *objectid.ID
	if len(s.commits) > 0 {
		p := s.commits[len(s.commits)-1].RootObjectID
		parent = &p
	}
	commit := model.Commit{
		RootObjectID: rootID,
		Timestamp:    time.Now().Unix(),
		Message:      message,
		ParentID:     parent,
	}
	commits := append(append([]model.Commit(nil), s.commits...), commit)
	s.mu.Unlock()

	w, err := metastream.NewWriter(ctx, s.cfg.ObjectCapacity, s.masterKey, s.idGen, s.backend, rootID)
	if err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: new meta-stream writer: %w", err)
	}

	var bytesWritten uint64
	countingWrite := func(write func([]byte) error) func([]byte) error {
		return func(b []byte) error {
			bytesWritten += uint64(len(b))
			return write(b)
		}
	}

	if err := w.WriteField(fieldCommits, func(write func([]byte) error) error {
		write = countingWrite(write)
		for _, c := range commits {
			b, err := cbor.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal commit: %w", err)
			}
			if err := write(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: write commits field: %w", err)
	}

	if err := w.WriteField(fieldConfig, func(write func([]byte) error) error {
		b, err := cbor.Marshal(s.cfg)
		if err != nil {
			return fmt.Errorf("marshal stash config: %w", err)
		}
		return countingWrite(write)(b)
	}); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: write stash_config field: %w", err)
	}

	if err := w.WriteField(fieldChunks, func(write func([]byte) error) error {
		return s.chunkIdx.SerializeAll(countingWrite(write))
	}); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: write chunks field: %w", err)
	}
	if err := w.WriteField(fieldFiles, func(write func([]byte) error) error {
		return s.fileIdx.SerializeAll(countingWrite(write))
	}); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: write files field: %w", err)
	}
	if err := w.WriteField(fieldSnapshot, func(write func([]byte) error) error {
		return s.snapIdx.SerializeAll(countingWrite(write))
	}); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: write snapshots field: %w", err)
	}

	if err := w.Close(); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: close meta-stream: %w", err)
	}
	if err := s.backend.Sync(ctx); err != nil {
		return model.Commit{}, 0, 0, fmt.Errorf("stash: sync backend: %w", err)
	}

	s.mu.Lock()
	s.commits = commits
	s.mu.Unlock()

	metaObjects := map[objectid.ID]bool{}
	for _, ids := range w.ObjectIndex() {
		for _, id := range ids {
			metaObjects[id] = true
		}
	}
	objectsWritten := len(metaObjects)

	s.logger.WithFields(logrus.Fields{
		"message": message,
		"commit":  len(commits),
		"root":    rootID.String(),
	}).Info("commit published")

	return commit, bytesWritten, objectsWritten, nil
}
