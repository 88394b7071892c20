// Package reader implements the random-access, FUSE-serving read path:
// binary search over a file's sorted chunk list, a pooled decrypting
// object reader with an LRU cache, and a per-open-file sequential fast
// path.
package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/SecurityWorks/zerostash/internal/fileindex"
	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

// seqCache is the sequential-read fast path's state: the absolute offset
// the buffered prefix ends at, the residual plaintext beyond the last
// returned slice, and the index of the next chunk to pull when buf runs
// dry.
type seqCache struct {
	active         bool
	lastReadOffset uint64
	buf            []byte
	nextChunk      int
}

type openFile struct {
	entry model.Entry
	seq   seqCache
}

// Reader serves read(path, offset, size) against a FileIndex snapshot.
type Reader struct {
	fi       *fileindex.FileIndex
	objCache *ObjectCache

	mu   sync.Mutex
	open map[string]*openFile
}

// New builds a Reader over fi, reading chunk objects through objCache.
func New(fi *fileindex.FileIndex, objCache *ObjectCache) *Reader {
	return &Reader{fi: fi, objCache: objCache, open: make(map[string]*openFile)}
}

// Stat returns the Entry for path, supporting a future FUSE getattr.
func (r *Reader) Stat(path string) (model.Entry, bool) { return r.fi.Get(path) }

// ReadDir returns the immediate children of path, supporting a future
// FUSE readdir.
func (r *Reader) ReadDir(path string) []string { return r.fi.ListDir(path) }

// Open registers path as an open file handle, establishing its
// sequential-read cache. Must be called before Read.
func (r *Reader) Open(path string) error {
	entry, ok := r.fi.Get(path)
	if !ok {
		return fmt.Errorf("reader: open %q: not found", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[path] = &openFile{entry: entry}
	return nil
}

// Release evicts path's sequential-read cache entry.
func (r *Reader) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, path)
}

// Read serves read(path, offset, size) → bytes.
func (r *Reader) Read(ctx context.Context, path string, offset, size uint64) ([]byte, error) {
	r.mu.Lock()
	of, ok := r.open[path]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reader: read %q: not open", path)
	}

	entry := of.entry
	if offset > entry.Size {
		return nil, zerostash.ErrInvalidRange
	}
	if size > entry.Size-offset {
		size = entry.Size - offset
	}
	if size == 0 {
		return []byte{}, nil
	}

	r.mu.Lock()
	useSeq := of.seq.active && offset == of.seq.lastReadOffset
	r.mu.Unlock()
	if useSeq {
		return r.readSequential(ctx, of, offset, size)
	}
	return r.readSeek(ctx, entry, of, offset, size)
}

// readSeek implements the binary-search seek path: find the greatest
// chunk whose file_offset <= offset, then fetch forward until enough
// plaintext has been accumulated.
func (r *Reader) readSeek(ctx context.Context, entry model.Entry, of *openFile, offset, size uint64) ([]byte, error) {
	i0 := greatestOffsetIndex(entry.Chunks, offset)
	if i0 < 0 {
		return nil, fmt.Errorf("reader: no chunk covers offset %d", offset)
	}

	var scratch []byte
	need := (offset - entry.Chunks[i0].FileOffset) + size
	idx := i0
	for uint64(len(scratch)) < need && idx < len(entry.Chunks) {
		ref := entry.Chunks[idx]
		body, err := r.objCache.Plaintext(ctx, ref.Pointer.ObjectID)
		if err != nil {
			return nil, err
		}
		start, end := ref.Pointer.Offset, ref.Pointer.Offset+ref.Pointer.Length
		if uint32(len(body)) < end {
			return nil, fmt.Errorf("reader: object %s shorter than chunk pointer", ref.Pointer.ObjectID)
		}
		scratch = append(scratch, body[start:end]...)
		idx++
	}

	relStart := offset - entry.Chunks[i0].FileOffset
	if uint64(len(scratch)) < relStart+size {
		return nil, fmt.Errorf("reader: insufficient chunk data for requested range")
	}
	out := make([]byte, size)
	copy(out, scratch[relStart:relStart+size])

	r.mu.Lock()
	of.seq.active = true
	of.seq.lastReadOffset = offset + size
	of.seq.buf = append([]byte(nil), scratch[relStart+size:]...)
	of.seq.nextChunk = idx
	r.mu.Unlock()

	return out, nil
}

// readSequential consumes from the residual buffer first, pulling
// further chunks only as needed — one decrypt per chunk for a fully
// sequential read pattern.
func (r *Reader) readSequential(ctx context.Context, of *openFile, offset, size uint64) ([]byte, error) {
	r.mu.Lock()
	buf := append([]byte(nil), of.seq.buf...)
	idx := of.seq.nextChunk
	r.mu.Unlock()

	entry := of.entry
	for uint64(len(buf)) < size && idx < len(entry.Chunks) {
		ref := entry.Chunks[idx]
		body, err := r.objCache.Plaintext(ctx, ref.Pointer.ObjectID)
		if err != nil {
			return nil, err
		}
		start, end := ref.Pointer.Offset, ref.Pointer.Offset+ref.Pointer.Length
		if uint32(len(body)) < end {
			return nil, fmt.Errorf("reader: object %s shorter than chunk pointer", ref.Pointer.ObjectID)
		}
		buf = append(buf, body[start:end]...)
		idx++
	}
	if uint64(len(buf)) < size {
		return nil, fmt.Errorf("reader: insufficient chunk data for requested range")
	}

	out := make([]byte, size)
	copy(out, buf[:size])

	r.mu.Lock()
	of.seq.active = true
	of.seq.lastReadOffset = offset + size
	of.seq.buf = append([]byte(nil), buf[size:]...)
	of.seq.nextChunk = idx
	r.mu.Unlock()

	return out, nil
}

// greatestOffsetIndex returns the index of the chunk with the greatest
// FileOffset <= offset, or -1 if chunks is empty.
func greatestOffsetIndex(chunks []model.ChunkRef, offset uint64) int {
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].FileOffset > offset })
	return i - 1
}
