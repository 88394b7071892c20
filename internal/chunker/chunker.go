// Package chunker implements content-defined splitting of a byte stream
// into variable-size chunks via a Rabin-polynomial rolling hash, so that
// identical content produces identical boundaries regardless of streaming
// granularity.
package chunker

import (
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"

	"github.com/SecurityWorks/zerostash/internal/config"
)

// Chunk is one content-defined slice of the input stream.
type Chunk struct {
	Data   []byte
	Offset int64
}

// Splitter produces chunk boundaries from an io.Reader using the
// restic/chunker implementation of Rabin fingerprinting, configured with
// the min/max bounds recorded in the stash's StashConfig so every reader
// reproduces identical boundaries.
type Splitter struct {
	pol     resticchunker.Pol
	minSize uint
	maxSize uint
}

// New builds a Splitter from persisted chunker configuration. cfg.Polynomial
// must be non-zero; use NewPolynomial to mint one at stash creation time.
func New(cfg config.ChunkerConfig) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Polynomial == 0 {
		return nil, fmt.Errorf("chunker: polynomial must be generated and persisted before use")
	}
	return &Splitter{
		pol:     resticchunker.Pol(cfg.Polynomial),
		minSize: cfg.MinSize,
		maxSize: cfg.MaxSize,
	}, nil
}

// NewPolynomial generates a fresh random irreducible 64-bit Rabin
// polynomial for a new stash. Called once at stash creation; the result
// is persisted in StashConfig so later commits agree on layout.
func NewPolynomial() (uint64, error) {
	pol, err := resticchunker.RandomPolynomial()
	if err != nil {
		return 0, fmt.Errorf("chunker: generate polynomial: %w", err)
	}
	return uint64(pol), nil
}

// Split streams r and invokes emit for each produced chunk, in order. emit
// receives a buffer valid only for the duration of the call; callers that
// need to retain the data must copy it.
func (s *Splitter) Split(r io.Reader, emit func(Chunk) error) error {
	c := resticchunker.NewWithBoundaries(r, s.pol, s.minSize, s.maxSize)
	buf := make([]byte, s.maxSize)
	var offset int64
	for {
		chunk, err := c.Next(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: split at offset %d: %w", offset, err)
		}
		if err := emit(Chunk{Data: chunk.Data, Offset: offset}); err != nil {
			return err
		}
		offset += int64(chunk.Length)
	}
}

// SplitBytes is a convenience wrapper returning all chunks for an in-memory
// buffer, copying each chunk's data so callers may retain the result.
func (s *Splitter) SplitBytes(data []byte) ([]Chunk, error) {
	var chunks []Chunk
	err := s.Split(byteReader(data), func(c Chunk) error {
		cp := make([]byte, len(c.Data))
		copy(cp, c.Data)
		chunks = append(chunks, Chunk{Data: cp, Offset: c.Offset})
		return nil
	})
	return chunks, err
}

func byteReader(data []byte) io.Reader {
	return &sliceReader{data: data}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
