package chunkindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecurityWorks/zerostash/internal/model"
)

func TestLookupOrInsertDeduplicates(t *testing.T) {
	idx := New()
	writes := 0
	write := func(plaintext []byte) (model.ChunkPointer, error) {
		writes++
		return model.ChunkPointer{Offset: 0, Length: uint32(len(plaintext))}, nil
	}

	digest := Digest([]byte("same content"))

	ptr1, dup1, err := idx.LookupOrInsert(digest, []byte("same content"), write)
	require.NoError(t, err)
	require.False(t, dup1)

	ptr2, dup2, err := idx.LookupOrInsert(digest, []byte("same content"), write)
	require.NoError(t, err)
	require.True(t, dup2)
	require.Equal(t, ptr1, ptr2)
	require.Equal(t, 1, writes)
}

func TestDifferentContentGetsDifferentPointers(t *testing.T) {
	idx := New()
	write := func(plaintext []byte) (model.ChunkPointer, error) {
		return model.ChunkPointer{Offset: 0, Length: uint32(len(plaintext))}, nil
	}

	d1 := Digest([]byte("alpha"))
	d2 := Digest([]byte("beta"))
	require.NotEqual(t, d1, d2)

	p1, _, err := idx.LookupOrInsert(d1, []byte("alpha"), write)
	require.NoError(t, err)
	p2, _, err := idx.LookupOrInsert(d2, []byte("beta"), write)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
	require.Equal(t, 2, idx.Len())
}
