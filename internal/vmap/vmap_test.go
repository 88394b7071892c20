package vmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGet(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	m.Insert("b", 2)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.Get("missing")
	require.False(t, ok)
}

func TestRemoveTombstones(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	m.Remove("a")

	_, ok := m.Get("a")
	require.False(t, ok)
}

func TestIterSkipsTombstones(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	m.Insert("b", 2)
	m.Remove("b")

	seen := map[string]int{}
	m.Iter(func(k string, v int) { seen[k] = v })

	require.Equal(t, map[string]int{"a": 1}, seen)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	src := New[string, int]()
	src.Insert("a", 1)
	src.Insert("b", 2)
	src.Remove("c") // tombstone with no prior value is legal and harmless

	var blobs [][]byte
	err := src.Serialize(func(b []byte) error {
		blobs = append(blobs, append([]byte(nil), b...))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, blobs, 3)

	dst := New[string, int]()
	for _, b := range blobs {
		require.NoError(t, dst.Deserialize(b))
	}

	v, ok := dst.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = dst.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = dst.Get("c")
	require.False(t, ok)
}

func TestFreezeShadowsOlderGeneration(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	m.Freeze()
	m.Insert("a", 2)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v, "newest generation must shadow the older one")
	require.Equal(t, 2, m.Generations())
}

func TestTombstoneCorrectnessAcrossGenerations(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	m.Freeze()
	m.Remove("a")

	_, ok := m.Get("a")
	require.False(t, ok, "a tombstone in the current generation must suppress an older value")
}
