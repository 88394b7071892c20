package metastream

import (
	"bytes"
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/SecurityWorks/zerostash/internal/backend/fsbackend"
	"github.com/SecurityWorks/zerostash/internal/crypto"
	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

func testMasterKey() []byte { return bytes.Repeat([]byte{0x11}, 32) }

func writeSimpleField(t *testing.T, w *Writer, name string, records [][]byte) {
	t.Helper()
	err := w.WriteField(name, func(write func([]byte) error) error {
		for _, r := range records {
			if err := write(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWriteReadSingleObjectRoundTrip(t *testing.T) {
	be, err := fsbackend.New(t.TempDir(), nil)
	require.NoError(t, err)
	key := testMasterKey()
	gen := objectid.NewGenerator(key)
	rootID, err := objectid.RootID(key)
	require.NoError(t, err)

	w, err := NewWriter(context.Background(), 4096, key, gen, be, rootID)
	require.NoError(t, err)
	writeSimpleField(t, w, "commits", [][]byte{[]byte("commit-1"), []byte("commit-2")})
	writeSimpleField(t, w, "chunks", [][]byte{[]byte("chunk-a")})
	require.NoError(t, w.Close())

	r := NewReader(context.Background(), key, be, 0)

	var got [][]byte
	require.NoError(t, r.ReadField(rootID, "commits", func(record []byte) error {
		got = append(got, append([]byte(nil), record...))
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("commit-1"), []byte("commit-2")}, got)

	var chunks [][]byte
	require.NoError(t, r.ReadField(rootID, "chunks", func(record []byte) error {
		chunks = append(chunks, append([]byte(nil), record...))
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("chunk-a")}, chunks)
}

func TestFieldAbsentFromObjectIsTolerated(t *testing.T) {
	be, err := fsbackend.New(t.TempDir(), nil)
	require.NoError(t, err)
	key := testMasterKey()
	gen := objectid.NewGenerator(key)
	rootID, err := objectid.RootID(key)
	require.NoError(t, err)

	w, err := NewWriter(context.Background(), 4096, key, gen, be, rootID)
	require.NoError(t, err)
	writeSimpleField(t, w, "only-field", [][]byte{[]byte("x")})
	require.NoError(t, w.Close())

	r := NewReader(context.Background(), key, be, 0)
	var calls int
	require.NoError(t, r.ReadField(rootID, "missing-field", func(record []byte) error {
		calls++
		return nil
	}))
	require.Zero(t, calls)
}

func TestChainSpansMultipleObjectsWhenFieldOverflows(t *testing.T) {
	be, err := fsbackend.New(t.TempDir(), nil)
	require.NoError(t, err)
	key := testMasterKey()
	gen := objectid.NewGenerator(key)
	rootID, err := objectid.RootID(key)
	require.NoError(t, err)

	// Small capacity forces the records across multiple meta-objects.
	w, err := NewWriter(context.Background(), HeaderSize+64, key, gen, be, rootID)
	require.NoError(t, err)

	records := [][]byte{
		bytes.Repeat([]byte{'a'}, 20),
		bytes.Repeat([]byte{'b'}, 20),
		bytes.Repeat([]byte{'c'}, 20),
		bytes.Repeat([]byte{'d'}, 20),
	}
	writeSimpleField(t, w, "big", records)
	require.NoError(t, w.Close())

	r := NewReader(context.Background(), key, be, 0)
	var got [][]byte
	require.NoError(t, r.ReadField(rootID, "big", func(record []byte) error {
		got = append(got, append([]byte(nil), record...))
		return nil
	}))
	require.Equal(t, records, got)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	be, err := fsbackend.New(t.TempDir(), nil)
	require.NoError(t, err)
	key := testMasterKey()
	rootID, err := objectid.RootID(key)
	require.NoError(t, err)

	// Hand-craft a meta-object whose header carries an unknown version,
	// sealed the same way the writer would seal it, to exercise the
	// reader's version check independent of the writer.
	capacity := uint32(4096)
	bodyLimit := capacity - HeaderSize
	body := make([]byte, capacity)
	h := header{Version: 99, Offsets: nil, End: 0, NextObject: nil}
	headerBytes, err := cbor.Marshal(h)
	require.NoError(t, err)
	copy(body[bodyLimit:], headerBytes)

	blob, err := crypto.SealMetaObject(key, rootID, body)
	require.NoError(t, err)
	require.NoError(t, be.Write(context.Background(), rootID, blob))

	r := NewReader(context.Background(), key, be, 0)
	err = r.ReadField(rootID, "anything", func(record []byte) error { return nil })
	require.ErrorIs(t, err, zerostash.ErrUnsupportedVersion)
}
