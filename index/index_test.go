package index

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedup-store"
)

func testID(b byte) dedupstore.ID {
	var id dedupstore.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestIndexPutGetDelete(t *testing.T) {
	ix := New()
	id := testID(1)

	_, err := ix.Get(id)
	require.ErrorIs(t, err, ErrNotFound)

	ix.ApplyPut(id, 1000, 600)
	e, err := ix.Get(id)
	require.NoError(t, err)
	require.Equal(t, Entry{Refcount: 1, Size: 1000, StoredSize: 600}, e)
	require.True(t, ix.Has(id))

	remaining, err := ix.ApplyDelete(id)
	require.NoError(t, err)
	require.Zero(t, remaining)
	require.False(t, ix.Has(id))
	require.Zero(t, ix.Len())
}

func TestIndexRefcounting(t *testing.T) {
	ix := New()
	id := testID(2)

	// Two logical references to one physical chunk.
	ix.ApplyPut(id, 500, 300)
	ix.ApplyPut(id, 500, 300)

	e, err := ix.Get(id)
	require.NoError(t, err)
	require.Equal(t, uint32(2), e.Refcount)
	require.Equal(t, 1, ix.Len(), "dedup must keep a single entry")

	remaining, err := ix.ApplyDelete(id)
	require.NoError(t, err)
	require.Equal(t, uint32(1), remaining)
	require.True(t, ix.Has(id))

	remaining, err = ix.ApplyDelete(id)
	require.NoError(t, err)
	require.Zero(t, remaining)

	_, err = ix.ApplyDelete(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexStats(t *testing.T) {
	ix := New()
	ix.ApplyPut(testID(1), 100, 80)
	ix.ApplyPut(testID(1), 100, 80)
	ix.ApplyPut(testID(2), 200, 150)

	s := ix.Stats()
	require.Equal(t, 2, s.UniqueChunks)
	require.Equal(t, uint64(3), s.TotalRefs)
	require.Equal(t, uint64(300), s.TotalSize)
	require.Equal(t, uint64(230), s.TotalStored)
}

func TestIndexClone(t *testing.T) {
	ix := New()
	ix.ApplyPut(testID(3), 10, 8)

	clone := ix.Clone()
	clone.ApplyPut(testID(4), 20, 16)

	require.Equal(t, 1, ix.Len())
	require.Equal(t, 2, clone.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	ix := New()
	for b := byte(1); b <= 50; b++ {
		ix.ApplyPut(testID(b), uint32(b)*100, uint32(b)*60)
		if b%3 == 0 {
			ix.ApplyPut(testID(b), uint32(b)*100, uint32(b)*60)
		}
	}

	var buf bytes.Buffer
	n, err := ix.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	loaded, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, ix.Len(), loaded.Len())

	ix.Iter(func(id dedupstore.ID, e Entry) bool {
		got, err := loaded.Get(id)
		require.NoError(t, err)
		require.Equal(t, e, got)
		return true
	})
}

func TestSnapshotEmptyIndex(t *testing.T) {
	var buf bytes.Buffer
	_, err := New().WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Zero(t, loaded.Len())
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	ix := New()
	ix.ApplyPut(testID(9), 100, 90)

	var buf bytes.Buffer
	_, err := ix.WriteTo(&buf)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped byte", func(b []byte) []byte {
			b[20] ^= 0xff
			return b
		}},
		{"truncated", func(b []byte) []byte {
			return b[:len(b)-10]
		}},
		{"bad magic", func(b []byte) []byte {
			b[0] = 'X'
			return b
		}},
		// A count far beyond the actual data must fail on the first
		// missing entry, not allocate for the claimed size.
		{"oversized count", func(b []byte) []byte {
			binary.BigEndian.PutUint64(b[5:], 1<<62)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), buf.Bytes()...))
			_, err := ReadSnapshot(bytes.NewReader(data))
			require.ErrorIs(t, err, ErrSnapshotCorrupt)
		})
	}
}
