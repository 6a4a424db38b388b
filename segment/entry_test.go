package segment

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedup-store"
)

func TestEntryRoundTrip(t *testing.T) {
	entries := []Entry{
		{Kind: KindPut, ID: dedupstore.ID{1, 2, 3}, Size: 1024, Payload: []byte("encoded chunk bytes")},
		{Kind: KindPut, ID: dedupstore.ID{4}, Size: 2048}, // reference put, no payload
		{Kind: KindDelete, ID: dedupstore.ID{1, 2, 3}},
		{Kind: KindCommit, Txn: 42},
	}

	var buf []byte
	for _, e := range entries {
		var err error
		buf, err = appendEntry(buf, e)
		require.NoError(t, err)
	}

	r := bytes.NewReader(buf)
	var consumed int64
	for _, want := range entries {
		got, n, err := readEntry(r)
		require.NoError(t, err)
		require.Equal(t, want.Kind, got.Kind)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Size, got.Size)
		require.Equal(t, want.Payload, got.Payload)
		require.Equal(t, want.Txn, got.Txn)
		require.Equal(t, want.EncodedLen(), n)
		consumed += n
	}
	require.Equal(t, int64(len(buf)), consumed)

	_, _, err := readEntry(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestEntryChecksumDetectsFlips(t *testing.T) {
	buf, err := appendEntry(nil, Entry{
		Kind: KindPut, ID: dedupstore.ID{7}, Size: 512, Payload: []byte("payload"),
	})
	require.NoError(t, err)

	for i := range buf {
		damaged := bytes.Clone(buf)
		damaged[i] ^= 0x01
		_, _, err := readEntry(bytes.NewReader(damaged))
		require.Error(t, err, "flipped byte %d went undetected", i)
	}
}

func TestEntryTruncated(t *testing.T) {
	buf, err := appendEntry(nil, Entry{
		Kind: KindPut, ID: dedupstore.ID{9}, Size: 64, Payload: []byte("abc"),
	})
	require.NoError(t, err)

	for cut := 1; cut < len(buf); cut++ {
		_, _, err := readEntry(bytes.NewReader(buf[:cut]))
		require.ErrorIs(t, err, ErrCorruptEntry, "truncation at %d", cut)
	}
}

func TestEntryRejectsOversizedPayload(t *testing.T) {
	_, err := appendEntry(nil, Entry{
		Kind: KindPut, ID: dedupstore.ID{1}, Payload: make([]byte, MaxPayloadSize+1),
	})
	require.Error(t, err)
}
