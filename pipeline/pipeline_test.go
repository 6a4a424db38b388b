package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/repo"
)

var testSecret = []byte("pipeline-secret-0123456789abcd")

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	root := t.TempDir()

	cfg := repo.DefaultConfig()
	cfg.ChunkMinSize = 2 * 1024
	cfg.ChunkMaxSize = 8 * 1024
	cfg.ChunkMaskBits = 12
	require.NoError(t, repo.Init(root, testSecret, cfg))

	r, err := repo.Open(context.Background(), root, testSecret, repo.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func randomStream(t *testing.T, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestIngestMatchesSequentialPut(t *testing.T) {
	r := newTestRepo(t)
	data := randomStream(t, 256*1024)

	// Sequential reference pass on a second repository with the same
	// secret so identifiers line up.
	ref := newTestRepo(t)
	var want []repo.PutResult
	cdc := ref.NewChunker(bytes.NewReader(data))
	for {
		chunk, err := cdc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		res, err := ref.PutChunk(chunk)
		require.NoError(t, err)
		want = append(want, res)
	}
	require.NotEmpty(t, want)

	ing := New(r, Config{Workers: 4})
	got, err := ing.Run(t.Context(), r.NewChunker(bytes.NewReader(data)))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = r.Commit()
	require.NoError(t, err)

	// The stream reassembles byte for byte.
	var buf bytes.Buffer
	for _, res := range got {
		chunk, err := r.GetChunk(res.ID)
		require.NoError(t, err)
		buf.Write(chunk)
	}
	require.Equal(t, data, buf.Bytes())
}

func TestIngestDeduplicatesRepeatedContent(t *testing.T) {
	r := newTestRepo(t)

	// Many copies of the same block force duplicate chunks into
	// flight at the same time.
	block := randomStream(t, 16*1024)
	var stream bytes.Buffer
	for range 16 {
		stream.Write(block)
	}

	ing := New(r, Config{Workers: 8, QueueDepth: 4})
	results, err := ing.Run(t.Context(), r.NewChunker(bytes.NewReader(stream.Bytes())))
	require.NoError(t, err)

	unique := make(map[dedupstore.ID]int)
	for _, res := range results {
		unique[res.ID]++
	}
	for id, count := range unique {
		if count > 1 {
			e, err := r.Index().Get(id)
			require.NoError(t, err)
			require.Equal(t, uint32(count), e.Refcount)
		}
	}
	// Every chunk after the first occurrence of its content must have
	// been stored as a reference, not a second copy.
	var deduped int
	for _, res := range results {
		if res.Deduped {
			deduped++
		}
	}
	require.Equal(t, len(results)-len(unique), deduped)

	ids, total := Manifest(results)
	require.Len(t, ids, len(results))
	require.Equal(t, uint64(stream.Len()), total)
}

func TestIngestEmptySource(t *testing.T) {
	r := newTestRepo(t)

	ing := New(r, Config{})
	results, err := ing.Run(t.Context(), r.NewChunker(bytes.NewReader(nil)))
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestIngestPropagatesReadError(t *testing.T) {
	r := newTestRepo(t)

	src := io.MultiReader(
		bytes.NewReader(randomStream(t, 64*1024)),
		&failingReader{err: errors.New("disk gone")},
	)
	ing := New(r, Config{Workers: 2})
	_, err := ing.Run(t.Context(), r.NewChunker(src))
	require.ErrorContains(t, err, "disk gone")
}

func TestIngestRespectsCancellation(t *testing.T) {
	r := newTestRepo(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	ing := New(r, Config{Workers: 2})
	_, err := ing.Run(ctx, r.NewChunker(bytes.NewReader(randomStream(t, 512*1024))))
	require.ErrorIs(t, err, context.Canceled)
}

// ordering is checked against a sink that records write order.
type orderSink struct {
	Sink
	mu  sync.Mutex
	ids []dedupstore.ID
}

func (o *orderSink) PutPrepared(id dedupstore.ID, plaintext, payload []byte) (repo.PutResult, error) {
	o.mu.Lock()
	o.ids = append(o.ids, id)
	o.mu.Unlock()
	return o.Sink.PutPrepared(id, plaintext, payload)
}

func TestIngestPreservesStreamOrder(t *testing.T) {
	r := newTestRepo(t)
	data := randomStream(t, 512*1024)

	sink := &orderSink{Sink: r}
	ing := New(sink, Config{Workers: 8})
	results, err := ing.Run(t.Context(), r.NewChunker(bytes.NewReader(data)))
	require.NoError(t, err)

	require.Len(t, sink.ids, len(results))
	for i, res := range results {
		require.Equal(t, res.ID, sink.ids[i], fmt.Sprintf("chunk %d written out of order", i))
	}
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}
