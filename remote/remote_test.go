package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/cache"
	"github.com/wolfeidau/dedup-store/segment"
)

func testID(b byte) dedupstore.ID {
	var id dedupstore.ID
	id[0] = b
	return id
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	st, _, err := segment.Open(root, segment.DefaultConfig())
	require.NoError(t, err)

	srv := NewServer(NewLocal(st, root), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background(), ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
		_ = st.Close()
	})
	return srv, ln.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := Dial(t.Context(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientPutGetRoundTrip(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	payload := bytes.Repeat([]byte("stored"), 64)
	require.NoError(t, client.Put(ctx, testID(1), 4096, payload))

	txn, err := client.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), txn)

	got, err := client.Get(ctx, testID(1))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = client.Get(ctx, testID(9))
	require.ErrorIs(t, err, segment.ErrNotFound)
	require.False(t, IsRetriable(err))
}

func TestClientReferencePut(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, client.Put(ctx, testID(1), 100, []byte("abc")))
	require.NoError(t, client.Put(ctx, testID(1), 100, nil))
	_, err := client.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Delete(ctx, testID(1)))
	_, err = client.Commit(ctx)
	require.NoError(t, err)

	got, err := client.Get(ctx, testID(1))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestClientStatsListReplay(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, client.Put(ctx, testID(1), 10, []byte("one")))
	require.NoError(t, client.Put(ctx, testID(2), 20, []byte("two")))
	_, err := client.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, testID(1)))
	_, err = client.Commit(ctx)
	require.NoError(t, err)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.LastTxn)
	require.Equal(t, uint64(1), stats.OldestTxn)
	require.Equal(t, 1, stats.Chunks)

	ids, err := client.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []dedupstore.ID{testID(2)}, ids)

	var ops []segment.Op
	require.NoError(t, client.Replay(ctx, 1, func(op segment.Op) error {
		ops = append(ops, op)
		return nil
	}))
	require.Len(t, ops, 1)
	require.Equal(t, segment.KindDelete, ops[0].Kind)
	require.Equal(t, testID(1), ops[0].ID)
	require.Equal(t, uint64(2), ops[0].Txn)

	entries, err := client.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, entries)
}

func TestClientRollback(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, client.Put(ctx, testID(1), 10, []byte("gone")))
	require.NoError(t, client.Rollback(ctx))

	_, err := client.Get(ctx, testID(1))
	require.ErrorIs(t, err, segment.ErrNotFound)
}

func TestClientPipelining(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	const n = 50
	for i := range n {
		payload := fmt.Appendf(nil, "chunk-%03d", i)
		require.NoError(t, client.Put(ctx, testID(byte(i+1)), uint32(len(payload)), payload))
	}
	_, err := client.Commit(ctx)
	require.NoError(t, err)

	// Reads from many goroutines share one connection.
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := client.Get(ctx, testID(byte(i + 1)))
			if err != nil {
				errs[i] = err
				return
			}
			want := fmt.Appendf(nil, "chunk-%03d", i)
			if !bytes.Equal(got, want) {
				errs[i] = fmt.Errorf("chunk %d: got %q", i, got)
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestWriteLeaseExcludesSecondClient(t *testing.T) {
	_, addr := newTestServer(t)
	first := newTestClient(t, addr)
	second := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, first.Put(ctx, testID(1), 10, []byte("mine")))

	err := second.Put(ctx, testID(2), 10, []byte("blocked"))
	require.ErrorIs(t, err, ErrBusy)
	require.True(t, IsRetriable(err))

	// Reads are not leased.
	_, err = second.Stats(ctx)
	require.NoError(t, err)

	// Lease is released when the holder disconnects, and its
	// uncommitted writes are rolled back.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return second.Put(ctx, testID(2), 10, []byte("unblocked")) == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = second.Commit(ctx)
	require.NoError(t, err)

	_, err = second.Get(ctx, testID(1))
	require.ErrorIs(t, err, segment.ErrNotFound)
}

func TestBreakLockFreesLease(t *testing.T) {
	_, addr := newTestServer(t)
	holder := newTestClient(t, addr)
	other := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, holder.Put(ctx, testID(1), 10, []byte("held")))
	require.ErrorIs(t, other.Put(ctx, testID(2), 10, []byte("nope")), ErrBusy)

	require.NoError(t, other.BreakLock(ctx))
	require.NoError(t, other.Put(ctx, testID(2), 10, []byte("taken")))
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Speak the handshake by hand with a bogus version.
	require.NoError(t, cbor.NewEncoder(conn).Encode(request{Seq: 1, Op: opOpen, Version: 99}))

	var resp response
	require.NoError(t, cbor.NewDecoder(conn).Decode(&resp))
	require.Equal(t, uint64(1), resp.Seq)
	require.Equal(t, statusInvalid, resp.Status)
	require.Contains(t, resp.Msg, "protocol version")
}

func TestServerSurvivesClientCrash(t *testing.T) {
	_, addr := newTestServer(t)
	ctx := t.Context()

	first := newTestClient(t, addr)
	require.NoError(t, first.Put(ctx, testID(1), 10, []byte("half")))
	// Drop the connection without rollback or commit.
	require.NoError(t, first.Close())

	second := newTestClient(t, addr)
	require.Eventually(t, func() bool {
		stats, err := second.Stats(ctx)
		return err == nil && stats.Chunks == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportErrorOnServerGone(t *testing.T) {
	srv, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, srv.Close())

	_, err := client.Get(ctx, testID(1))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, IsRetriable(err))
}

func TestLocalAdapter(t *testing.T) {
	root := t.TempDir()
	st, _, err := segment.Open(root, segment.DefaultConfig())
	require.NoError(t, err)

	local := NewLocal(st, root)
	defer local.Close()
	ctx := t.Context()

	require.NoError(t, local.Put(ctx, testID(1), 5, []byte("local")))
	txn, err := local.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), txn)

	got, err := local.Get(ctx, testID(1))
	require.NoError(t, err)
	require.Equal(t, []byte("local"), got)

	stats, err := local.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.LastTxn)
	require.Equal(t, 1, stats.Chunks)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = local.Get(cancelled, testID(1))
	require.ErrorIs(t, err, context.Canceled)

	require.ErrorIs(t, local.BreakLock(ctx), segment.ErrNotFound)
}

func TestCacheReconcilesOverProtocol(t *testing.T) {
	_, addr := newTestServer(t)
	client := newTestClient(t, addr)
	ctx := t.Context()

	require.NoError(t, client.Put(ctx, testID(1), 10, []byte("one")))
	require.NoError(t, client.Put(ctx, testID(2), 20, []byte("two")))
	_, err := client.Commit(ctx)
	require.NoError(t, err)

	cch, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cch.Close()

	res, err := cch.Reconcile(NewCacheSource(ctx, client))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Txn)

	ok, err := cch.HasChunk(testID(1))
	require.NoError(t, err)
	require.True(t, ok)

	count, err := cch.ChunkCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestInstrumentedStorePassthrough(t *testing.T) {
	root := t.TempDir()
	st, _, err := segment.Open(root, segment.DefaultConfig())
	require.NoError(t, err)

	store := NewInstrumentedStore(NewLocal(st, root))
	defer store.Close()
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, testID(1), 7, []byte("wrapped")))
	_, err = store.Commit(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, testID(1))
	require.NoError(t, err)
	require.Equal(t, []byte("wrapped"), got)

	_, err = store.Get(ctx, testID(2))
	require.ErrorIs(t, err, segment.ErrNotFound)
	require.Equal(t, "not_found", outcomeFromError(err))
	require.Equal(t, "busy", outcomeFromError(ErrBusy))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
