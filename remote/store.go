// Package remote gives local and networked repositories one storage
// interface. The wire protocol carries only encoded chunk bytes and
// identifiers; a repository server never sees keys or plaintext.
package remote

import (
	"context"
	"errors"
	"fmt"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/segment"
)

// ErrBusy is returned when another client holds the repository's
// write lease. Retriable.
var ErrBusy = errors.New("remote: repository busy")

// TransportError wraps a connection-level failure. The operation may
// or may not have reached the server; the caller decides whether to
// retry, except for Commit which confirms via the transaction id.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether an error is worth retrying: transport
// failures and busy responses, never integrity or not-found errors.
func IsRetriable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrBusy) || errors.Is(err, segment.ErrLockTimeout)
}

// Stats is the repository state reported by a store.
type Stats struct {
	LastTxn   uint64
	OldestTxn uint64
	Chunks    int
}

// Store is the uniform repository storage interface. Payloads passed
// through it are already encoded; implementations move opaque bytes.
// A nil or empty payload on Put records an additional reference to an
// existing chunk.
type Store interface {
	// Get returns the stored bytes of a live chunk, or
	// segment.ErrNotFound.
	Get(ctx context.Context, id dedupstore.ID) ([]byte, error)

	// Put stores a chunk or records a reference to one.
	Put(ctx context.Context, id dedupstore.ID, size uint32, payload []byte) error

	// Delete drops one reference to a chunk.
	Delete(ctx context.Context, id dedupstore.ID) error

	// Commit makes all operations since the last commit durable and
	// returns the new transaction id.
	Commit(ctx context.Context) (uint64, error)

	// Rollback discards all uncommitted operations.
	Rollback(ctx context.Context) error

	// List returns the identifiers of all live chunks.
	List(ctx context.Context) ([]dedupstore.ID, error)

	// Stats returns the repository's transaction state.
	Stats(ctx context.Context) (Stats, error)

	// Replay streams every committed operation after sinceTxn.
	Replay(ctx context.Context, sinceTxn uint64, fn func(segment.Op) error) error

	// Check verifies log structure and checksums, returning the entry
	// count.
	Check(ctx context.Context) (int, error)

	// BreakLock forcibly releases the repository's write lease or
	// lock. For operators who know the holder is gone.
	BreakLock(ctx context.Context) error

	// Close releases the store.
	Close() error
}
