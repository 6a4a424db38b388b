package remote

import (
	"context"
	"errors"
	"time"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/segment"
	"github.com/wolfeidau/dedup-store/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(s Store) *InstrumentedStore {
	return &InstrumentedStore{store: s}
}

func (is *InstrumentedStore) Get(ctx context.Context, id dedupstore.ID) ([]byte, error) {
	start := time.Now()
	payload, err := is.store.Get(ctx, id)
	telemetry.RecordStoreOp(ctx, "get", outcomeFromError(err), time.Since(start), int64(len(payload)))
	return payload, err
}

func (is *InstrumentedStore) Put(ctx context.Context, id dedupstore.ID, size uint32, payload []byte) error {
	start := time.Now()
	err := is.store.Put(ctx, id, size, payload)
	telemetry.RecordStoreOp(ctx, "put", outcomeFromError(err), time.Since(start), int64(len(payload)))
	if err == nil {
		telemetry.RecordChunkWrite(ctx, int64(size), len(payload) == 0)
	}
	return err
}

func (is *InstrumentedStore) Delete(ctx context.Context, id dedupstore.ID) error {
	start := time.Now()
	err := is.store.Delete(ctx, id)
	telemetry.RecordStoreOp(ctx, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Commit(ctx context.Context) (uint64, error) {
	start := time.Now()
	txn, err := is.store.Commit(ctx)
	telemetry.RecordStoreOp(ctx, "commit", outcomeFromError(err), time.Since(start), 0)
	return txn, err
}

func (is *InstrumentedStore) Rollback(ctx context.Context) error {
	start := time.Now()
	err := is.store.Rollback(ctx)
	telemetry.RecordStoreOp(ctx, "rollback", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) List(ctx context.Context) ([]dedupstore.ID, error) {
	start := time.Now()
	ids, err := is.store.List(ctx)
	telemetry.RecordStoreOp(ctx, "list", outcomeFromError(err), time.Since(start), 0)
	return ids, err
}

func (is *InstrumentedStore) Stats(ctx context.Context) (Stats, error) {
	start := time.Now()
	stats, err := is.store.Stats(ctx)
	telemetry.RecordStoreOp(ctx, "stats", outcomeFromError(err), time.Since(start), 0)
	return stats, err
}

func (is *InstrumentedStore) Replay(ctx context.Context, sinceTxn uint64, fn func(segment.Op) error) error {
	start := time.Now()
	err := is.store.Replay(ctx, sinceTxn, fn)
	telemetry.RecordStoreOp(ctx, "replay", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Check(ctx context.Context) (int, error) {
	start := time.Now()
	entries, err := is.store.Check(ctx)
	telemetry.RecordStoreOp(ctx, "check", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (is *InstrumentedStore) BreakLock(ctx context.Context) error {
	start := time.Now()
	err := is.store.BreakLock(ctx)
	telemetry.RecordStoreOp(ctx, "break_lock", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Close() error {
	return is.store.Close()
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, segment.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "error"
	}
}

var _ Store = (*InstrumentedStore)(nil)
