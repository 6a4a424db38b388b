package remote

import (
	"context"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/segment"
)

// Local adapts a segment store to the Store interface for callers
// that switch between local and networked repositories.
type Local struct {
	store *segment.Store
	root  string
}

// NewLocal wraps an open segment store rooted at root.
func NewLocal(store *segment.Store, root string) *Local {
	return &Local{store: store, root: root}
}

func (l *Local) Get(ctx context.Context, id dedupstore.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.Get(id)
}

func (l *Local) Put(ctx context.Context, id dedupstore.ID, size uint32, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = nil
	}
	return l.store.Put(id, size, payload)
}

func (l *Local) Delete(ctx context.Context, id dedupstore.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.Delete(id)
}

func (l *Local) Commit(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.store.Commit()
}

func (l *Local) Rollback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.Rollback()
}

func (l *Local) List(ctx context.Context) ([]dedupstore.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.List(), nil
}

func (l *Local) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	return Stats{
		LastTxn:   l.store.LastTxn(),
		OldestTxn: l.store.OldestTxn(),
		Chunks:    l.store.Index().Len(),
	}, nil
}

func (l *Local) Replay(ctx context.Context, sinceTxn uint64, fn func(segment.Op) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.Replay(sinceTxn, fn)
}

func (l *Local) Check(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.store.Check()
}

func (l *Local) BreakLock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return segment.BreakLock(l.root)
}

func (l *Local) Close() error {
	return l.store.Close()
}

var _ Store = (*Local)(nil)
