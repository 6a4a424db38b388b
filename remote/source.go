package remote

import (
	"context"

	"github.com/wolfeidau/dedup-store/cache"
	"github.com/wolfeidau/dedup-store/segment"
)

// cacheSource pins a context so a Store can serve the cache's
// blocking reconciliation interface.
type cacheSource struct {
	ctx   context.Context
	store Store
}

// NewCacheSource adapts a store to cache.Source. The transaction
// accessors report zero on transport failure, which the cache treats
// as divergence; the failure itself then surfaces through Replay.
func NewCacheSource(ctx context.Context, store Store) cache.Source {
	return cacheSource{ctx: ctx, store: store}
}

func (s cacheSource) LastTxn() uint64 {
	stats, err := s.store.Stats(s.ctx)
	if err != nil {
		return 0
	}
	return stats.LastTxn
}

func (s cacheSource) OldestTxn() uint64 {
	stats, err := s.store.Stats(s.ctx)
	if err != nil {
		return 0
	}
	return stats.OldestTxn
}

func (s cacheSource) Replay(sinceTxn uint64, fn func(segment.Op) error) error {
	return s.store.Replay(s.ctx, sinceTxn, fn)
}
