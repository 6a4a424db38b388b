// Package pipeline parallelises archive ingestion. Chunk boundaries
// come off the source stream sequentially, hashing and encoding fan
// out across workers, and a single collector writes results to the
// log in stream order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/chunker"
	"github.com/wolfeidau/dedup-store/repo"
)

// Sink is the repository surface ingestion drives.
type Sink interface {
	// ID computes the keyed identifier of a plaintext chunk.
	ID(plaintext []byte) dedupstore.ID

	// HasChunk reports whether id is already live.
	HasChunk(id dedupstore.ID) bool

	// EncodeChunk prepares plaintext for storage under id.
	EncodeChunk(id dedupstore.ID, plaintext []byte) ([]byte, error)

	// PutPrepared writes a prepared chunk, deduplicating against the
	// current index state. Only ever called from one goroutine.
	PutPrepared(id dedupstore.ID, plaintext, payload []byte) (repo.PutResult, error)
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent hash and encode workers.
	// Defaults to GOMAXPROCS.
	Workers int

	// QueueDepth bounds the number of chunks in flight between the
	// stream reader and the log writer. Defaults to twice Workers.
	QueueDepth int
}

// Ingester runs the parallel chunk, encode and write stages.
type Ingester struct {
	sink    Sink
	workers int
	depth   int
	logger  *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger for the ingester.
func WithLogger(logger *slog.Logger) Option {
	return func(ing *Ingester) { ing.logger = logger }
}

// New creates an Ingester writing into sink.
func New(sink Sink, cfg Config, opts ...Option) *Ingester {
	ing := &Ingester{
		sink:    sink,
		workers: cfg.Workers,
		depth:   cfg.QueueDepth,
		logger:  slog.New(slog.DiscardHandler),
	}
	if ing.workers <= 0 {
		ing.workers = runtime.GOMAXPROCS(0)
	}
	if ing.depth <= 0 {
		ing.depth = 2 * ing.workers
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

type job struct {
	seq  uint64
	data []byte
}

type prepared struct {
	seq  uint64
	id   dedupstore.ID
	data []byte
	// payload is nil when the chunk looked like a duplicate at
	// preparation time; the writer rechecks.
	payload []byte
}

// Run chunks src and stores every chunk, returning one result per
// chunk in stream order. On error nothing is rolled back; the caller
// decides whether to roll back the transaction.
func (ing *Ingester) Run(ctx context.Context, src *chunker.Chunker) ([]repo.PutResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job, ing.depth)
	results := make(chan prepared, ing.depth)

	g.Go(func() error {
		defer close(jobs)
		var seq uint64
		for {
			data, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pipeline: chunking source: %w", err)
			}
			// The chunker reuses its buffer on the next call.
			j := job{seq: seq, data: append([]byte(nil), data...)}
			select {
			case jobs <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
			seq++
		}
	})

	var workers sync.WaitGroup
	for range ing.workers {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for j := range jobs {
				p, err := ing.prepare(j)
				if err != nil {
					return err
				}
				select {
				case results <- p:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	// Single writer, reordering by sequence number so results enter
	// the log in stream order.
	var (
		out      []repo.PutResult
		buffered = make(map[uint64]prepared)
		next     uint64
		writeErr error
	)
	for p := range results {
		buffered[p.seq] = p
		for {
			r, ok := buffered[next]
			if !ok {
				break
			}
			delete(buffered, next)
			next++
			if writeErr != nil {
				continue
			}
			res, err := ing.sink.PutPrepared(r.id, r.data, r.payload)
			if err != nil {
				writeErr = err
				cancel()
				continue
			}
			out = append(out, res)
		}
	}

	if err := g.Wait(); err != nil && writeErr == nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, writeErr
	}
	ing.logger.Debug("ingest complete", "chunks", len(out))
	return out, nil
}

// prepare hashes one chunk and encodes it unless it already looks
// stored.
func (ing *Ingester) prepare(j job) (prepared, error) {
	id := ing.sink.ID(j.data)
	p := prepared{seq: j.seq, id: id, data: j.data}
	if ing.sink.HasChunk(id) {
		return p, nil
	}
	payload, err := ing.sink.EncodeChunk(id, j.data)
	if err != nil {
		return prepared{}, fmt.Errorf("pipeline: encoding chunk %s: %w", id.ShortString(), err)
	}
	p.payload = payload
	return p, nil
}

// Manifest flattens results into the chunk list and total plaintext
// size an archive records.
func Manifest(results []repo.PutResult) ([]dedupstore.ID, uint64) {
	ids := make([]dedupstore.ID, 0, len(results))
	var total uint64
	for _, res := range results {
		ids = append(ids, res.ID)
		total += uint64(res.Size)
	}
	return ids, total
}

var _ Sink = (*repo.Repository)(nil)
