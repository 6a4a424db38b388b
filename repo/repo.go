// Package repo ties the storage engine together into a repository
// session: exclusive lock, segment store, chunk codec, nonce counter
// and the archive manifest behind one handle. One session is the
// single writer for its repository.
package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/chunker"
	"github.com/wolfeidau/dedup-store/codec"
	"github.com/wolfeidau/dedup-store/index"
	"github.com/wolfeidau/dedup-store/segment"
)

// ErrArchiveNotFound is returned for operations on an unknown archive
// name.
var ErrArchiveNotFound = errors.New("repo: archive not found")

// Options configures a session.
type Options struct {
	// Logger for the session and everything beneath it. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// LockTimeout bounds the wait for the exclusive repository lock.
	LockTimeout time.Duration
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 10 * time.Second,
	}
}

// PutResult describes one stored chunk reference.
type PutResult struct {
	ID         dedupstore.ID
	Size       uint32
	StoredSize uint32
	// Deduped is true when the chunk was already present and only a
	// reference was recorded.
	Deduped bool
}

// Repository is an open repository session.
type Repository struct {
	root     string
	cfg      Config
	logger   *slog.Logger
	lock     *segment.Lock
	store    *segment.Store
	nonces   *codec.NonceSeq
	pipeline *codec.Pipeline

	mu       sync.Mutex
	manifest *manifest
	dirty    bool
	closed   bool
}

// Init creates a new repository at root with the given secret and
// configuration. The directory may exist but must not already hold a
// repository.
func Init(root string, secret []byte, cfg Config) error {
	if _, err := readConfig(root); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, root)
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}

	keys, err := dedupstore.NewKeySet(secret)
	if err != nil {
		return err
	}
	if cfg.FormatVersion == 0 {
		cfg = DefaultConfig()
	}
	cfg.KeyCheck = keys.KeyCheck()

	if err := cfg.ChunkerConfig().Validate(); err != nil {
		return err
	}
	if _, err := cfg.compressionTag(); err != nil {
		return err
	}
	return writeConfig(root, cfg)
}

// Open opens the repository at root, taking the exclusive lock and
// recovering to the last committed transaction.
func Open(ctx context.Context, root string, secret []byte, opts Options) (*Repository, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	logger := opts.Logger.With("component", "repo")

	cfg, err := readConfig(root)
	if err != nil {
		return nil, err
	}

	keys, err := dedupstore.NewKeySet(secret)
	if err != nil {
		return nil, err
	}
	if !keys.VerifyKeyCheck(cfg.KeyCheck) {
		return nil, ErrWrongKey
	}

	lock, err := segment.AcquireLock(ctx, root, opts.LockTimeout, logger)
	if err != nil {
		return nil, err
	}

	store, report, err := segment.Open(root, segment.Config{
		SegmentSize: cfg.SegmentSize,
		Logger:      logger,
	})
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if report.Truncated || report.InterruptedCompaction {
		logger.Info("repository recovered",
			"discarded_bytes", report.DiscardedBytes,
			"interrupted_compaction", report.InterruptedCompaction,
		)
	}

	nonces, err := codec.OpenNonceSeq(filepath.Join(root, nonceFileName))
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}

	tag, err := cfg.compressionTag()
	if err != nil {
		_ = nonces.Close()
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}
	pipeline, err := codec.New(keys, tag, nonces)
	if err != nil {
		_ = nonces.Close()
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}

	r := &Repository{
		root:     root,
		cfg:      cfg,
		logger:   logger,
		lock:     lock,
		store:    store,
		nonces:   nonces,
		pipeline: pipeline,
	}
	if err := r.loadManifest(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Config returns the repository configuration.
func (r *Repository) Config() Config {
	return r.cfg
}

// NewChunker returns a chunker over src using the repository's
// chunking parameters.
func (r *Repository) NewChunker(src io.Reader) *chunker.Chunker {
	return chunker.New(src, r.cfg.ChunkerConfig())
}

// ID computes the chunk identifier for plaintext under the
// repository's keyed hash.
func (r *Repository) ID(plaintext []byte) dedupstore.ID {
	return r.pipeline.ID(plaintext)
}

// PutChunk stores one chunk, deduplicating against the index: a known
// identifier gets a reference record only, an unknown one is encoded
// and stored.
func (r *Repository) PutChunk(plaintext []byte) (PutResult, error) {
	id := r.pipeline.ID(plaintext)
	return r.putChunkAs(id, plaintext)
}

func (r *Repository) putChunkAs(id dedupstore.ID, plaintext []byte) (PutResult, error) {
	if e, err := r.store.Index().Get(id); err == nil {
		if err := r.store.Put(id, e.Size, nil); err != nil {
			return PutResult{}, err
		}
		return PutResult{ID: id, Size: e.Size, StoredSize: e.StoredSize, Deduped: true}, nil
	}

	stored, res, err := r.pipeline.Encode(plaintext, id)
	if err != nil {
		return PutResult{}, err
	}
	if err := r.store.Put(id, res.Size, stored); err != nil {
		return PutResult{}, err
	}
	return PutResult{ID: id, Size: res.Size, StoredSize: res.StoredSize}, nil
}

// HasChunk reports whether the index already holds a live chunk for
// id.
func (r *Repository) HasChunk(id dedupstore.ID) bool {
	_, err := r.store.Index().Get(id)
	return err == nil
}

// EncodeChunk compresses and encrypts plaintext for storage under id.
func (r *Repository) EncodeChunk(id dedupstore.ID, plaintext []byte) ([]byte, error) {
	stored, _, err := r.pipeline.Encode(plaintext, id)
	return stored, err
}

// PutPrepared stores a chunk whose identifier, and possibly encoding,
// were computed elsewhere. The index is rechecked here so concurrent
// preparation of duplicate chunks still results in a single stored
// copy. A nil payload means the caller saw the chunk in the index and
// skipped encoding; if it is gone after all, the chunk is encoded
// from plaintext.
func (r *Repository) PutPrepared(id dedupstore.ID, plaintext, payload []byte) (PutResult, error) {
	if e, err := r.store.Index().Get(id); err == nil {
		if err := r.store.Put(id, e.Size, nil); err != nil {
			return PutResult{}, err
		}
		return PutResult{ID: id, Size: e.Size, StoredSize: e.StoredSize, Deduped: true}, nil
	}
	if payload == nil {
		return r.putChunkAs(id, plaintext)
	}
	size := uint32(len(plaintext))
	if err := r.store.Put(id, size, payload); err != nil {
		return PutResult{}, err
	}
	return PutResult{ID: id, Size: size, StoredSize: uint32(len(payload))}, nil
}

// GetChunk retrieves and decodes a chunk, verifying its integrity.
func (r *Repository) GetChunk(id dedupstore.ID) ([]byte, error) {
	stored, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	return r.pipeline.Decode(stored, id)
}

// DeleteChunk removes one logical reference to a chunk.
func (r *Repository) DeleteChunk(id dedupstore.ID) error {
	return r.store.Delete(id)
}

// Archives returns the names of all archives in the manifest.
func (r *Repository) Archives() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.manifest.Archives))
	for name := range r.manifest.Archives {
		names = append(names, name)
	}
	return names
}

// Archive returns one archive by name.
func (r *Repository) Archive(name string) (Archive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.manifest.Archives[name]
	if !ok {
		return Archive{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
	}
	return a, nil
}

// SetArchive records an archive in the manifest. The caller has
// already stored each chunk in its list; the manifest itself is
// persisted on the next Commit.
func (r *Repository) SetArchive(name string, a Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest.Archives[name] = a
	r.dirty = true
}

// DeleteArchive removes an archive and drops one reference for each
// of its chunks. Chunks whose refcount reaches zero stop being
// retrievable; their bytes are reclaimed by the next compaction.
func (r *Repository) DeleteArchive(name string) error {
	r.mu.Lock()
	a, ok := r.manifest.Archives[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
	}
	delete(r.manifest.Archives, name)
	r.dirty = true
	r.mu.Unlock()

	for _, id := range a.Chunks {
		if err := r.store.Delete(id); err != nil {
			return fmt.Errorf("repo: dropping reference %s: %w", id.ShortString(), err)
		}
	}
	return nil
}

// Commit persists a changed manifest and commits the transaction.
// Returns the new transaction id.
func (r *Repository) Commit() (uint64, error) {
	if err := r.flushManifest(); err != nil {
		return 0, err
	}
	return r.store.Commit()
}

// Rollback discards all uncommitted changes, including manifest
// edits.
func (r *Repository) Rollback() error {
	if err := r.store.Rollback(); err != nil {
		return err
	}
	return r.loadManifest()
}

// Compact rewrites the log to exactly the live chunk set.
func (r *Repository) Compact(ctx context.Context) (*segment.CompactResult, error) {
	return r.store.Compact(ctx)
}

// Index returns the repository's chunk index.
func (r *Repository) Index() *index.Index {
	return r.store.Index()
}

// LastTxn returns the last committed transaction id.
func (r *Repository) LastTxn() uint64 {
	return r.store.LastTxn()
}

// OldestTxn returns the oldest transaction still replayable from the
// log.
func (r *Repository) OldestTxn() uint64 {
	return r.store.OldestTxn()
}

// Replay streams every committed operation after sinceTxn, in log
// order.
func (r *Repository) Replay(sinceTxn uint64, fn func(segment.Op) error) error {
	return r.store.Replay(sinceTxn, fn)
}

// Store returns the underlying segment store.
func (r *Repository) Store() *segment.Store {
	return r.store
}

// CheckReport summarises a full repository verification.
type CheckReport struct {
	// Entries is the number of structurally valid log entries.
	Entries int
	// Chunks is the number of live chunks whose stored bytes decoded
	// and hashed back to their identifier.
	Chunks int
	// Damaged lists the identifiers that failed decoding.
	Damaged []dedupstore.ID
	// IndexDrift counts entries where the in-memory index disagrees
	// with a fresh rebuild from the committed log.
	IndexDrift int
	// MissingRefs counts archive chunk references that resolve to no
	// live chunk.
	MissingRefs int
}

// OK reports whether the verification found no damage of any class.
func (rep *CheckReport) OK() bool {
	return len(rep.Damaged) == 0 && rep.IndexDrift == 0 && rep.MissingRefs == 0
}

// Check verifies the whole repository: every log entry's checksum,
// every live chunk's authentication tag and identifier, the in-memory
// index against a rebuild from the log, and every archive's chunk
// references.
func (r *Repository) Check(ctx context.Context) (*CheckReport, error) {
	entries, err := r.store.Check()
	if err != nil {
		return nil, err
	}

	report := &CheckReport{Entries: entries}
	for _, id := range r.store.List() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stored, err := r.store.Get(id)
		if err != nil {
			report.Damaged = append(report.Damaged, id)
			continue
		}
		if _, err := r.pipeline.Decode(stored, id); err != nil {
			r.logger.Error("chunk failed verification", "id", id.ShortString(), "error", err)
			report.Damaged = append(report.Damaged, id)
			continue
		}
		report.Chunks++
	}

	rebuilt := index.New()
	err = r.store.Replay(0, func(op segment.Op) error {
		switch op.Kind {
		case segment.KindPut:
			rebuilt.ApplyPut(op.ID, op.Size, op.StoredSize)
		case segment.KindDelete:
			if _, err := rebuilt.ApplyDelete(op.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	live := r.store.Index()
	live.Iter(func(id dedupstore.ID, e index.Entry) bool {
		got, err := rebuilt.Get(id)
		if err != nil || got != e {
			r.logger.Error("index entry disagrees with log", "id", id.ShortString())
			report.IndexDrift++
		}
		return true
	})
	if extra := rebuilt.Len() - live.Len(); extra > 0 {
		report.IndexDrift += extra
	}

	r.mu.Lock()
	for name, a := range r.manifest.Archives {
		for _, id := range a.Chunks {
			if !live.Has(id) {
				r.logger.Error("archive references missing chunk",
					"archive", name, "id", id.ShortString())
				report.MissingRefs++
			}
		}
	}
	r.mu.Unlock()

	return report, nil
}

// Close releases the nonce reservation, the store and the lock.
// Uncommitted changes are discarded on the next Open.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	if err := r.nonces.Close(); err != nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadManifest reads the manifest chunk, or starts an empty manifest
// for a repository that has none yet.
func (r *Repository) loadManifest() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.Get(dedupstore.ManifestID)
	if errors.Is(err, segment.ErrNotFound) {
		r.manifest = newManifest()
		r.dirty = false
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := r.pipeline.Decode(stored, dedupstore.ManifestID)
	if err != nil {
		return err
	}
	m, err := decodeManifest(plaintext)
	if err != nil {
		return err
	}
	r.manifest = m
	r.dirty = false
	return nil
}

// flushManifest rewrites the manifest chunk when it changed. The old
// manifest's single reference is dropped first so the slot always
// holds exactly one live copy.
func (r *Repository) flushManifest() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}

	plaintext, err := encodeManifest(r.manifest)
	if err != nil {
		return err
	}
	if r.store.Index().Has(dedupstore.ManifestID) {
		if err := r.store.Delete(dedupstore.ManifestID); err != nil {
			return err
		}
	}
	stored, res, err := r.pipeline.Encode(plaintext, dedupstore.ManifestID)
	if err != nil {
		return err
	}
	if err := r.store.Put(dedupstore.ManifestID, res.Size, stored); err != nil {
		return err
	}
	r.dirty = false
	return nil
}
