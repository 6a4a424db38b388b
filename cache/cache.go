// Package cache keeps a client-side mirror of a repository's chunk
// index plus a file fingerprint table in a local bbolt database. A
// warm cache lets a backup run skip re-uploading chunks the repository
// already holds and skip re-chunking files that have not changed.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/index"
	"github.com/wolfeidau/dedup-store/segment"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("cache: not found")

var (
	bucketChunks = []byte("chunks") // chunk id -> CBOR chunkRecord
	bucketFiles  = []byte("files")  // file path -> CBOR FileFingerprint
	bucketMeta   = []byte("meta")   // cache-level metadata
)

// keyLastTxn holds the last repository transaction this cache has
// applied, 8 bytes big-endian.
var keyLastTxn = []byte("last_txn")

// chunkRecord is the stored form of one mirrored index entry.
type chunkRecord struct {
	Refcount   uint32 `cbor:"1,keyasint"`
	Size       uint32 `cbor:"2,keyasint"`
	StoredSize uint32 `cbor:"3,keyasint"`
}

// FileFingerprint identifies one previously backed up file. A file
// whose size and modification time still match can reuse its chunk
// list without being read at all.
type FileFingerprint struct {
	Size    int64           `cbor:"1,keyasint"`
	ModTime time.Time       `cbor:"2,keyasint"`
	Chunks  []dedupstore.ID `cbor:"3,keyasint"`
}

// Source is the repository view the cache reconciles against. An open
// repository satisfies it directly; remote stores are adapted through
// the remote package.
type Source interface {
	// LastTxn returns the repository's last committed transaction id.
	LastTxn() uint64
	// OldestTxn returns the oldest transaction still replayable from
	// the repository's log.
	OldestTxn() uint64
	// Replay streams every committed operation after sinceTxn.
	Replay(sinceTxn uint64, fn func(segment.Op) error) error
}

// ReconcileMode says how a reconcile brought the cache up to date.
type ReconcileMode int

const (
	// ReconcileNoop means the cache already matched the repository.
	ReconcileNoop ReconcileMode = iota
	// ReconcileDelta means the missing transactions were replayed on
	// top of the existing mirror.
	ReconcileDelta
	// ReconcileRebuild means the mirror was discarded and rebuilt from
	// scratch, because the cache predated the replayable history.
	ReconcileRebuild
)

func (m ReconcileMode) String() string {
	switch m {
	case ReconcileNoop:
		return "noop"
	case ReconcileDelta:
		return "delta"
	case ReconcileRebuild:
		return "rebuild"
	default:
		return "unknown"
	}
}

// ReconcileResult reports what a reconcile did.
type ReconcileResult struct {
	Mode       ReconcileMode
	OpsApplied int
	Txn        uint64
}

// Cache is the bbolt-backed local cache. Safe for concurrent use.
type Cache struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNoSync disables fsync per transaction. The cache is rebuildable
// from the repository, so losing it on crash only costs time.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) {
		c.noSync = noSync
	}
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: opening database: %w", err)
	}
	c.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketFiles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("cache: creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c.logger.Debug("opened cache", "path", path)
	return c, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// LastTxn returns the repository transaction this cache has applied,
// zero for a fresh cache.
func (c *Cache) LastTxn() (uint64, error) {
	var txn uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLastTxn)
		if len(v) == 8 {
			txn = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return txn, err
}

// HasChunk reports whether the cache believes the repository holds a
// live chunk with this identifier.
func (c *Cache) HasChunk(id dedupstore.ID) (bool, error) {
	_, err := c.GetChunk(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetChunk returns the mirrored index entry for a chunk.
func (c *Cache) GetChunk(id dedupstore.ID) (index.Entry, error) {
	var entry index.Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: chunk %s", ErrNotFound, id.ShortString())
		}
		var rec chunkRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("cache: decoding chunk record: %w", err)
		}
		entry = index.Entry{Refcount: rec.Refcount, Size: rec.Size, StoredSize: rec.StoredSize}
		return nil
	})
	return entry, err
}

// ChunkCount returns the number of live chunks in the mirror.
func (c *Cache) ChunkCount() (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	return n, err
}

// Reconcile brings the mirror up to date with the repository. A cache
// already at the repository's transaction is untouched; one within the
// replayable window gets the missing transactions applied; one that
// predates the window (compaction discarded its history) or is ahead
// of the repository is rebuilt wholesale.
func (c *Cache) Reconcile(src Source) (*ReconcileResult, error) {
	cachedTxn, err := c.LastTxn()
	if err != nil {
		return nil, err
	}
	storeTxn := src.LastTxn()

	if cachedTxn == storeTxn {
		return &ReconcileResult{Mode: ReconcileNoop, Txn: storeTxn}, nil
	}

	// Delta replay needs the cache's own transaction to still be inside
	// the replayable window. The oldest replayable transaction after a
	// compaction is a full snapshot; folding it onto a live mirror would
	// double-count refcounts, so a cache below the window rebuilds.
	replayable := cachedTxn < storeTxn && cachedTxn >= src.OldestTxn()

	result := &ReconcileResult{Mode: ReconcileDelta, Txn: storeTxn}
	sinceTxn := cachedTxn
	if !replayable {
		result.Mode = ReconcileRebuild
		sinceTxn = 0
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if result.Mode == ReconcileRebuild {
			if err := tx.DeleteBucket(bucketChunks); err != nil {
				return fmt.Errorf("cache: clearing chunk mirror: %w", err)
			}
			var err error
			chunks, err = tx.CreateBucket(bucketChunks)
			if err != nil {
				return fmt.Errorf("cache: recreating chunk mirror: %w", err)
			}
		}

		if err := src.Replay(sinceTxn, func(op segment.Op) error {
			result.OpsApplied++
			return applyOp(chunks, op)
		}); err != nil {
			return err
		}

		var v [8]byte
		binary.BigEndian.PutUint64(v[:], storeTxn)
		return tx.Bucket(bucketMeta).Put(keyLastTxn, v[:])
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("reconciled cache",
		"mode", result.Mode.String(), "ops", result.OpsApplied, "txn", storeTxn)
	return result, nil
}

// applyOp folds one replayed operation into the chunk mirror, with
// the same refcount semantics as the repository's own index.
func applyOp(chunks *bbolt.Bucket, op segment.Op) error {
	switch op.Kind {
	case segment.KindPut:
		var rec chunkRecord
		if v := chunks.Get(op.ID[:]); v != nil {
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("cache: decoding chunk record: %w", err)
			}
			rec.Refcount++
		} else {
			rec = chunkRecord{Refcount: 1, Size: op.Size, StoredSize: op.StoredSize}
		}
		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("cache: encoding chunk record: %w", err)
		}
		return chunks.Put(op.ID[:], data)

	case segment.KindDelete:
		v := chunks.Get(op.ID[:])
		if v == nil {
			return nil
		}
		var rec chunkRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("cache: decoding chunk record: %w", err)
		}
		if rec.Refcount <= 1 {
			return chunks.Delete(op.ID[:])
		}
		rec.Refcount--
		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("cache: encoding chunk record: %w", err)
		}
		return chunks.Put(op.ID[:], data)
	}
	return nil
}

// GetFile returns the stored fingerprint for a file path.
func (c *Cache) GetFile(path string) (*FileFingerprint, error) {
	var fp FileFingerprint
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketFiles).Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return cbor.Unmarshal(v, &fp)
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// PutFile records a file's fingerprint and chunk list.
func (c *Cache) PutFile(path string, fp FileFingerprint) error {
	data, err := cbor.Marshal(fp)
	if err != nil {
		return fmt.Errorf("cache: encoding fingerprint: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(path), data)
	})
}

// DeleteFile removes a file's fingerprint.
func (c *Cache) DeleteFile(path string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(path))
	})
}

// MatchFile returns the chunk list for path when the stored
// fingerprint still matches size and modification time, nil when the
// file is unknown or changed.
func (c *Cache) MatchFile(path string, size int64, modTime time.Time) ([]dedupstore.ID, error) {
	fp, err := c.GetFile(path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fp.Size != size || !fp.ModTime.Equal(modTime) {
		return nil, nil
	}
	return fp.Chunks, nil
}
