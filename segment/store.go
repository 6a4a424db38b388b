package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/index"
)

const (
	// dataDir holds the segment files under the store root.
	dataDir = "data"
	// compactDir is the staging directory for a compaction run.
	compactDir = "data.compact"
	// oldDir briefly holds the pre-compaction generation during the
	// swap.
	oldDir = "data.old"

	// snapshotName is the index snapshot file under the store root,
	// written after each commit. It carries the transaction id it was
	// taken at; a snapshot that does not match the recovered log is
	// ignored.
	snapshotName = "index.snap"
)

// ErrNotFound is returned when a chunk has no live reference.
var ErrNotFound = errors.New("segment: chunk not found")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("segment: store closed")

// Config configures a segment store.
type Config struct {
	// SegmentSize is the rotation threshold: a segment at or over
	// this size is finalised and a new one started.
	SegmentSize int64

	// Logger receives recovery and compaction reporting.
	Logger *slog.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize: 64 * 1024 * 1024,
	}
}

// RecoveryReport describes what opening a store had to clean up.
type RecoveryReport struct {
	// Truncated is true when entries after the last commit were
	// discarded, either an interrupted transaction or trailing damage.
	Truncated bool
	// DiscardedBytes counts log bytes dropped during recovery.
	DiscardedBytes int64
	// RemovedSegments counts whole segment files dropped.
	RemovedSegments int
	// InterruptedCompaction is true when leftovers of an unfinished
	// compaction were resolved.
	InterruptedCompaction bool
	// IndexFromSnapshot is true when the chunk index was restored from
	// the snapshot file instead of being re-derived entry by entry.
	IndexFromSnapshot bool
}

// Op is one replayed log operation, without payload bytes. COMMIT
// entries are folded into the Txn field: an Op belongs to the
// transaction that made it durable.
type Op struct {
	Kind       Kind
	ID         dedupstore.ID
	Size       uint32
	StoredSize uint32
	Txn        uint64
}

// location records where a chunk's stored payload lives.
type location struct {
	seq    uint32
	offset int64 // payload offset within the segment file
	length uint32
}

// pendingOp is the undo record for one uncommitted mutation.
type pendingOp struct {
	kind    Kind
	id      dedupstore.ID
	size    uint32
	stored  uint32
	prevLoc location
	hadLoc  bool
	setLoc  bool
}

// Store is the transactional segment store. One Store instance is the
// single writer for its repository; concurrent readers see the state
// of the last commit. All methods are safe for concurrent use.
type Store struct {
	root   string
	dir    string
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	current   *segmentWriter
	idx       *index.Index
	locations map[dedupstore.ID]location

	lastTxn   uint64
	oldestTxn uint64

	// commitSeq/commitOff mark the durable high-water mark: the
	// segment and end offset of the last COMMIT entry.
	commitSeq uint32
	commitOff int64

	pending []pendingOp
	dirty   bool
	closed  bool
}

// Open opens (creating if necessary) the segment store rooted at
// root, runs crash recovery, and rebuilds the in-memory index by
// replaying the committed log.
func Open(root string, cfg Config) (*Store, *RecoveryReport, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultConfig().SegmentSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		root:      root,
		dir:       filepath.Join(root, dataDir),
		cfg:       cfg,
		logger:    logger,
		idx:       index.New(),
		locations: make(map[dedupstore.ID]location),
	}

	report := &RecoveryReport{}
	if err := s.resolveCompactionLeftovers(report); err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("segment: creating data directory: %w", err)
	}

	if err := s.recover(report); err != nil {
		return nil, nil, err
	}

	if report.Truncated {
		logger.Warn("recovered repository to last commit",
			"discarded_bytes", report.DiscardedBytes,
			"removed_segments", report.RemovedSegments,
			"last_txn", s.lastTxn,
		)
	}
	return s, report, nil
}

// resolveCompactionLeftovers finishes or unwinds a compaction that
// was interrupted by a crash. Three distinguishable states:
// staged-but-not-swapped, swapped-but-not-cleaned, and mid-swap.
func (s *Store) resolveCompactionLeftovers(report *RecoveryReport) error {
	compact := filepath.Join(s.root, compactDir)
	old := filepath.Join(s.root, oldDir)

	dataExists := dirExists(s.dir)
	compactExists := dirExists(compact)
	oldExists := dirExists(old)

	switch {
	case !dataExists && compactExists:
		// Crash between the two swap renames: the staged generation
		// is complete (it got its commit before the swap started), so
		// finish the swap.
		if err := os.Rename(compact, s.dir); err != nil {
			return fmt.Errorf("segment: finishing interrupted compaction: %w", err)
		}
		report.InterruptedCompaction = true
		s.logger.Warn("finished interrupted compaction swap")
	case dataExists && compactExists:
		// Crash before the swap: the staged generation may be
		// incomplete. The live generation is authoritative.
		if err := os.RemoveAll(compact); err != nil {
			return fmt.Errorf("segment: removing stale compaction staging: %w", err)
		}
		report.InterruptedCompaction = true
		s.logger.Warn("discarded incomplete compaction staging")
	}

	if oldExists {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("segment: removing pre-compaction generation: %w", err)
		}
		report.InterruptedCompaction = true
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// recover locates the last COMMIT across all segments, discards
// everything after it, then replays the committed prefix to rebuild
// the index and payload locations.
func (s *Store) recover(report *RecoveryReport) error {
	seqs, err := listSegments(s.dir)
	if err != nil {
		return err
	}

	if len(seqs) == 0 {
		return s.startFresh()
	}

	// Pass 1: find the last commit position. Scanning stops at the
	// first corrupt entry; nothing beyond it can be committed state.
	var (
		haveCommit bool
		cSeq       uint32
		cEnd       int64
		lastTxn    uint64
		stopped    bool
	)
	for _, seq := range seqs {
		if stopped {
			break
		}
		path := filepath.Join(s.dir, segmentName(seq))
		end, scanErr := scanSegment(path, func(e Entry, offset, size int64) error {
			if e.Kind == KindCommit {
				haveCommit = true
				cSeq = seq
				cEnd = offset + size
				lastTxn = e.Txn
			}
			return nil
		})
		if scanErr != nil {
			if !errors.Is(scanErr, ErrCorruptEntry) {
				return scanErr
			}
			s.logger.Warn("unparsable log data, truncating",
				"segment", seq, "offset", end, "error", scanErr)
			stopped = true
		}
	}

	// Discard everything after the last commit.
	if !haveCommit {
		var discarded int64
		for _, seq := range seqs {
			info, err := os.Stat(filepath.Join(s.dir, segmentName(seq)))
			if err == nil {
				discarded += info.Size()
			}
			if err := os.Remove(filepath.Join(s.dir, segmentName(seq))); err != nil {
				return fmt.Errorf("segment: removing uncommitted segment %d: %w", seq, err)
			}
		}
		if discarded > 0 {
			report.Truncated = true
			report.DiscardedBytes = discarded
			report.RemovedSegments = len(seqs)
		}
		return s.startFresh()
	}

	for _, seq := range seqs {
		path := filepath.Join(s.dir, segmentName(seq))
		switch {
		case seq < cSeq:
			// Fully committed segment, untouched.
		case seq == cSeq:
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("segment: stat %s: %w", path, err)
			}
			if info.Size() > cEnd {
				report.Truncated = true
				report.DiscardedBytes += info.Size() - cEnd
				if err := os.Truncate(path, cEnd); err != nil {
					return fmt.Errorf("segment: truncating %s: %w", path, err)
				}
			}
		default:
			info, err := os.Stat(path)
			if err == nil {
				report.DiscardedBytes += info.Size()
			}
			report.Truncated = true
			report.RemovedSegments++
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("segment: removing %s: %w", path, err)
			}
		}
	}

	// A snapshot taken at the recovered transaction restores the index
	// without re-deriving it from entry arithmetic. The scan below
	// still runs either way: payload locations live only in the log.
	if snap := s.loadSnapshot(lastTxn); snap != nil {
		s.idx = snap
		report.IndexFromSnapshot = true
	}

	// Pass 2: replay the committed prefix.
	var firstTxn uint64
	for _, seq := range seqs {
		if seq > cSeq {
			break
		}
		path := filepath.Join(s.dir, segmentName(seq))
		_, err := scanSegment(path, func(e Entry, offset, size int64) error {
			switch e.Kind {
			case KindPut:
				if !report.IndexFromSnapshot {
					s.idx.ApplyPut(e.ID, e.Size, uint32(len(e.Payload)))
				}
				if len(e.Payload) > 0 {
					s.locations[e.ID] = location{
						seq:    seq,
						offset: offset + lenWidth + putFixedLen,
						length: uint32(len(e.Payload)),
					}
				}
			case KindDelete:
				if report.IndexFromSnapshot {
					break
				}
				if _, err := s.idx.ApplyDelete(e.ID); err != nil {
					s.logger.Warn("delete for unknown chunk during replay",
						"id", e.ID.ShortString(), "segment", seq)
				}
			case KindCommit:
				if firstTxn == 0 {
					firstTxn = e.Txn
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("segment: replaying segment %d: %w", seq, err)
		}
	}

	s.lastTxn = lastTxn
	s.oldestTxn = firstTxn
	s.commitSeq = cSeq
	s.commitOff = cEnd

	s.current, err = openSegmentWriter(s.dir, cSeq)
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) startFresh() error {
	w, err := openSegmentWriter(s.dir, 0)
	if err != nil {
		return err
	}
	s.current = w
	s.commitSeq = 0
	s.commitOff = 0
	return nil
}

// appendLocked appends an encoded entry, rotating to a new segment
// first when the current one is at or over the size threshold.
// Callers hold the write lock.
func (s *Store) appendLocked(e Entry) (uint32, int64, error) {
	if s.current.size >= s.cfg.SegmentSize {
		if err := s.current.sync(); err != nil {
			return 0, 0, err
		}
		if err := s.current.close(); err != nil {
			return 0, 0, err
		}
		next, err := openSegmentWriter(s.dir, s.current.seq+1)
		if err != nil {
			return 0, 0, err
		}
		s.current = next
	}

	buf, err := appendEntry(nil, e)
	if err != nil {
		return 0, 0, err
	}
	offset, err := s.current.append(buf)
	if err != nil {
		return 0, 0, err
	}
	return s.current.seq, offset, nil
}

// Put appends a chunk reference. A non-nil payload stores the chunk's
// encoded bytes (first reference); a nil payload records an
// additional logical reference to an already stored chunk.
func (s *Store) Put(id dedupstore.ID, size uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if payload == nil && !s.idx.Has(id) {
		return fmt.Errorf("segment: reference put for unknown chunk %s", id.ShortString())
	}

	seq, offset, err := s.appendLocked(Entry{Kind: KindPut, ID: id, Size: size, Payload: payload})
	if err != nil {
		return err
	}

	op := pendingOp{kind: KindPut, id: id, size: size, stored: uint32(len(payload))}
	if len(payload) > 0 {
		op.prevLoc, op.hadLoc = s.locations[id]
		op.setLoc = true
		s.locations[id] = location{
			seq:    seq,
			offset: offset + lenWidth + putFixedLen,
			length: uint32(len(payload)),
		}
	}
	s.idx.ApplyPut(id, size, uint32(len(payload)))
	s.pending = append(s.pending, op)
	s.dirty = true
	return nil
}

// Delete appends a DELETE entry removing one logical reference.
func (s *Store) Delete(id dedupstore.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, err := s.idx.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id.ShortString())
	}

	if _, _, err := s.appendLocked(Entry{Kind: KindDelete, ID: id}); err != nil {
		return err
	}
	if _, err := s.idx.ApplyDelete(id); err != nil {
		return err
	}
	s.pending = append(s.pending, pendingOp{kind: KindDelete, id: id, size: e.Size, stored: e.StoredSize})
	s.dirty = true
	return nil
}

// Commit appends a COMMIT entry and syncs the log. This is the single
// point where the transaction's effects become durable. Returns the
// new transaction id.
func (s *Store) Commit() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	txn := s.lastTxn + 1
	if _, _, err := s.appendLocked(Entry{Kind: KindCommit, Txn: txn}); err != nil {
		return 0, err
	}
	if err := s.current.sync(); err != nil {
		return 0, err
	}

	s.lastTxn = txn
	if s.oldestTxn == 0 {
		s.oldestTxn = txn
	}
	s.commitSeq = s.current.seq
	s.commitOff = s.current.size
	s.pending = nil
	s.dirty = false

	// The log is the authority; a failed snapshot write costs the next
	// Open a full replay, nothing more.
	if err := s.writeSnapshotLocked(); err != nil {
		s.logger.Warn("could not write index snapshot", "error", err)
	}
	return txn, nil
}

// writeSnapshotLocked persists the index to the snapshot file, prefixed
// with the transaction id it was taken at. Written to a temporary file
// and renamed so readers never see a partial snapshot. Callers hold the
// write lock.
func (s *Store) writeSnapshotLocked() error {
	tmp := filepath.Join(s.root, snapshotName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], s.lastTxn)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := s.idx.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.root, snapshotName))
}

// loadSnapshot returns the snapshot index when one exists and was taken
// at wantTxn. Anything else, a missing file, a stale transaction id or
// a corrupt payload, returns nil and the caller rebuilds from the log.
func (s *Store) loadSnapshot(wantTxn uint64) *index.Index {
	f, err := os.Open(filepath.Join(s.root, snapshotName))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		s.logger.Warn("unreadable index snapshot, rebuilding from log", "error", err)
		return nil
	}
	if txn := binary.BigEndian.Uint64(hdr[:]); txn != wantTxn {
		s.logger.Debug("index snapshot out of date",
			"snapshot_txn", txn, "last_txn", wantTxn)
		return nil
	}

	ix, err := index.ReadSnapshot(f)
	if err != nil {
		s.logger.Warn("corrupt index snapshot, rebuilding from log", "error", err)
		return nil
	}
	return ix
}

// Rollback discards all uncommitted entries, restoring the in-memory
// state and the log to the last commit.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}

	// Undo in-memory effects in reverse order.
	for i := len(s.pending) - 1; i >= 0; i-- {
		op := s.pending[i]
		switch op.kind {
		case KindPut:
			if _, err := s.idx.ApplyDelete(op.id); err != nil {
				return fmt.Errorf("segment: rollback undo put: %w", err)
			}
			if op.setLoc {
				if op.hadLoc {
					s.locations[op.id] = op.prevLoc
				} else {
					delete(s.locations, op.id)
				}
			}
		case KindDelete:
			s.idx.ApplyPut(op.id, op.size, op.stored)
		}
	}

	// Cut the log back to the durable high-water mark.
	if s.current.seq != s.commitSeq {
		if err := s.current.close(); err != nil {
			return err
		}
		for seq := s.commitSeq + 1; seq <= s.current.seq; seq++ {
			path := filepath.Join(s.dir, segmentName(seq))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("segment: removing rolled-back segment %d: %w", seq, err)
			}
		}
		w, err := openSegmentWriter(s.dir, s.commitSeq)
		if err != nil {
			return err
		}
		s.current = w
	}
	if err := s.current.truncate(s.commitOff); err != nil {
		return err
	}

	s.pending = nil
	s.dirty = false
	return nil
}

// Get returns the stored bytes of a live chunk.
func (s *Store) Get(id dedupstore.ID) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	if !s.idx.Has(id) {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.ShortString())
	}
	loc, ok := s.locations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("segment: live chunk %s has no stored payload", id.ShortString())
	}

	f, err := os.Open(filepath.Join(s.dir, segmentName(loc.seq)))
	if err != nil {
		return nil, fmt.Errorf("segment: opening segment %d: %w", loc.seq, err)
	}
	defer func() { _ = f.Close() }()

	payload := make([]byte, loc.length)
	if _, err := f.ReadAt(payload, loc.offset); err != nil {
		return nil, fmt.Errorf("segment: reading chunk %s: %w", id.ShortString(), err)
	}
	return payload, nil
}

// List returns the identifiers of all live chunks.
func (s *Store) List() []dedupstore.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.IDs()
}

// Index returns the store's chunk index. The caller must treat it as
// read-only; it is mutated by the store's writer.
func (s *Store) Index() *index.Index {
	return s.idx
}

// LastTxn returns the id of the last committed transaction, zero if
// none.
func (s *Store) LastTxn() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTxn
}

// OldestTxn returns the oldest transaction id still replayable from
// the log. A client whose cached state predates this must rebuild.
func (s *Store) OldestTxn() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oldestTxn
}

// Replay calls fn with every committed operation belonging to a
// transaction after sinceTxn, in log order. Payload bytes are not
// materialised.
func (s *Store) Replay(sinceTxn uint64, fn func(Op) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	seqs, err := listSegments(s.dir)
	commitSeq, commitOff := s.commitSeq, s.commitOff
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	var buffered []Op
	for _, seq := range seqs {
		if seq > commitSeq {
			break
		}
		path := filepath.Join(s.dir, segmentName(seq))
		_, err := scanSegment(path, func(e Entry, offset, size int64) error {
			// Uncommitted tail entries of the current segment are
			// not part of durable state.
			if seq == commitSeq && offset >= commitOff {
				return nil
			}
			switch e.Kind {
			case KindPut:
				buffered = append(buffered, Op{
					Kind: KindPut, ID: e.ID, Size: e.Size, StoredSize: uint32(len(e.Payload)),
				})
			case KindDelete:
				buffered = append(buffered, Op{Kind: KindDelete, ID: e.ID})
			case KindCommit:
				if e.Txn > sinceTxn {
					for i := range buffered {
						buffered[i].Txn = e.Txn
						if err := fn(buffered[i]); err != nil {
							return err
						}
					}
				}
				buffered = buffered[:0]
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("segment: replaying segment %d: %w", seq, err)
		}
	}
	return nil
}

// Check walks the entire log verifying entry structure and checksums.
// It returns the number of entries verified.
func (s *Store) Check() (int, error) {
	s.mu.RLock()
	seqs, err := listSegments(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	entries := 0
	for _, seq := range seqs {
		path := filepath.Join(s.dir, segmentName(seq))
		_, err := scanSegment(path, func(e Entry, offset, size int64) error {
			entries++
			return nil
		})
		if err != nil {
			return entries, fmt.Errorf("segment %d: %w", seq, err)
		}
	}
	return entries, nil
}

// Close syncs and closes the store. Uncommitted entries are left in
// place; the next Open discards them, exactly as after a crash.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.current.sync(); err != nil {
		return err
	}
	return s.current.close()
}
