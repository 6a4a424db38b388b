package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/index"
)

// ErrCompactionInvariant is returned when compaction would lose a
// still-referenced chunk. The run is aborted and the prior state left
// intact.
var ErrCompactionInvariant = errors.New("segment: compaction would drop a live chunk")

// ErrUncommitted is returned when compaction is requested while a
// transaction is open.
var ErrUncommitted = errors.New("segment: uncommitted transaction")

// CompactResult summarises a compaction run.
type CompactResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	LiveChunks     int           `json:"live_chunks"`
	BytesBefore    int64         `json:"bytes_before"`
	BytesAfter     int64         `json:"bytes_after"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
}

// Compact rewrites the log keeping only live state: one payload PUT
// per chunk with refcount above zero, followed by reference PUTs for
// its remaining references. Superseded PUT/DELETE pairs and
// dereferenced chunks are dropped. The rewrite is staged in a
// separate directory and swapped in with two renames, so a crash at
// any point recovers to either the old or the new generation, never
// a mix. Compaction is itself a transaction.
//
// The compacted log ends with a COMMIT carrying the current
// transaction id: compaction changes no logical state, so a client
// caught up to the last transaction stays caught up. History before
// it becomes unreplayable, which OldestTxn reflects.
func (s *Store) Compact(ctx context.Context) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.dirty {
		return nil, ErrUncommitted
	}
	if s.lastTxn == 0 {
		// Nothing committed, nothing to rewrite.
		return &CompactResult{StartedAt: time.Now()}, nil
	}

	result := &CompactResult{StartedAt: time.Now()}
	result.BytesBefore = s.logSizeLocked()

	staging := filepath.Join(s.root, compactDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("segment: clearing compaction staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("segment: creating compaction staging: %w", err)
	}

	cleanup := func() { _ = os.RemoveAll(staging) }

	writer, err := openSegmentWriter(staging, 0)
	if err != nil {
		cleanup()
		return nil, err
	}
	newLocations := make(map[dedupstore.ID]location, len(s.locations))

	var walkErr error
	s.idx.Iter(func(id dedupstore.ID, e index.Entry) bool {
		if ctx.Err() != nil {
			walkErr = ctx.Err()
			return false
		}
		if e.Refcount == 0 {
			return true
		}

		loc, ok := s.locations[id]
		if !ok {
			walkErr = fmt.Errorf("%w: %s has %d references but no payload",
				ErrCompactionInvariant, id.ShortString(), e.Refcount)
			return false
		}

		payload, err := s.readPayloadLocked(loc)
		if err != nil {
			walkErr = fmt.Errorf("segment: compaction read %s: %w", id.ShortString(), err)
			return false
		}

		writer, walkErr = s.compactAppend(staging, writer, Entry{
			Kind: KindPut, ID: id, Size: e.Size, Payload: payload,
		}, newLocations)
		if walkErr != nil {
			return false
		}
		for i := uint32(1); i < e.Refcount; i++ {
			writer, walkErr = s.compactAppend(staging, writer, Entry{
				Kind: KindPut, ID: id, Size: e.Size,
			}, newLocations)
			if walkErr != nil {
				return false
			}
		}

		result.LiveChunks++
		return true
	})
	if walkErr != nil {
		_ = writer.close()
		cleanup()
		return nil, walkErr
	}

	// Seal the compacted generation with the current transaction id.
	buf, err := appendEntry(nil, Entry{Kind: KindCommit, Txn: s.lastTxn})
	if err != nil {
		_ = writer.close()
		cleanup()
		return nil, err
	}
	if _, err := writer.append(buf); err != nil {
		_ = writer.close()
		cleanup()
		return nil, err
	}
	if err := writer.sync(); err != nil {
		_ = writer.close()
		cleanup()
		return nil, err
	}
	commitSeq := writer.seq
	commitOff := writer.size
	if err := writer.close(); err != nil {
		cleanup()
		return nil, err
	}

	// Swap generations. Recovery in Open handles a crash between any
	// of these steps.
	if err := s.current.close(); err != nil {
		cleanup()
		return nil, err
	}
	old := filepath.Join(s.root, oldDir)
	if err := os.Rename(s.dir, old); err != nil {
		cleanup()
		return nil, fmt.Errorf("segment: staging old generation: %w", err)
	}
	if err := os.Rename(staging, s.dir); err != nil {
		// The old generation is still intact under data.old; Open
		// will restore it. This process can no longer continue.
		return nil, fmt.Errorf("segment: swapping compacted generation: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("could not remove pre-compaction generation", "error", err)
	}

	// Adopt the new generation in memory.
	s.locations = newLocations
	s.commitSeq = commitSeq
	s.commitOff = commitOff
	s.oldestTxn = s.lastTxn
	s.current, err = openSegmentWriter(s.dir, commitSeq)
	if err != nil {
		return nil, err
	}

	result.BytesAfter = s.logSizeLocked()
	result.BytesReclaimed = result.BytesBefore - result.BytesAfter
	result.Duration = time.Since(result.StartedAt)

	s.logger.Info("compaction complete",
		"live_chunks", result.LiveChunks,
		"bytes_reclaimed", result.BytesReclaimed,
		"duration", result.Duration,
	)
	return result, nil
}

// compactAppend appends an entry to the staged generation, rotating
// staging segments at the configured threshold, and records the
// payload location for adoption after the swap.
func (s *Store) compactAppend(staging string, w *segmentWriter, e Entry, locs map[dedupstore.ID]location) (*segmentWriter, error) {
	if w.size >= s.cfg.SegmentSize {
		if err := w.sync(); err != nil {
			return w, err
		}
		if err := w.close(); err != nil {
			return w, err
		}
		next, err := openSegmentWriter(staging, w.seq+1)
		if err != nil {
			return w, err
		}
		w = next
	}

	buf, err := appendEntry(nil, e)
	if err != nil {
		return w, err
	}
	offset, err := w.append(buf)
	if err != nil {
		return w, err
	}
	if len(e.Payload) > 0 {
		locs[e.ID] = location{
			seq:    w.seq,
			offset: offset + lenWidth + putFixedLen,
			length: uint32(len(e.Payload)),
		}
	}
	return w, nil
}

// readPayloadLocked reads a chunk payload directly from a segment
// file. Callers hold at least the read lock.
func (s *Store) readPayloadLocked(loc location) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.dir, segmentName(loc.seq)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	payload := make([]byte, loc.length)
	if _, err := f.ReadAt(payload, loc.offset); err != nil {
		return nil, err
	}
	return payload, nil
}

// logSizeLocked sums the size of all segment files.
func (s *Store) logSizeLocked() int64 {
	seqs, err := listSegments(s.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, seq := range seqs {
		if info, err := os.Stat(filepath.Join(s.dir, segmentName(seq))); err == nil {
			total += info.Size()
		}
	}
	return total
}
