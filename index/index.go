// Package index provides the in-memory chunk index: the map from
// chunk identifier to refcount and sizes that drives deduplication.
// The index is always derivable from the segment log by replay; the
// persisted snapshot in the local cache is purely an optimisation.
package index

import (
	"errors"
	"fmt"
	"sync"

	dedupstore "github.com/wolfeidau/dedup-store"
)

// ErrNotFound is returned when an identifier is not in the index.
var ErrNotFound = errors.New("index: chunk not found")

// Entry holds the per-chunk bookkeeping. Refcount counts live logical
// references across all committed archives; Size and StoredSize are
// the plaintext and post-codec byte lengths.
type Entry struct {
	Refcount   uint32
	Size       uint32
	StoredSize uint32
}

// Stats summarises an index.
type Stats struct {
	UniqueChunks int
	TotalRefs    uint64
	TotalSize    uint64
	TotalStored  uint64
}

// Index is the chunk index. A single writer mutates it while any
// number of readers look up entries, matching the repository's
// one-writer concurrency model.
type Index struct {
	mu      sync.RWMutex
	entries map[dedupstore.ID]Entry
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[dedupstore.ID]Entry)}
}

// NewWithCapacity creates an empty index pre-sized for n entries.
// Used for rebuilds where the chunk count is roughly known.
func NewWithCapacity(n int) *Index {
	return &Index{entries: make(map[dedupstore.ID]Entry, n)}
}

// Get returns the entry for id.
func (ix *Index) Get(id dedupstore.ID) (Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Has reports whether id is present with a live reference.
func (ix *Index) Has(id dedupstore.ID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return ok && e.Refcount > 0
}

// ApplyPut records one logical reference to id. The first reference
// creates the entry with the given sizes; later references only
// increment the refcount (their size fields must agree but the first
// write wins; a reference put replayed from the log carries the
// same values).
func (ix *Index) ApplyPut(id dedupstore.ID, size, storedSize uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		ix.entries[id] = Entry{Refcount: 1, Size: size, StoredSize: storedSize}
		return
	}
	e.Refcount++
	ix.entries[id] = e
}

// ApplyDelete removes one logical reference to id, deleting the entry
// when the refcount reaches zero. Returns the remaining refcount.
func (ix *Index) ApplyDelete(id dedupstore.ID) (uint32, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id.ShortString())
	}
	e.Refcount--
	if e.Refcount == 0 {
		delete(ix.entries, id)
		return 0, nil
	}
	ix.entries[id] = e
	return e.Refcount, nil
}

// Remove drops id outright regardless of refcount. Used by
// compaction after a chunk's storage has been reclaimed.
func (ix *Index) Remove(id dedupstore.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Iter calls fn for every entry until fn returns false. The index
// must not be mutated from within fn.
func (ix *Index) Iter(fn func(id dedupstore.ID, e Entry) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for id, e := range ix.entries {
		if !fn(id, e) {
			return
		}
	}
}

// IDs returns all identifiers currently in the index. Order is
// unspecified.
func (ix *Index) IDs() []dedupstore.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]dedupstore.ID, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	return ids
}

// Stats computes summary statistics.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{UniqueChunks: len(ix.entries)}
	for _, e := range ix.entries {
		s.TotalRefs += uint64(e.Refcount)
		s.TotalSize += uint64(e.Size)
		s.TotalStored += uint64(e.StoredSize)
	}
	return s
}

// Clone returns a deep copy. The cache layer snapshots the index
// without blocking the writer for the duration of serialisation.
func (ix *Index) Clone() *Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := NewWithCapacity(len(ix.entries))
	for id, e := range ix.entries {
		out.entries[id] = e
	}
	return out
}
