package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	dedupstore "github.com/wolfeidau/dedup-store"
)

// Snapshot layout: MAGIC (4) | VERSION (1) | COUNT (uint64 BE) |
// COUNT fixed-width entries | XXH64 of all preceding bytes.
// Fixed-width entries keep the snapshot compact and loadable without
// per-entry parsing decisions even at tens of millions of chunks.

var (
	// snapshotMagic is the 4-byte prefix of index snapshot files.
	snapshotMagic = []byte("DSIX")

	// ErrSnapshotCorrupt is returned for any structural or checksum
	// failure while loading a snapshot. Callers treat it as "rebuild
	// from the log", never as partial data.
	ErrSnapshotCorrupt = errors.New("index: snapshot corrupt")
)

const (
	snapshotVersion = 0x01

	// entryWidth is the serialised size of one entry:
	// id (32) + refcount (4) + size (4) + stored size (4).
	entryWidth = dedupstore.IDSize + 4 + 4 + 4

	// maxPreallocEntries caps the map capacity taken from the header
	// count. The count is not covered by anything until the trailing
	// checksum, so a corrupt header must not drive allocation; the map
	// grows past this as entries actually arrive.
	maxPreallocEntries = 1 << 20
)

// WriteTo serialises the index. Implements io.WriterTo.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	h := xxhash.New()
	bw := bufio.NewWriter(io.MultiWriter(w, h))

	var written int64
	if _, err := bw.Write(snapshotMagic); err != nil {
		return written, fmt.Errorf("index: writing snapshot magic: %w", err)
	}
	if err := bw.WriteByte(snapshotVersion); err != nil {
		return written, fmt.Errorf("index: writing snapshot version: %w", err)
	}

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(ix.entries)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return written, fmt.Errorf("index: writing snapshot count: %w", err)
	}

	var buf [entryWidth]byte
	for id, e := range ix.entries {
		copy(buf[:dedupstore.IDSize], id[:])
		binary.BigEndian.PutUint32(buf[32:], e.Refcount)
		binary.BigEndian.PutUint32(buf[36:], e.Size)
		binary.BigEndian.PutUint32(buf[40:], e.StoredSize)
		if _, err := bw.Write(buf[:]); err != nil {
			return written, fmt.Errorf("index: writing snapshot entry: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("index: flushing snapshot: %w", err)
	}
	written = int64(4 + 1 + 8 + len(ix.entries)*entryWidth)

	// Trailing checksum covers everything written so far. It goes
	// straight to w, not through the hashing writer.
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	if _, err := w.Write(sum[:]); err != nil {
		return written, fmt.Errorf("index: writing snapshot checksum: %w", err)
	}
	return written + 8, nil
}

// ReadSnapshot deserialises an index written by WriteTo. Any
// malformation returns ErrSnapshotCorrupt; the caller falls back to a
// full rebuild from the log.
func ReadSnapshot(r io.Reader) (*Index, error) {
	h := xxhash.New()
	br := bufio.NewReader(r)
	tr := io.TeeReader(br, h)

	header := make([]byte, 4+1+8)
	if _, err := io.ReadFull(tr, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrSnapshotCorrupt, err)
	}
	if string(header[:4]) != string(snapshotMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
	}
	if header[4] != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, header[4])
	}
	count := binary.BigEndian.Uint64(header[5:])

	prealloc := count
	if prealloc > maxPreallocEntries {
		prealloc = maxPreallocEntries
	}
	ix := NewWithCapacity(int(prealloc))
	var buf [entryWidth]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(tr, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated at entry %d: %v", ErrSnapshotCorrupt, i, err)
		}
		var id dedupstore.ID
		copy(id[:], buf[:dedupstore.IDSize])
		ix.entries[id] = Entry{
			Refcount:   binary.BigEndian.Uint32(buf[32:]),
			Size:       binary.BigEndian.Uint32(buf[36:]),
			StoredSize: binary.BigEndian.Uint32(buf[40:]),
		}
	}

	want := h.Sum64()
	var sum [8]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: missing checksum: %v", ErrSnapshotCorrupt, err)
	}
	if binary.BigEndian.Uint64(sum[:]) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupt)
	}
	return ix, nil
}
