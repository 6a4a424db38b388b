package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentSuffix = ".seg"

// segmentName returns the file name for a segment sequence number.
// Zero-padded so lexical order equals creation order.
func segmentName(seq uint32) string {
	return fmt.Sprintf("%08d%s", seq, segmentSuffix)
}

// parseSegmentName extracts the sequence number from a segment file
// name.
func parseSegmentName(name string) (uint32, bool) {
	base, ok := strings.CutSuffix(name, segmentSuffix)
	if !ok || len(base) != 8 {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// listSegments returns the sequence numbers of all segment files in
// dir, in creation order. Unrecognised files are ignored.
func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: listing %s: %w", dir, err)
	}
	var seqs []uint32
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(de.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// segmentWriter appends entries to one segment file.
type segmentWriter struct {
	f    *os.File
	seq  uint32
	size int64
}

// openSegmentWriter opens (or creates) the segment file for seq in
// dir, positioned for appending.
func openSegmentWriter(dir string, seq uint32) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentName(seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: opening %s: %w", path, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: seeking %s: %w", path, err)
	}
	return &segmentWriter{f: f, seq: seq, size: size}, nil
}

// append writes data at the end of the segment and returns the byte
// offset it landed at.
func (w *segmentWriter) append(data []byte) (int64, error) {
	offset := w.size
	if _, err := w.f.WriteAt(data, offset); err != nil {
		return 0, fmt.Errorf("segment: appending to segment %d: %w", w.seq, err)
	}
	w.size += int64(len(data))
	return offset, nil
}

func (w *segmentWriter) sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("segment: syncing segment %d: %w", w.seq, err)
	}
	return nil
}

func (w *segmentWriter) close() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("segment: closing segment %d: %w", w.seq, err)
	}
	return nil
}

// truncate cuts the segment back to size bytes, discarding anything
// appended after that point.
func (w *segmentWriter) truncate(size int64) error {
	if err := w.f.Truncate(size); err != nil {
		return fmt.Errorf("segment: truncating segment %d: %w", w.seq, err)
	}
	w.size = size
	return nil
}

// scanSegment reads entries from the segment file at path in order,
// calling fn with each entry, its starting offset and encoded size.
// It returns the offset where scanning stopped and, for physical
// damage, an error wrapping ErrCorruptEntry; a clean end of file
// returns a nil error. Errors returned by fn abort the scan.
func scanSegment(path string, fn func(e Entry, offset, size int64) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("segment: opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	for {
		e, consumed, err := readEntry(br)
		if err == io.EOF {
			return offset, nil
		}
		if errors.Is(err, ErrCorruptEntry) {
			return offset, err
		}
		if err != nil {
			return offset, err
		}
		if err := fn(e, offset, consumed); err != nil {
			return offset, err
		}
		offset += consumed
	}
}
