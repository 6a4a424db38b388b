package codec

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// nonceReservation is how far ahead of the highest handed-out value
// the on-disk counter is kept. A crash can burn up to this many
// nonces but can never replay one: the persisted value is always an
// upper bound on everything already used.
const nonceReservation = 4096

// NonceSeq is a strictly monotonic counter backing AEAD nonces,
// persisted so restarts resume above every previously used value.
// Safe for concurrent use.
type NonceSeq struct {
	mu       sync.Mutex
	path     string
	next     uint64 // next value to hand out
	reserved uint64 // exclusive upper bound already durable on disk
}

// OpenNonceSeq opens (or creates) the nonce counter at path. A
// missing file starts the sequence at zero; a present file resumes at
// the persisted reservation bound.
func OpenNonceSeq(path string) (*NonceSeq, error) {
	s := &NonceSeq{path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh repository; first Next reserves from zero.
	case err != nil:
		return nil, fmt.Errorf("codec: reading nonce counter: %w", err)
	case len(data) != 8:
		return nil, fmt.Errorf("codec: nonce counter file is %d bytes, want 8", len(data))
	default:
		s.next = binary.BigEndian.Uint64(data)
		s.reserved = s.next
	}
	return s, nil
}

// Next returns the next counter value, extending the durable
// reservation first whenever the in-memory position catches up to it.
func (s *NonceSeq) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.reserved {
		bound := s.next + nonceReservation
		if err := s.persist(bound); err != nil {
			return 0, err
		}
		s.reserved = bound
	}

	v := s.next
	s.next++
	return v, nil
}

// Close persists the exact next value, releasing the unused part of
// the reservation for the following session.
func (s *NonceSeq) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.next)
}

// persist writes the counter bound atomically: temp file, fsync,
// rename. The bound must be durable before any nonce below it is
// used.
func (s *NonceSeq) persist(bound uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bound)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".nonce-*")
	if err != nil {
		return fmt.Errorf("codec: creating nonce temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf[:]); err != nil {
		return fmt.Errorf("codec: writing nonce counter: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("codec: syncing nonce counter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("codec: closing nonce temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("codec: renaming nonce counter: %w", err)
	}

	success = true
	return nil
}
