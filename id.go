// Package dedupstore provides the core types for the dedup-store
// content-addressed backup engine: chunk identifiers and the key
// material they derive from.
package dedupstore

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// IDSize is the size of a chunk identifier in bytes (256 bits).
const IDSize = 32

// ID is a keyed BLAKE3 digest identifying a chunk by its plaintext.
// Identical plaintext under the same key set always yields the same
// ID; without the key an ID reveals nothing about the plaintext.
type ID [IDSize]byte

// ManifestID is the reserved identifier under which the repository
// manifest is stored. No keyed hash output collides with it in
// practice, so the slot is safe to reserve.
var ManifestID = ID{}

// String returns the hex-encoded representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation for display.
func (id ID) ShortString() string {
	return hex.EncodeToString(id[:8])
}

// IsZero returns true if the ID is all zeros. The zero value doubles
// as the manifest slot, so callers that mean "unset" must check this
// before use.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) != IDSize*2 {
		return fmt.Errorf("invalid id length: expected %d hex chars, got %d", IDSize*2, len(text))
	}
	_, err := hex.Decode(id[:], text)
	return err
}

// ParseID parses a hex-encoded identifier string.
func ParseID(s string) (ID, error) {
	var id ID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return ID{}, err
	}
	return id, nil
}

// IDer computes chunk identifiers using BLAKE3 in keyed mode. The key
// comes from KeySet.IDKey, so identifiers are unguessable without the
// repository secret while remaining deterministic within it.
type IDer struct {
	key [KeySize]byte
}

// NewIDer creates an IDer from a 32-byte identifier key.
func NewIDer(key [KeySize]byte) *IDer {
	return &IDer{key: key}
}

// ID computes the identifier for the given chunk plaintext.
func (d *IDer) ID(data []byte) ID {
	h, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		// NewKeyed only fails for a key that is not 32 bytes, which
		// the array type rules out.
		panic("dedupstore: keyed hasher init: " + err.Error())
	}
	_, _ = h.Write(data)
	var id ID
	h.Sum(id[:0])
	return id
}

// IDReader wraps a reader and computes the chunk identifier as data
// is read.
type IDReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewIDReader creates a reader that computes an identifier as data
// is read.
func (d *IDer) NewIDReader(r io.Reader) *IDReader {
	h, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		panic("dedupstore: keyed hasher init: " + err.Error())
	}
	return &IDReader{r: r, h: h}
}

// Read implements io.Reader.
func (ir *IDReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		_, _ = ir.h.Write(p[:n])
		ir.n += int64(n)
	}
	return n, err
}

// Sum returns the identifier of all data read so far.
func (ir *IDReader) Sum() ID {
	var id ID
	ir.h.Sum(id[:0])
	return id
}

// BytesRead returns the total number of bytes read.
func (ir *IDReader) BytesRead() int64 {
	return ir.n
}
