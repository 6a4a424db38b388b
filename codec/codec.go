// Package codec implements the chunk codec pipeline: compress, then
// authenticated-encrypt on the way in; decrypt, decompress and verify
// the chunk identifier on the way out. All of it runs client-side;
// stored bytes leaving this package are opaque to whatever holds them.
package codec

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	dedupstore "github.com/wolfeidau/dedup-store"
)

// Version is the format version byte prepended to every stored chunk.
// It is bound into the AEAD additional data, so tampering with it
// fails authentication.
const Version byte = 0x01

// maxPlaintextSize bounds the declared plaintext size accepted during
// decompression, guarding against a corrupt length prefix allocating
// unbounded memory. Far above any legal chunk size.
const maxPlaintextSize = 64 * 1024 * 1024

// Overhead is the fixed per-chunk byte overhead of the stored form:
// version byte, nonce, compression tag and the Poly1305 tag.
const Overhead = 1 + chacha20poly1305.NonceSize + 1 + chacha20poly1305.Overhead

// ErrIntegrity is returned when a stored chunk fails authentication
// or the decoded plaintext does not hash back to the requested
// identifier. It is fatal for that chunk, never silently repaired.
var ErrIntegrity = errors.New("codec: chunk integrity failure")

// Result describes one encoded chunk: the two byte lengths the
// metadata layer records for every reference.
type Result struct {
	// Size is the chunk plaintext length.
	Size uint32
	// StoredSize is the length of the stored (compressed and
	// encrypted) form.
	StoredSize uint32
}

// Pipeline encodes and decodes chunks for one repository key set.
// Encode is safe for concurrent use; every nonce comes from the
// strictly monotonic sequence so no two encryptions ever share one.
type Pipeline struct {
	aead   cipher.AEAD
	ider   *dedupstore.IDer
	tag    CompressionTag
	nonces *NonceSeq
}

// New creates a Pipeline from the repository key set, the configured
// compression codec and a nonce sequence.
func New(keys *dedupstore.KeySet, tag CompressionTag, nonces *NonceSeq) (*Pipeline, error) {
	dataKey := keys.DataKey()
	aead, err := chacha20poly1305.New(dataKey[:])
	if err != nil {
		return nil, fmt.Errorf("codec: creating cipher: %w", err)
	}
	return &Pipeline{
		aead:   aead,
		ider:   keys.IDer(),
		tag:    tag,
		nonces: nonces,
	}, nil
}

// ID computes the chunk identifier for the given plaintext.
func (p *Pipeline) ID(plaintext []byte) dedupstore.ID {
	return p.ider.ID(plaintext)
}

// Encode compresses and encrypts plaintext for storage under id.
// Stored layout:
//
//	[Version: 1 byte] [Nonce: 12 bytes] [Ciphertext+Tag]
//
// where the ciphertext decrypts to [CompressionTag: 1 byte][payload].
// The version byte and the chunk id are additional authenticated
// data, binding the stored bytes to their identifier.
func (p *Pipeline) Encode(plaintext []byte, id dedupstore.ID) ([]byte, Result, error) {
	payload, err := compress(plaintext, p.tag)
	if err != nil {
		return nil, Result{}, err
	}

	// Never expand a chunk through compression: fall back to the
	// plaintext with the none marker if the codec gained nothing.
	tag := p.tag
	if len(payload) >= len(plaintext) {
		payload = plaintext
		tag = CompressionNone
	}

	counter, err := p.nonces.Next()
	if err != nil {
		return nil, Result{}, fmt.Errorf("codec: reserving nonce: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)

	inner := make([]byte, 1+len(payload))
	inner[0] = byte(tag)
	copy(inner[1:], payload)

	stored := make([]byte, 1+chacha20poly1305.NonceSize, 1+chacha20poly1305.NonceSize+len(inner)+p.aead.Overhead())
	stored[0] = Version
	copy(stored[1:], nonce[:])
	stored = p.aead.Seal(stored, nonce[:], inner, buildAAD(Version, id))

	return stored, Result{
		Size:       uint32(len(plaintext)),
		StoredSize: uint32(len(stored)),
	}, nil
}

// Decode decrypts and decompresses a stored chunk and verifies that
// the recovered plaintext hashes back to id. Any authentication or
// identifier mismatch returns ErrIntegrity.
func (p *Pipeline) Decode(stored []byte, id dedupstore.ID) ([]byte, error) {
	if len(stored) < Overhead {
		return nil, fmt.Errorf("%w: stored chunk is %d bytes, minimum is %d", ErrIntegrity, len(stored), Overhead)
	}
	if stored[0] != Version {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrIntegrity, stored[0])
	}

	nonce := stored[1 : 1+chacha20poly1305.NonceSize]
	ciphertext := stored[1+chacha20poly1305.NonceSize:]

	inner, err := p.aead.Open(nil, nonce, ciphertext, buildAAD(stored[0], id))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed for %s: %v", ErrIntegrity, id.ShortString(), err)
	}
	if len(inner) < 1 {
		return nil, fmt.Errorf("%w: empty inner payload for %s", ErrIntegrity, id.ShortString())
	}

	plaintext, err := decompress(inner[1:], CompressionTag(inner[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	// The reserved zero identifier addresses the manifest slot by
	// position, not by content; the AEAD binding above already
	// authenticates it.
	if id.IsZero() {
		return plaintext, nil
	}

	if got := p.ider.ID(plaintext); got != id {
		return nil, fmt.Errorf("%w: identifier mismatch, requested %s got %s",
			ErrIntegrity, id.ShortString(), got.ShortString())
	}
	return plaintext, nil
}

// buildAAD constructs the additional authenticated data: the version
// byte followed by the chunk identifier. Binding the id prevents a
// stored chunk from being swapped into another identifier's slot.
func buildAAD(version byte, id dedupstore.ID) []byte {
	aad := make([]byte, 1+len(id))
	aad[0] = version
	copy(aad[1:], id[:])
	return aad
}
