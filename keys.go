package dedupstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of all symmetric keys derived from the
// repository secret: the identifier key, the data encryption key, and
// the key-check value.
const KeySize = 32

// HKDF info strings. These provide domain separation between the
// derivation paths; changing any of them invalidates every identifier
// or ciphertext produced under that path.
var (
	hkdfInfoID   = []byte("dedup-store.id.v1")
	hkdfInfoData = []byte("dedup-store.data.v1")
)

// keyCheckDomain is the input to the keyed hash that produces the
// key-check value stored in the repository config. Verifying it on
// open distinguishes "wrong secret" from "corrupt repository".
var keyCheckDomain = []byte("dedup-store.keycheck.v1")

// KeySet holds the keys derived from a repository secret. The secret
// itself is not retained; only the derived keys are.
type KeySet struct {
	idKey   [KeySize]byte
	dataKey [KeySize]byte
}

// NewKeySet derives the repository key set from a secret using
// HKDF-SHA256. The secret must be at least 16 bytes.
func NewKeySet(secret []byte) (*KeySet, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("repository secret must be at least 16 bytes, got %d", len(secret))
	}
	ks := &KeySet{}
	if err := deriveKey(secret, hkdfInfoID, ks.idKey[:]); err != nil {
		return nil, err
	}
	if err := deriveKey(secret, hkdfInfoData, ks.dataKey[:]); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewRandomSecret generates a fresh 32-byte repository secret.
func NewRandomSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating repository secret: %w", err)
	}
	return secret, nil
}

// IDKey returns the identifier key for keyed chunk hashing.
func (ks *KeySet) IDKey() [KeySize]byte {
	return ks.idKey
}

// DataKey returns the data encryption key for the codec pipeline.
func (ks *KeySet) DataKey() [KeySize]byte {
	return ks.dataKey
}

// IDer returns an identifier computer bound to this key set.
func (ks *KeySet) IDer() *IDer {
	return NewIDer(ks.idKey)
}

// KeyCheck returns the key-check value for this key set. It is stored
// in the repository config at init time and compared on open.
func (ks *KeySet) KeyCheck() [KeySize]byte {
	h, err := blake3.NewKeyed(ks.idKey[:])
	if err != nil {
		panic("dedupstore: keyed hasher init: " + err.Error())
	}
	_, _ = h.Write(keyCheckDomain)
	var check [KeySize]byte
	h.Sum(check[:0])
	return check
}

// VerifyKeyCheck reports whether the stored key-check value matches
// this key set, in constant time.
func (ks *KeySet) VerifyKeyCheck(stored [KeySize]byte) bool {
	check := ks.KeyCheck()
	return subtle.ConstantTimeCompare(check[:], stored[:]) == 1
}

// deriveKey is the shared HKDF-SHA256 derivation. The salt is nil:
// the secret is caller-generated random material, so the extract
// phase with a zero salt is appropriate per RFC 5869.
func deriveKey(secret, info, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("deriving key: %w", err)
	}
	return nil
}
