package codec

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	dedupstore "github.com/wolfeidau/dedup-store"
)

func newTestPipeline(t *testing.T, tag CompressionTag) *Pipeline {
	t.Helper()

	keys, err := dedupstore.NewKeySet([]byte("test-secret-0123456789abcdef"))
	require.NoError(t, err)

	nonces, err := OpenNonceSeq(filepath.Join(t.TempDir(), "nonce"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = nonces.Close() })

	p, err := New(keys, tag, nonces)
	require.NoError(t, err)
	return p
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tags := []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd}
	inputs := [][]byte{
		[]byte("hello world"),
		bytes.Repeat([]byte("compressible content "), 1000),
		nil,
	}
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 64*1024)
	_, err := rng.Read(random)
	require.NoError(t, err)
	inputs = append(inputs, random)

	for _, tag := range tags {
		t.Run(tag.String(), func(t *testing.T) {
			p := newTestPipeline(t, tag)
			for _, plaintext := range inputs {
				id := p.ID(plaintext)
				stored, res, err := p.Encode(plaintext, id)
				require.NoError(t, err)
				require.Equal(t, uint32(len(plaintext)), res.Size)
				require.Equal(t, uint32(len(stored)), res.StoredSize)

				got, err := p.Decode(stored, id)
				require.NoError(t, err)
				if len(plaintext) == 0 {
					require.Empty(t, got)
				} else {
					require.Equal(t, plaintext, got)
				}
			}
		})
	}
}

func TestManifestSlotRoundTrip(t *testing.T) {
	p := newTestPipeline(t, CompressionZstd)

	// The manifest is stored under the reserved zero identifier, so
	// its content never hashes back to its address.
	manifest := []byte("archive map bytes, not content-addressed")
	stored, _, err := p.Encode(manifest, dedupstore.ManifestID)
	require.NoError(t, err)

	got, err := p.Decode(stored, dedupstore.ManifestID)
	require.NoError(t, err)
	require.Equal(t, manifest, got)

	// Still authenticated: the slot binding is part of the AEAD data.
	_, err = p.Decode(stored, p.ID(manifest))
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestEncodeNeverExpands(t *testing.T) {
	p := newTestPipeline(t, CompressionZstd)

	// Incompressible input must be stored raw plus fixed overhead.
	rng := rand.New(rand.NewSource(7))
	plaintext := make([]byte, 32*1024)
	_, err := rng.Read(plaintext)
	require.NoError(t, err)

	id := p.ID(plaintext)
	stored, _, err := p.Encode(plaintext, id)
	require.NoError(t, err)
	require.LessOrEqual(t, len(stored), len(plaintext)+Overhead)

	got, err := p.Decode(stored, id)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncodeCompressesShrinkableContent(t *testing.T) {
	p := newTestPipeline(t, CompressionZstd)

	plaintext := bytes.Repeat([]byte("the same line again and again\n"), 2000)
	id := p.ID(plaintext)
	stored, res, err := p.Encode(plaintext, id)
	require.NoError(t, err)
	require.Less(t, len(stored), len(plaintext)/2)
	require.Less(t, res.StoredSize, res.Size)
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	p := newTestPipeline(t, CompressionNone)

	plaintext := []byte("authenticated content")
	id := p.ID(plaintext)
	stored, _, err := p.Encode(plaintext, id)
	require.NoError(t, err)

	stored[len(stored)-1] ^= 0x01
	_, err = p.Decode(stored, id)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecodeRejectsSwappedIdentifier(t *testing.T) {
	p := newTestPipeline(t, CompressionNone)

	a := []byte("chunk a")
	idA := p.ID(a)
	storedA, _, err := p.Encode(a, idA)
	require.NoError(t, err)

	// Requesting chunk A's bytes under chunk B's identifier must fail
	// authentication: the id is bound into the AAD.
	idB := p.ID([]byte("chunk b"))
	_, err = p.Decode(storedA, idB)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	p := newTestPipeline(t, CompressionNone)
	_, err := p.Decode([]byte{Version, 0x00}, dedupstore.ID{})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestIdenticalPlaintextIdenticalID(t *testing.T) {
	p := newTestPipeline(t, CompressionNone)

	plaintext := []byte("dedup me")
	require.Equal(t, p.ID(plaintext), p.ID(plaintext))

	// But distinct encodings: the nonce differs every time.
	id := p.ID(plaintext)
	first, _, err := p.Encode(plaintext, id)
	require.NoError(t, err)
	second, _, err := p.Encode(plaintext, id)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestParseCompressionTag(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompressionTag(tag.String())
		require.NoError(t, err)
		require.Equal(t, tag, parsed)
	}
	_, err := ParseCompressionTag("brotli")
	require.Error(t, err)
}

func TestNonceSeqMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce")

	s, err := OpenNonceSeq(path)
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 10000; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		if i > 0 {
			require.Greater(t, v, prev)
		}
		prev = v
	}
	require.NoError(t, s.Close())
}

func TestNonceSeqSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce")

	s, err := OpenNonceSeq(path)
	require.NoError(t, err)

	var highest uint64
	for i := 0; i < 100; i++ {
		highest, err = s.Next()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Clean restart: continues strictly above the highest used value.
	s2, err := OpenNonceSeq(path)
	require.NoError(t, err)
	v, err := s2.Next()
	require.NoError(t, err)
	require.Greater(t, v, highest)
	require.NoError(t, s2.Close())
}

func TestNonceSeqCrashNeverReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce")

	// Simulated crash: nonces are used but Close never runs.
	s, err := OpenNonceSeq(path)
	require.NoError(t, err)

	used := map[uint64]bool{}
	var highest uint64
	for i := 0; i < nonceReservation*2+17; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		require.False(t, used[v], "nonce %d handed out twice", v)
		used[v] = true
		highest = v
	}
	// No Close: the process dies here.

	s2, err := OpenNonceSeq(path)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		v, err := s2.Next()
		require.NoError(t, err)
		require.Greater(t, v, highest)
		require.False(t, used[v], "nonce %d reused after crash", v)
		used[v] = true
	}
	require.NoError(t, s2.Close())
}
