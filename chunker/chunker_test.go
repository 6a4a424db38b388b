package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testConfig keeps chunks small so tests run over modest inputs.
func testConfig() Config {
	return Config{
		MinSize:    2 * 1024,
		MaxSize:    16 * 1024,
		MaskBits:   12,
		WindowSize: 48,
	}
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestChunkerCoversStream(t *testing.T) {
	data := randomBytes(t, 1, 256*1024)

	chunks, err := Split(bytes.NewReader(data), testConfig())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	require.Equal(t, data, joined)
}

func TestChunkerBounds(t *testing.T) {
	cfg := testConfig()
	data := randomBytes(t, 2, 512*1024)

	chunks, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)

	for i, c := range chunks {
		require.LessOrEqual(t, len(c), cfg.MaxSize, "chunk %d over max", i)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, len(c), cfg.MinSize, "chunk %d under min", i)
		}
	}
}

func TestChunkerDeterminism(t *testing.T) {
	cfg := testConfig()
	data := randomBytes(t, 3, 384*1024)

	first, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)
	second, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i], second[i], "chunk %d differs", i)
	}
}

func TestChunkerBoundariesAreOffsetIndependent(t *testing.T) {
	// The same content must chunk identically regardless of where it
	// sits in a larger stream, once the window has re-synchronised.
	cfg := testConfig()
	shared := randomBytes(t, 4, 256*1024)
	prefix := randomBytes(t, 5, 64*1024)

	plain, err := Split(bytes.NewReader(shared), cfg)
	require.NoError(t, err)
	shifted, err := Split(io.MultiReader(bytes.NewReader(prefix), bytes.NewReader(shared)), cfg)
	require.NoError(t, err)

	// Count chunks from the tail that match exactly. Everything past
	// the re-synchronisation point must be identical.
	matched := 0
	for i, j := len(plain)-1, len(shifted)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if !bytes.Equal(plain[i], shifted[j]) {
			break
		}
		matched++
	}
	require.Greater(t, matched, len(plain)/2,
		"expected most chunks to survive a prefix insertion, got %d of %d", matched, len(plain))
}

func TestChunkerSingleByteInsertLocality(t *testing.T) {
	cfg := testConfig()
	data := randomBytes(t, 6, 512*1024)

	before, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)

	// Insert one byte in the middle.
	p := len(data) / 2
	edited := make([]byte, 0, len(data)+1)
	edited = append(edited, data[:p]...)
	edited = append(edited, 0xAB)
	edited = append(edited, data[p:]...)

	after, err := Split(bytes.NewReader(edited), cfg)
	require.NoError(t, err)

	// Chunks wholly before the edit point are byte-identical.
	offset := 0
	prefixMatched := 0
	for i := range before {
		if i >= len(after) || !bytes.Equal(before[i], after[i]) {
			break
		}
		offset += len(before[i])
		prefixMatched++
	}
	require.Greater(t, offset, 0, "no chunks survived before the edit")
	require.LessOrEqual(t, offset, p, "a surviving chunk overlaps the edit point")

	// Chunks sufficiently after the edit are identical too.
	suffixMatched := 0
	for i, j := len(before)-1, len(after)-1; i > prefixMatched && j > prefixMatched; i, j = i-1, j-1 {
		if !bytes.Equal(before[i], after[j]) {
			break
		}
		suffixMatched++
	}
	require.Greater(t, prefixMatched+suffixMatched, len(before)*2/3,
		"one-byte insert perturbed too many chunks: %d prefix + %d suffix of %d",
		prefixMatched, suffixMatched, len(before))
}

func TestChunkerShortFinalChunk(t *testing.T) {
	cfg := testConfig()
	// Stream shorter than the minimum still yields one chunk.
	data := randomBytes(t, 7, 100)

	chunks, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0])
}

func TestChunkerEmptyStream(t *testing.T) {
	ck := New(bytes.NewReader(nil), testConfig())
	_, err := ck.Next()
	require.Equal(t, io.EOF, err)
}

func TestChunkerRepeatingPattern(t *testing.T) {
	// A 5 MiB stream of a repeating 4-byte pattern with the
	// production configuration: boundaries may only come from the
	// rolling-hash trigger or the max-size clamp, and the final chunk
	// covers the remainder regardless of size.
	cfg := Config{
		MinSize:    512 * kiB,
		MaxSize:    2 * miB,
		MaskBits:   20,
		WindowSize: DefaultWindowSize,
	}
	pattern := []byte{0xde, 0xad, 0xbe, 0xef}
	data := bytes.Repeat(pattern, 5*miB/len(pattern))

	chunks, err := Split(bytes.NewReader(data), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	total := 0
	for i, c := range chunks {
		total += len(c)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, len(c), cfg.MinSize)
			require.LessOrEqual(t, len(c), cfg.MaxSize)
		}
	}
	require.Equal(t, len(data), total)

	// Uniform content gives the rolling hash a constant value once
	// the window fills, so every non-final chunk must cut at the same
	// size (either the shared trigger offset or the max clamp).
	if len(chunks) > 2 {
		for i := 1; i < len(chunks)-1; i++ {
			require.Equal(t, len(chunks[0]), len(chunks[i]))
		}
	}
}

func TestChunkerBufferReuse(t *testing.T) {
	// Next returns slices into an internal buffer; the previous slice
	// is invalidated by the following call. Verify copies survive.
	cfg := testConfig()
	data := randomBytes(t, 8, 128*1024)

	ck := New(bytes.NewReader(data), cfg)
	var copies [][]byte
	for {
		chunk, err := ck.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		copies = append(copies, append([]byte(nil), chunk...))
	}

	var joined []byte
	for _, c := range copies {
		joined = append(joined, c...)
	}
	require.Equal(t, data, joined)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero min", Config{MinSize: 0, MaxSize: 100, MaskBits: 10, WindowSize: 48}},
		{"max below min", Config{MinSize: 200, MaxSize: 100, MaskBits: 10, WindowSize: 48}},
		{"mask too wide", Config{MinSize: 100, MaxSize: 200, MaskBits: 40, WindowSize: 48}},
		{"tiny window", Config{MinSize: 100, MaxSize: 200, MaskBits: 10, WindowSize: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithError(bytes.NewReader(nil), tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestConfigTargetSize(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, cfg.MinSize+1<<cfg.MaskBits, cfg.TargetSize())
}
