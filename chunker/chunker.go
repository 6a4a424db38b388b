// Package chunker splits byte streams into content-defined chunks
// using a Buzhash rolling hash. Boundary placement depends only on
// the bytes inside the rolling window, so an edit perturbs the chunk
// it lands in and at most the next one; everything before and
// sufficiently after the edit chunks identically. That locality is
// what makes cross-version deduplication work.
package chunker

import (
	"fmt"
	"io"
	"math/bits"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// DefaultWindowSize is the width of the rolling hash window in
	// bytes. A protocol constant: changing it moves every boundary
	// and invalidates all existing dedup.
	DefaultWindowSize = 4095

	// DefaultMinSize is the default minimum chunk size.
	DefaultMinSize = 512 * kiB

	// DefaultMaxSize is the default maximum chunk size. A forced
	// boundary occurs here regardless of hash state, bounding the
	// worst case for any input pattern.
	DefaultMaxSize = 2 * miB

	// DefaultMaskBits yields a target average chunk size of 1 MiB
	// above the minimum: boundary probability per byte is 2^-20.
	DefaultMaskBits = 20
)

// Config holds the chunking parameters. All of them are protocol
// constants for a repository: the same bytes chunk identically only
// under the same configuration.
type Config struct {
	// MinSize is the minimum chunk size. No boundary is placed before
	// this many bytes, except for the final chunk of a stream.
	MinSize int

	// MaxSize is the maximum chunk size; a boundary is forced there.
	MaxSize int

	// MaskBits sets the boundary mask: a boundary triggers when the
	// low MaskBits bits of the rolling hash are zero.
	MaskBits uint

	// WindowSize is the rolling hash window width. Zero selects
	// DefaultWindowSize.
	WindowSize int
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
		MaskBits:   DefaultMaskBits,
		WindowSize: DefaultWindowSize,
	}
}

// TargetSize returns the expected average chunk size implied by the
// configuration.
func (c Config) TargetSize() int {
	return c.MinSize + 1<<c.MaskBits
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.MinSize < 1 {
		return fmt.Errorf("chunker: min size must be positive, got %d", c.MinSize)
	}
	if c.MaxSize < c.MinSize {
		return fmt.Errorf("chunker: max size %d below min size %d", c.MaxSize, c.MinSize)
	}
	if c.MaskBits < 1 || c.MaskBits > 31 {
		return fmt.Errorf("chunker: mask bits must be in [1,31], got %d", c.MaskBits)
	}
	if c.WindowSize < 16 {
		return fmt.Errorf("chunker: window size must be at least 16, got %d", c.WindowSize)
	}
	return nil
}

// Chunker produces a single-pass sequence of content-defined chunks
// covering an input stream with no gaps or overlaps. Create one with
// New and call Next until it returns io.EOF.
type Chunker struct {
	r      io.Reader
	cfg    Config
	mask   uint32
	window int

	// buf is the working buffer, sized to MaxSize. Each chunk
	// returned by Next is a slice into it, so there is no per-chunk
	// allocation; the remainder after a cut is shifted to the front
	// before the next fill.
	buf []byte
	n   int
	cut int
	eof bool
}

// New creates a Chunker over r. It panics if the configuration is
// invalid; use NewWithError when the parameters
// come from untrusted input.
func New(r io.Reader, cfg Config) *Chunker {
	c, err := NewWithError(r, cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewWithError creates a Chunker over r, reporting configuration
// errors instead of panicking.
func NewWithError(r io.Reader, cfg Config) (*Chunker, error) {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		r:      r,
		cfg:    cfg,
		mask:   1<<cfg.MaskBits - 1,
		window: cfg.WindowSize,
		buf:    make([]byte, cfg.MaxSize),
	}, nil
}

// Next returns the next chunk of the stream. The returned slice is
// only valid until the following call to Next. At end of stream the
// final chunk covers whatever remains, even below the minimum size;
// after that Next returns io.EOF.
func (c *Chunker) Next() ([]byte, error) {
	// Shift the remainder of the previous fill to the front. This
	// invalidates the previously returned chunk slice.
	if c.cut > 0 {
		copy(c.buf, c.buf[c.cut:c.n])
		c.n -= c.cut
		c.cut = 0
	}

	for c.n < c.cfg.MaxSize && !c.eof {
		m, err := c.r.Read(c.buf[c.n:])
		c.n += m
		if err == io.EOF {
			c.eof = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: reading input: %w", err)
		}
	}

	if c.n == 0 {
		return nil, io.EOF
	}

	c.cut = c.findBoundary(c.buf[:c.n])
	return c.buf[:c.cut], nil
}

// findBoundary scans data and returns the length of the next chunk.
// Only the last windowSize bytes before a candidate position affect
// the hash, so scanning starts just before the minimum size rather
// than at zero; the skip produces boundaries identical to hashing
// every byte, because no boundary may land before the minimum anyway.
func (c *Chunker) findBoundary(data []byte) int {
	n := len(data)
	if n <= c.cfg.MinSize {
		return n
	}
	limit := c.cfg.MaxSize
	if n < limit {
		limit = n
	}

	start := 0
	if c.cfg.MinSize > c.window+1 {
		start = c.cfg.MinSize - c.window - 1
	}

	var h uint32
	for i := start; i < limit; i++ {
		h = bits.RotateLeft32(h, 1) ^ buzTable[data[i]]
		if i >= start+c.window {
			h ^= bits.RotateLeft32(buzTable[data[i-c.window]], c.window%32)
		}
		pos := i + 1
		if pos >= c.cfg.MinSize && i >= start+c.window && h&c.mask == 0 {
			return pos
		}
	}
	return limit
}

// Split chunks the entire input and returns all chunk byte slices as
// copies. Convenience for tests and small inputs; large streams
// should iterate with Next to reuse the working buffer.
func Split(r io.Reader, cfg Config) ([][]byte, error) {
	ck, err := NewWithError(r, cfg)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for {
		data, err := ck.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, append([]byte(nil), data...))
	}
}
