package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/chunker"
	"github.com/wolfeidau/dedup-store/codec"
	"github.com/wolfeidau/dedup-store/segment"
)

const (
	configFileName = "config"
	nonceFileName  = "nonce"

	// FormatVersion is the repository on-disk format version.
	FormatVersion = 1
)

// ErrNotInitialized is returned when opening a directory that holds no
// repository.
var ErrNotInitialized = errors.New("repo: repository not initialized")

// ErrAlreadyInitialized is returned when initializing a directory that
// already holds one.
var ErrAlreadyInitialized = errors.New("repo: repository already initialized")

// ErrWrongKey is returned when the supplied secret does not match the
// repository's key check value.
var ErrWrongKey = errors.New("repo: secret does not match repository")

// Config is the persisted repository configuration. Everything a
// session needs beside the secret: chunker parameters (identical
// parameters are required for deduplication to line up across runs),
// the compression codec and the segment rotation threshold.
type Config struct {
	FormatVersion uint32                   `cbor:"1,keyasint"`
	Compression   string                   `cbor:"2,keyasint"`
	ChunkMinSize  int                      `cbor:"3,keyasint"`
	ChunkMaxSize  int                      `cbor:"4,keyasint"`
	ChunkMaskBits uint                     `cbor:"5,keyasint"`
	SegmentSize   int64                    `cbor:"6,keyasint"`
	KeyCheck      [dedupstore.KeySize]byte `cbor:"7,keyasint"`
}

// DefaultConfig returns the configuration Init uses when the caller
// does not override anything.
func DefaultConfig() Config {
	ck := chunker.DefaultConfig()
	return Config{
		FormatVersion: FormatVersion,
		Compression:   codec.CompressionZstd.String(),
		ChunkMinSize:  ck.MinSize,
		ChunkMaxSize:  ck.MaxSize,
		ChunkMaskBits: ck.MaskBits,
		SegmentSize:   segment.DefaultConfig().SegmentSize,
	}
}

// ChunkerConfig returns the chunker configuration this repository was
// initialized with.
func (c Config) ChunkerConfig() chunker.Config {
	cfg := chunker.DefaultConfig()
	cfg.MinSize = c.ChunkMinSize
	cfg.MaxSize = c.ChunkMaxSize
	cfg.MaskBits = c.ChunkMaskBits
	return cfg
}

// SegmentConfig returns the segment store configuration this
// repository was initialized with.
func (c Config) SegmentConfig() segment.Config {
	cfg := segment.DefaultConfig()
	cfg.SegmentSize = c.SegmentSize
	return cfg
}

// LoadConfig reads the repository configuration without opening a
// session. The configuration is not encrypted, so no secret is
// needed; servers use this to pick up segment parameters.
func LoadConfig(root string) (Config, error) {
	return readConfig(root)
}

func (c Config) compressionTag() (codec.CompressionTag, error) {
	return codec.ParseCompressionTag(c.Compression)
}

// writeConfig persists the configuration atomically.
func writeConfig(root string, cfg Config) error {
	data, err := cbor.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("repo: encoding config: %w", err)
	}

	path := filepath.Join(root, configFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("repo: writing config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("repo: writing config: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("repo: syncing config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("repo: closing config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("repo: installing config: %w", err)
	}
	return nil
}

// readConfig loads and validates the repository configuration.
func readConfig(root string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(root, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotInitialized, root)
		}
		return Config{}, fmt.Errorf("repo: reading config: %w", err)
	}

	var cfg Config
	if err := cbor.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("repo: decoding config: %w", err)
	}
	if cfg.FormatVersion != FormatVersion {
		return Config{}, fmt.Errorf("repo: unsupported format version %d", cfg.FormatVersion)
	}
	if err := (chunker.Config{
		MinSize:    cfg.ChunkMinSize,
		MaxSize:    cfg.ChunkMaxSize,
		MaskBits:   cfg.ChunkMaskBits,
		WindowSize: chunker.DefaultConfig().WindowSize,
	}).Validate(); err != nil {
		return Config{}, fmt.Errorf("repo: invalid chunker parameters: %w", err)
	}
	if _, err := cfg.compressionTag(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
