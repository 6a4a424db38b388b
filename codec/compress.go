package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm applied to a
// chunk before encryption. The tag byte travels inside the encrypted
// payload, so the server never learns which codec was used. These
// values are protocol constants.
type CompressionTag uint8

const (
	// CompressionNone marks an uncompressed payload. Also used as the
	// fallback when compression would not shrink the chunk: a chunk
	// is never expanded through compression.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: fast, modest ratios,
	// a good default for mixed binary content.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level: better ratios for
	// text-like content at higher CPU cost.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses a compression tag from its string form,
// as supplied on the configuration surface.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec: %q", name)
	}
}

// The zstd encoder/decoder and their goroutine pools are shared: they
// are safe for concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("codec: initialising zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("codec: initialising zstd decoder: " + err.Error())
	}
}

// compress applies tag to data and returns the compressed payload.
// The LZ4 payload carries a uvarint plaintext length prefix because
// LZ4 block decompression needs the original size up front; zstd
// frames are self-describing.
func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		prefix := binary.AppendUvarint(nil, uint64(len(data)))
		buf := make([]byte, len(prefix)+lz4.CompressBlockBound(len(data)))
		copy(buf, prefix)
		n, err := lz4.CompressBlock(data, buf[len(prefix):], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input; the caller falls back to the
			// uncompressed form via the size check.
			return data, nil
		}
		return buf[:len(prefix)+n], nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompress reverses compress for the given tag.
func decompress(payload []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return payload, nil

	case CompressionLZ4:
		size, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("lz4 decompress: truncated length prefix")
		}
		if size > maxPlaintextSize {
			return nil, fmt.Errorf("lz4 decompress: declared size %d exceeds limit", size)
		}
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(payload[n:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:m], nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
