// Package segment implements the append-only transactional segment
// log: PUT/DELETE/COMMIT entries in bounded-size segment files, with
// crash recovery back to the last commit, refcount-driven compaction
// and an exclusive heartbeat lock.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	dedupstore "github.com/wolfeidau/dedup-store"
)

// Kind tags a log entry. The set is closed; recovery and compaction
// handle every variant exhaustively.
type Kind uint8

const (
	// KindPut records a logical reference to a chunk. The first put
	// for an identifier carries the stored payload; later puts for
	// the same identifier carry an empty payload and only add a
	// reference. An empty payload is unambiguous because every
	// stored chunk is at least the codec overhead long.
	KindPut Kind = 0x01

	// KindDelete removes one logical reference to a chunk.
	KindDelete Kind = 0x02

	// KindCommit closes a transaction. Everything appended since the
	// previous commit becomes durable and visible exactly here.
	KindCommit Kind = 0x03
)

// String returns the entry kind name.
func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	case KindCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// MaxPayloadSize bounds the payload length accepted when reading an
// entry, well above any legal stored chunk.
const MaxPayloadSize = 80 * 1024 * 1024

// ErrCorruptEntry is returned when an entry fails structural or
// checksum validation. During recovery it marks the truncation point;
// anywhere else it is a hard error.
var ErrCorruptEntry = errors.New("segment: corrupt log entry")

// Entry is one decoded log record.
//
// Wire layout (big-endian):
//
//	LEN (uint32)   length of TAG+BODY+CHECKSUM
//	TAG (1 byte)   entry kind
//	BODY           kind-specific, see below
//	CHECKSUM       xxhash64 over LEN+TAG+BODY
//
// PUT body:    id (32) | plaintext size (uint32) | payload len (uint32) | payload
// DELETE body: id (32)
// COMMIT body: transaction id (uint64)
type Entry struct {
	Kind    Kind
	ID      dedupstore.ID
	Size    uint32 // chunk plaintext size (PUT only)
	Payload []byte // stored bytes (payload PUT only)
	Txn     uint64 // transaction id (COMMIT only)
}

const (
	lenWidth      = 4
	checksumWidth = 8

	putFixedLen    = 1 + dedupstore.IDSize + 4 + 4
	deleteFixedLen = 1 + dedupstore.IDSize
	commitFixedLen = 1 + 8
)

// EncodedLen returns the total on-disk size of the entry.
func (e Entry) EncodedLen() int64 {
	switch e.Kind {
	case KindPut:
		return int64(lenWidth + putFixedLen + len(e.Payload) + checksumWidth)
	case KindDelete:
		return int64(lenWidth + deleteFixedLen + checksumWidth)
	case KindCommit:
		return int64(lenWidth + commitFixedLen + checksumWidth)
	default:
		return 0
	}
}

// appendEntry serialises e onto buf and returns the extended slice.
func appendEntry(buf []byte, e Entry) ([]byte, error) {
	start := len(buf)

	var bodyLen int
	switch e.Kind {
	case KindPut:
		bodyLen = putFixedLen + len(e.Payload)
	case KindDelete:
		bodyLen = deleteFixedLen
	case KindCommit:
		bodyLen = commitFixedLen
	default:
		return nil, fmt.Errorf("segment: cannot encode entry kind %d", e.Kind)
	}
	if len(e.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("segment: payload of %d bytes exceeds limit", len(e.Payload))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(bodyLen+checksumWidth))
	buf = append(buf, byte(e.Kind))

	switch e.Kind {
	case KindPut:
		buf = append(buf, e.ID[:]...)
		buf = binary.BigEndian.AppendUint32(buf, e.Size)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
		buf = append(buf, e.Payload...)
	case KindDelete:
		buf = append(buf, e.ID[:]...)
	case KindCommit:
		buf = binary.BigEndian.AppendUint64(buf, e.Txn)
	}

	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf[start:]))
	return buf, nil
}

// readEntry decodes the next entry from r. Returns the entry and the
// number of bytes consumed. Structural damage or a checksum mismatch
// returns ErrCorruptEntry; a clean end of input returns io.EOF.
func readEntry(r io.Reader) (Entry, int64, error) {
	var lenBuf [lenWidth]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, fmt.Errorf("%w: truncated length: %v", ErrCorruptEntry, err)
	}

	rest := binary.BigEndian.Uint32(lenBuf[:])
	if rest < 1+checksumWidth || rest > putFixedLen+MaxPayloadSize+checksumWidth {
		return Entry{}, 0, fmt.Errorf("%w: implausible entry length %d", ErrCorruptEntry, rest)
	}

	body := make([]byte, rest)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, fmt.Errorf("%w: truncated body: %v", ErrCorruptEntry, err)
	}

	sumOff := len(body) - checksumWidth
	want := binary.BigEndian.Uint64(body[sumOff:])

	h := xxhash.New()
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write(body[:sumOff])
	if h.Sum64() != want {
		return Entry{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}

	consumed := int64(lenWidth) + int64(rest)
	body = body[:sumOff]

	e := Entry{Kind: Kind(body[0])}
	body = body[1:]

	switch e.Kind {
	case KindPut:
		if len(body) < dedupstore.IDSize+8 {
			return Entry{}, 0, fmt.Errorf("%w: short put body", ErrCorruptEntry)
		}
		copy(e.ID[:], body[:dedupstore.IDSize])
		e.Size = binary.BigEndian.Uint32(body[dedupstore.IDSize:])
		payloadLen := binary.BigEndian.Uint32(body[dedupstore.IDSize+4:])
		payload := body[dedupstore.IDSize+8:]
		if uint32(len(payload)) != payloadLen {
			return Entry{}, 0, fmt.Errorf("%w: payload length mismatch", ErrCorruptEntry)
		}
		if payloadLen > 0 {
			e.Payload = payload
		}
	case KindDelete:
		if len(body) != dedupstore.IDSize {
			return Entry{}, 0, fmt.Errorf("%w: short delete body", ErrCorruptEntry)
		}
		copy(e.ID[:], body)
	case KindCommit:
		if len(body) != 8 {
			return Entry{}, 0, fmt.Errorf("%w: short commit body", ErrCorruptEntry)
		}
		e.Txn = binary.BigEndian.Uint64(body)
	default:
		return Entry{}, 0, fmt.Errorf("%w: unknown entry kind %d", ErrCorruptEntry, uint8(e.Kind))
	}

	return e, consumed, nil
}
