package remote

import (
	"fmt"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/segment"
)

// protocolVersion is negotiated on the open handshake. The server
// rejects clients speaking a different version.
const protocolVersion = 1

// maxWirePayload bounds a single message's chunk payload, matching
// the segment log's own entry limit.
const maxWirePayload = 64 << 20

type opCode uint8

const (
	opOpen opCode = iota + 1
	opGet
	opPut
	opDelete
	opCommit
	opRollback
	opList
	opStats
	opReplay
	opCheck
	opBreakLock
)

func (o opCode) String() string {
	switch o {
	case opOpen:
		return "open"
	case opGet:
		return "get"
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	case opList:
		return "list"
	case opStats:
		return "stats"
	case opReplay:
		return "replay"
	case opCheck:
		return "check"
	case opBreakLock:
		return "break_lock"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

type statusCode uint8

const (
	statusOK statusCode = iota
	statusNotFound
	statusBusy
	statusInvalid
	statusInternal
)

// request is one client message. CBOR frames are self delimiting, so
// messages are written back to back with no length prefix. Seq
// correlates a response with its request and lets the client keep
// several requests in flight.
type request struct {
	Seq     uint64 `cbor:"1,keyasint"`
	Op      opCode `cbor:"2,keyasint"`
	ID      []byte `cbor:"3,keyasint,omitempty"`
	Size    uint32 `cbor:"4,keyasint,omitempty"`
	Payload []byte `cbor:"5,keyasint,omitempty"`
	Txn     uint64 `cbor:"6,keyasint,omitempty"`
	Version uint32 `cbor:"7,keyasint,omitempty"`
}

// wireOp is one replayed log operation.
type wireOp struct {
	Kind       uint8  `cbor:"1,keyasint"`
	ID         []byte `cbor:"2,keyasint"`
	Size       uint32 `cbor:"3,keyasint,omitempty"`
	StoredSize uint32 `cbor:"4,keyasint,omitempty"`
	Txn        uint64 `cbor:"5,keyasint,omitempty"`
}

type response struct {
	Seq       uint64     `cbor:"1,keyasint"`
	Status    statusCode `cbor:"2,keyasint"`
	Msg       string     `cbor:"3,keyasint,omitempty"`
	Payload   []byte     `cbor:"4,keyasint,omitempty"`
	Txn       uint64     `cbor:"5,keyasint,omitempty"`
	IDs       [][]byte   `cbor:"6,keyasint,omitempty"`
	Ops       []wireOp   `cbor:"7,keyasint,omitempty"`
	Version   uint32     `cbor:"8,keyasint,omitempty"`
	OldestTxn uint64     `cbor:"9,keyasint,omitempty"`
	Entries   uint32     `cbor:"10,keyasint,omitempty"`
	Chunks    uint32     `cbor:"11,keyasint,omitempty"`
}

func wireID(raw []byte) (dedupstore.ID, error) {
	var id dedupstore.ID
	if len(raw) != len(id) {
		return id, fmt.Errorf("remote: identifier is %d bytes, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

func opsToWire(ops []segment.Op) []wireOp {
	out := make([]wireOp, 0, len(ops))
	for _, op := range ops {
		out = append(out, wireOp{
			Kind:       uint8(op.Kind),
			ID:         append([]byte(nil), op.ID[:]...),
			Size:       op.Size,
			StoredSize: op.StoredSize,
			Txn:        op.Txn,
		})
	}
	return out
}

func (w wireOp) toOp() (segment.Op, error) {
	id, err := wireID(w.ID)
	if err != nil {
		return segment.Op{}, err
	}
	return segment.Op{
		Kind:       segment.Kind(w.Kind),
		ID:         id,
		Size:       w.Size,
		StoredSize: w.StoredSize,
		Txn:        w.Txn,
	}, nil
}
