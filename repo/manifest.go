package repo

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	dedupstore "github.com/wolfeidau/dedup-store"
)

// manifestVersion is the manifest schema version.
const manifestVersion = 1

// Archive is one named backup in the manifest: the ordered chunk list
// that reconstructs its stream, plus bookkeeping.
type Archive struct {
	CreatedAt time.Time       `cbor:"1,keyasint"`
	Chunks    []dedupstore.ID `cbor:"2,keyasint"`
	Size      uint64          `cbor:"3,keyasint"`
}

// manifest is the archive map stored under the reserved zero
// identifier. It is the only mutable, non-content-addressed object in
// the repository.
type manifest struct {
	Version  uint32             `cbor:"1,keyasint"`
	Archives map[string]Archive `cbor:"2,keyasint"`
}

func newManifest() *manifest {
	return &manifest{
		Version:  manifestVersion,
		Archives: make(map[string]Archive),
	}
}

func encodeManifest(m *manifest) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("repo: encoding manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("repo: decoding manifest: %w", err)
	}
	switch m.Version {
	case manifestVersion:
	default:
		return nil, fmt.Errorf("repo: unsupported manifest version %d", m.Version)
	}
	if m.Archives == nil {
		m.Archives = make(map[string]Archive)
	}
	return &m, nil
}
