// Package llfsid mints the client/job identifiers used throughout LLFS:
// UUIDv7 so that ids sort roughly by creation time, which keeps attachment
// and checkpoint tables friendly to range scans and log inspection.
package llfsid

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a 16-byte client/job identifier, the `uuid[16]` of spec.md §6's
// allocator update record and volume prepare/commit records.
type ID [16]byte

// New mints a fresh UUIDv7 identifier.
func New() (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return ID{}, fmt.Errorf("llfsid: generate uuidv7: %w", err)
	}

	return ID(u), nil
}

// Zero reports whether id is the zero value (never minted).
func (id ID) Zero() bool { return id == ID{} }

func (id ID) String() string { return uuid.UUID(id).String() }

// Parse decodes a 16-byte slice into an ID. It returns an error if b is not
// exactly 16 bytes.
func Parse(b []byte) (ID, error) {
	var id ID

	if len(b) != len(id) {
		return ID{}, fmt.Errorf("llfsid: expected %d bytes, got %d", len(id), len(b))
	}

	copy(id[:], b)

	return id, nil
}
