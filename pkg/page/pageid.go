// Package page implements LLFS's fixed-size, random-access page store: the
// PageId bit-packing scheme and PageDevice backends (spec.md §3, §4.3, §6).
package page

import "fmt"

const (
	deviceBits   = 8
	indexBits    = 32
	genBits      = 24
	maxDevice    = 1<<deviceBits - 1
	maxPhysIndex = 1<<indexBits - 1
	maxGen       = 1<<genBits - 1

	genShift   = 0
	indexShift = genBits
	deviceShift = genBits + indexBits
)

// ID is a 64-bit value partitioned into device (8 bits), physical index (32
// bits) and generation (24 bits), per spec.md §6. Each successful write to a
// physical index bumps its generation, so a live ID is never reused: the
// bytes behind it are immutable for as long as anything can still name it.
type ID uint64

// NewID packs (device, physicalIndex, generation) into an ID. It panics if
// any field overflows its bit width — a programming error, not a runtime
// condition callers should handle.
func NewID(device uint8, physicalIndex uint32, generation uint32) ID {
	if physicalIndex > maxPhysIndex {
		panic(fmt.Sprintf("page: physical index %d exceeds %d bits", physicalIndex, indexBits))
	}

	if generation > maxGen {
		panic(fmt.Sprintf("page: generation %d exceeds %d bits", generation, genBits))
	}

	return ID(uint64(device)<<deviceShift | uint64(physicalIndex)<<indexShift | uint64(generation)<<genShift)
}

// Device returns the device index component.
func (id ID) Device() uint8 { return uint8(id >> deviceShift) }

// PhysicalIndex returns the physical page index component.
func (id ID) PhysicalIndex() uint32 { return uint32((id >> indexShift) & maxPhysIndex) }

// Generation returns the generation component.
func (id ID) Generation() uint32 { return uint32(id & maxGen) }

// Next returns the ID obtained by bumping the generation by one on the same
// device and physical index. It panics on generation overflow, which is
// expected to be exceedingly rare (2^24 rewrites of one physical slot).
func (id ID) Next() ID {
	return NewID(id.Device(), id.PhysicalIndex(), id.Generation()+1)
}

func (id ID) String() string {
	return fmt.Sprintf("page(dev=%d idx=%d gen=%d)", id.Device(), id.PhysicalIndex(), id.Generation())
}
