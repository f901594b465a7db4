package pagealloc

import (
	"encoding/binary"
	"fmt"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/page"
)

// recordKind tags a slot's payload as either a checkpoint snapshot or a tail
// update, so recovery can tell them apart without a separate index.
type recordKind uint8

const (
	kindCheckpoint recordKind = 1
	kindUpdate     recordKind = 2
)

type delta struct {
	id    page.ID
	delta int32
}

// updateRecord is the `uuid[16] | u64 client_slot | u16 n_deltas |
// {PageId, i32 delta}[n_deltas]` record of spec.md §6, prefixed with its
// recordKind tag.
type updateRecord struct {
	client llfsid.ID
	slot   uint64
	deltas []delta
}

func encodeUpdate(r updateRecord) []byte {
	buf := make([]byte, 1+16+8+2+len(r.deltas)*12)
	i := 0
	buf[i] = byte(kindUpdate)
	i++
	copy(buf[i:i+16], r.client[:])
	i += 16
	binary.LittleEndian.PutUint64(buf[i:i+8], r.slot)
	i += 8
	binary.LittleEndian.PutUint16(buf[i:i+2], uint16(len(r.deltas)))
	i += 2

	for _, d := range r.deltas {
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(d.id))
		i += 8
		binary.LittleEndian.PutUint32(buf[i:i+4], uint32(d.delta))
		i += 4
	}

	return buf
}

func decodeUpdate(buf []byte) (updateRecord, error) {
	if len(buf) < 1+16+8+2 || recordKind(buf[0]) != kindUpdate {
		return updateRecord{}, fmt.Errorf("%w: not an update record", ErrCorrupt)
	}

	var r updateRecord

	i := 1
	copy(r.client[:], buf[i:i+16])
	i += 16
	r.slot = binary.LittleEndian.Uint64(buf[i : i+8])
	i += 8
	n := int(binary.LittleEndian.Uint16(buf[i : i+2]))
	i += 2

	if len(buf) != i+n*12 {
		return updateRecord{}, fmt.Errorf("%w: update record length mismatch", ErrCorrupt)
	}

	r.deltas = make([]delta, n)
	for j := 0; j < n; j++ {
		id := page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8
		dv := int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		r.deltas[j] = delta{id: id, delta: dv}
	}

	return r, nil
}

// checkpointEntry is one physical index's durable state.
type checkpointEntry struct {
	refcount   int32
	generation uint32
}

type attachEntry struct {
	client   llfsid.ID
	lastSlot uint64
}

// checkpointRecord is a length-prefixed snapshot of the attachments table and
// the refcount/generation arrays, per spec.md §6.
type checkpointRecord struct {
	entries     []checkpointEntry // indexed by physical index
	attachments []attachEntry
}

func encodeCheckpoint(c checkpointRecord) []byte {
	size := 1 + 4 + len(c.entries)*8 + 4 + len(c.attachments)*24
	buf := make([]byte, size)
	i := 0
	buf[i] = byte(kindCheckpoint)
	i++

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(c.entries)))
	i += 4

	for _, e := range c.entries {
		binary.LittleEndian.PutUint32(buf[i:i+4], uint32(e.refcount))
		i += 4
		binary.LittleEndian.PutUint32(buf[i:i+4], e.generation)
		i += 4
	}

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(c.attachments)))
	i += 4

	for _, a := range c.attachments {
		copy(buf[i:i+16], a.client[:])
		i += 16
		binary.LittleEndian.PutUint64(buf[i:i+8], a.lastSlot)
		i += 8
	}

	return buf
}

func decodeCheckpoint(buf []byte) (checkpointRecord, error) {
	if len(buf) < 1+4 || recordKind(buf[0]) != kindCheckpoint {
		return checkpointRecord{}, fmt.Errorf("%w: not a checkpoint record", ErrCorrupt)
	}

	var c checkpointRecord

	i := 1
	nEntries := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+nEntries*8+4 {
		return checkpointRecord{}, fmt.Errorf("%w: checkpoint truncated", ErrCorrupt)
	}

	c.entries = make([]checkpointEntry, nEntries)
	for j := 0; j < nEntries; j++ {
		rc := int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		gen := binary.LittleEndian.Uint32(buf[i : i+4])
		i += 4
		c.entries[j] = checkpointEntry{refcount: rc, generation: gen}
	}

	nAttach := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) != i+nAttach*24 {
		return checkpointRecord{}, fmt.Errorf("%w: checkpoint attachments truncated", ErrCorrupt)
	}

	c.attachments = make([]attachEntry, nAttach)
	for j := 0; j < nAttach; j++ {
		var a attachEntry
		copy(a.client[:], buf[i:i+16])
		i += 16
		a.lastSlot = binary.LittleEndian.Uint64(buf[i : i+8])
		i += 8
		c.attachments[j] = a
	}

	return c, nil
}
