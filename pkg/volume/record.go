package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/page"
)

type recordKind byte

const (
	kindPrepare recordKind = 1
	kindCommit  recordKind = 2
)

// deltaEntry is one refcount delta targeting a page on a given device,
// the wire shape of spec.md §6's `{PageId, i32 delta}` pair generalized with
// an explicit device index since a Job's deltas can span devices.
type deltaEntry struct {
	device uint8
	id     page.ID
	delta  int32
}

const deltaEntrySize = 1 + 8 + 4

// prepareRecord is spec.md §6's `Prepare{job_uuid[16], n_new_pages,
// n_read_pages, deltas[], user_payload[]}`.
type prepareRecord struct {
	jobID     llfsid.ID
	newPages  []page.ID
	readPages []page.ID
	deltas    []deltaEntry
	payload   []byte
}

func encodePrepare(r prepareRecord) []byte {
	size := 1 + 16 + 4 + len(r.newPages)*8 + 4 + len(r.readPages)*8 +
		4 + len(r.deltas)*deltaEntrySize + 4 + len(r.payload)

	buf := make([]byte, size)
	i := 0

	buf[i] = byte(kindPrepare)
	i++

	copy(buf[i:i+16], r.jobID[:])
	i += 16

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(r.newPages)))
	i += 4

	for _, id := range r.newPages {
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(id))
		i += 8
	}

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(r.readPages)))
	i += 4

	for _, id := range r.readPages {
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(id))
		i += 8
	}

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(r.deltas)))
	i += 4

	for _, d := range r.deltas {
		buf[i] = d.device
		i++
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(d.id))
		i += 8
		binary.LittleEndian.PutUint32(buf[i:i+4], uint32(d.delta))
		i += 4
	}

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(r.payload)))
	i += 4
	copy(buf[i:], r.payload)

	return buf
}

func decodePrepare(buf []byte) (prepareRecord, error) {
	if len(buf) < 1+16+4 || recordKind(buf[0]) != kindPrepare {
		return prepareRecord{}, fmt.Errorf("%w: not a prepare record", ErrCorrupt)
	}

	var r prepareRecord
	i := 1

	copy(r.jobID[:], buf[i:i+16])
	i += 16

	nNew := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+nNew*8+4 {
		return prepareRecord{}, fmt.Errorf("%w: truncated new_pages", ErrCorrupt)
	}

	r.newPages = make([]page.ID, nNew)
	for j := 0; j < nNew; j++ {
		r.newPages[j] = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8
	}

	nRead := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+nRead*8+4 {
		return prepareRecord{}, fmt.Errorf("%w: truncated read_pages", ErrCorrupt)
	}

	r.readPages = make([]page.ID, nRead)
	for j := 0; j < nRead; j++ {
		r.readPages[j] = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8
	}

	nDeltas := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+nDeltas*deltaEntrySize+4 {
		return prepareRecord{}, fmt.Errorf("%w: truncated deltas", ErrCorrupt)
	}

	r.deltas = make([]deltaEntry, nDeltas)
	for j := 0; j < nDeltas; j++ {
		d := deltaEntry{device: buf[i]}
		i++
		d.id = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8
		d.delta = int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		r.deltas[j] = d
	}

	payloadLen := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+payloadLen {
		return prepareRecord{}, fmt.Errorf("%w: truncated user_payload", ErrCorrupt)
	}

	r.payload = buf[i : i+payloadLen]
	i += payloadLen

	if i != len(buf) {
		return prepareRecord{}, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}

	return r, nil
}

// commitRecord is spec.md §6's `Commit{prepare_slot_u64}`.
type commitRecord struct {
	prepareSlot uint64
}

func encodeCommit(r commitRecord) []byte {
	buf := make([]byte, 1+8)
	buf[0] = byte(kindCommit)
	binary.LittleEndian.PutUint64(buf[1:9], r.prepareSlot)

	return buf
}

func decodeCommit(buf []byte) (commitRecord, error) {
	if len(buf) != 1+8 || recordKind(buf[0]) != kindCommit {
		return commitRecord{}, fmt.Errorf("%w: not a commit record", ErrCorrupt)
	}

	return commitRecord{prepareSlot: binary.LittleEndian.Uint64(buf[1:9])}, nil
}
