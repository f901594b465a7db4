package recycler

import (
	"encoding/binary"
	"fmt"

	"github.com/llfs-go/llfs/pkg/page"
)

// frame is one level of the DFS frontier: a page whose out-references are
// being decremented one at a time (spec.md §4.5's stack of in-flight
// subtrees). cursor is the index of the next out-ref still to process.
type frame struct {
	pageID  page.ID
	outRefs []page.ID
	cursor  int
}

func (f frame) done() bool { return f.cursor >= len(f.outRefs) }

// state is the recycler's full durable state: a FIFO queue of pages awaiting
// recycling and a DFS stack, persisted as a single record after every
// mutating step (a deliberate simplification of spec.md §6's separate
// Enqueue/Push/Advance/Pop record kinds — since the whole state is already
// bounded to O(max_branching_factor * max_depth), one full snapshot per step
// stays inside that bound and recovery is then just "read the one record
// currently in the log", at the cost of rewriting slightly more per step).
type state struct {
	queue    []page.ID
	stack    []frame
	nextSlot uint64
}

func encodeState(s state) []byte {
	size := 8 + 4 + len(s.queue)*8 + 4

	for _, f := range s.stack {
		size += 8 + 4 + len(f.outRefs)*8 + 4 // pageID, n, outRefs, cursor
	}

	buf := make([]byte, size)
	i := 0

	binary.LittleEndian.PutUint64(buf[i:i+8], s.nextSlot)
	i += 8

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(s.queue)))
	i += 4

	for _, id := range s.queue {
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(id))
		i += 8
	}

	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(s.stack)))
	i += 4

	for _, f := range s.stack {
		binary.LittleEndian.PutUint64(buf[i:i+8], uint64(f.pageID))
		i += 8
		binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(f.outRefs)))
		i += 4

		for _, id := range f.outRefs {
			binary.LittleEndian.PutUint64(buf[i:i+8], uint64(id))
			i += 8
		}

		binary.LittleEndian.PutUint32(buf[i:i+4], uint32(f.cursor))
		i += 4
	}

	return buf
}

func decodeState(buf []byte) (state, error) {
	if len(buf) < 12 {
		return state{}, fmt.Errorf("%w: truncated state", ErrCorrupt)
	}

	var s state

	i := 0
	s.nextSlot = binary.LittleEndian.Uint64(buf[i : i+8])
	i += 8

	nQueue := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	if len(buf) < i+nQueue*8+4 {
		return state{}, fmt.Errorf("%w: truncated queue", ErrCorrupt)
	}

	s.queue = make([]page.ID, nQueue)
	for j := 0; j < nQueue; j++ {
		s.queue[j] = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8
	}

	nStack := int(binary.LittleEndian.Uint32(buf[i : i+4]))
	i += 4

	s.stack = make([]frame, nStack)

	for k := 0; k < nStack; k++ {
		if len(buf) < i+8+4 {
			return state{}, fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}

		var f frame
		f.pageID = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
		i += 8

		n := int(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4

		if len(buf) < i+n*8+4 {
			return state{}, fmt.Errorf("%w: truncated frame out-refs", ErrCorrupt)
		}

		f.outRefs = make([]page.ID, n)
		for j := 0; j < n; j++ {
			f.outRefs[j] = page.ID(binary.LittleEndian.Uint64(buf[i : i+8]))
			i += 8
		}

		f.cursor = int(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4

		s.stack[k] = f
	}

	if i != len(buf) {
		return state{}, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}

	return s, nil
}
