package slot

import (
	"context"
	"fmt"
	"io"
)

// Reader walks slots sequentially starting at a given offset, bound to one
// [ReadMode] durability guarantee (spec.md §4.1's "new_reader(mode)"). A
// Reader is not safe for concurrent use; callers needing parallel reads
// should obtain one Reader per goroutine.
type Reader struct {
	dev  *LogDevice
	mode ReadMode
	pos  int64
}

// NewReader returns a Reader over dev starting at pos, bound to mode. pos
// must be a valid slot boundary (typically trim_pos, or the lo/hi returned by
// a previous Append or Next).
func (d *LogDevice) NewReader(mode ReadMode, pos int64) *Reader {
	return &Reader{dev: d, mode: mode, pos: pos}
}

// Pos returns the reader's current offset, the lo of the next slot Next will
// return.
func (r *Reader) Pos() int64 { return r.pos }

// Next blocks until the next slot is available under the reader's mode (or
// ctx is done), decodes it, and advances the reader past it. Use AtEnd to
// check whether a call would block before making it.
func (r *Reader) Next(ctx context.Context) (payload []byte, lo, hi int64, err error) {
	if failed := r.dev.Failed(); failed != nil {
		return nil, 0, 0, failed
	}

	r.dev.mu.Lock()
	trimPos := r.dev.trimPos
	r.dev.mu.Unlock()

	if r.pos < trimPos {
		return nil, 0, 0, fmt.Errorf("%w: reader at %d is behind trim_pos %d", ErrInvalidRange, r.pos, trimPos)
	}

	lo = r.pos

	if err := r.dev.AwaitPosition(ctx, r.mode, lo+slotHeaderSize); err != nil {
		return nil, 0, 0, err
	}

	header, err := r.dev.backend.ReadAt(lo, slotHeaderSize)
	if err != nil {
		return nil, 0, 0, r.dev.fail(err)
	}

	payloadLen, crc := decodeSlotHeader(header)
	size := encodedSlotSize(int(payloadLen))
	hi = lo + int64(size)

	if err := r.dev.AwaitPosition(ctx, r.mode, hi); err != nil {
		return nil, 0, 0, err
	}

	body, err := r.dev.backend.ReadAt(lo+slotHeaderSize, int(payloadLen))
	if err != nil {
		return nil, 0, 0, r.dev.fail(err)
	}

	if !verifySlotPayload(body, crc) {
		return nil, 0, 0, r.dev.fail(fmt.Errorf("%w: slot at %d fails checksum", ErrCorrupt, lo))
	}

	r.pos = hi

	return body, lo, hi, nil
}

// AtEnd reports whether the reader has caught up to its mode's current
// durability boundary, i.e. whether a call to Next would block.
func (r *Reader) AtEnd() bool {
	_, flushPos, commitPos := r.dev.Positions()

	boundary := commitPos
	if r.mode == Durable {
		boundary = flushPos
	}

	return r.pos >= boundary
}

// ReadAll drains every slot currently available under the reader's mode
// without blocking for new data, returning io.EOF once AtEnd becomes true.
// It is a convenience wrapper for tests and diagnostics over repeated Next
// calls.
func (r *Reader) ReadAll(ctx context.Context) ([][]byte, error) {
	var out [][]byte

	for !r.AtEnd() {
		payload, _, _, err := r.Next(ctx)
		if err != nil {
			return out, err
		}

		out = append(out, payload)
	}

	return out, io.EOF
}
