package volume

import (
	"fmt"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/page"
)

// Job is an in-memory staging buffer for one atomic update: new pages,
// refcount deltas on existing pages, and one user log record, all made
// durable together by [Volume.Commit] (spec.md §4.7).
//
// A Job is not safe for concurrent use and must be created via
// [Volume.Begin].
type Job struct {
	vol    *Volume
	id     llfsid.ID
	closed bool

	newPages  []page.ID
	pageData  map[page.ID][]byte
	readPages []page.ID
	deltas    map[page.ID]deltaEntry
	payload   []byte
}

// NewPage reserves a page on device and returns a writable buffer the
// caller fills before Commit. The new page is born with an implicit +1
// refcount delta (the reference this Job itself is about to create by
// handing the PageId out); callers add further deltas with RefDelta as
// needed (e.g. the parent page that will point to it).
func (j *Job) NewPage(device uint8) (page.ID, []byte, error) {
	if j.closed {
		return 0, nil, ErrJobClosed
	}

	b, err := j.vol.binding(device)
	if err != nil {
		return 0, nil, err
	}

	ids, err := b.Allocator.Allocate(1)
	if err != nil {
		return 0, nil, fmt.Errorf("volume: new_page: %w", err)
	}

	id := ids[0]
	buf := make([]byte, b.Device.PageSize())

	j.newPages = append(j.newPages, id)
	j.pageData[id] = buf
	j.addDeltaLocked(device, id, 1)

	return id, buf, nil
}

// RefDelta accumulates a refcount delta for an existing page, merging with
// any delta already recorded for id within this Job.
func (j *Job) RefDelta(id page.ID, delta int32) error {
	if j.closed {
		return ErrJobClosed
	}

	if _, err := j.vol.binding(id.Device()); err != nil {
		return err
	}

	j.addDeltaLocked(id.Device(), id, delta)

	return nil
}

// ReadPage marks id as read by this Job, for inclusion in the Prepare
// record's read_pages (pages the Job's correctness depended on observing).
func (j *Job) ReadPage(id page.ID) error {
	if j.closed {
		return ErrJobClosed
	}

	j.readPages = append(j.readPages, id)

	return nil
}

// Append sets the Job's volume log record. Calling it again replaces the
// previous payload; only the last call before Commit takes effect.
func (j *Job) Append(record []byte) error {
	if j.closed {
		return ErrJobClosed
	}

	j.payload = record

	return nil
}

func (j *Job) addDeltaLocked(device uint8, id page.ID, delta int32) {
	if e, ok := j.deltas[id]; ok {
		e.delta += delta
		j.deltas[id] = e
		return
	}

	j.deltas[id] = deltaEntry{device: device, id: id, delta: delta}
}

// Commit runs the five-step commit protocol of spec.md §4.7 and closes the
// Job. See [Volume.commitJob] for the implementation.
func (j *Job) Commit() error {
	if j.closed {
		return ErrJobClosed
	}

	j.closed = true

	return j.vol.commitJob(j)
}

// Rollback discards the Job without persisting anything, releasing any
// pages reserved via NewPage back to their allocator so they are eligible
// for the next Allocate call.
func (j *Job) Rollback() error {
	if j.closed {
		return nil
	}

	j.closed = true

	for _, id := range j.newPages {
		if b, err := j.vol.binding(id.Device()); err == nil {
			b.Allocator.Release(id)
		}
	}

	return nil
}
