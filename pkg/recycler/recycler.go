// Package recycler implements LLFS's PageRecycler: a durable, bounded-depth
// depth-first traversal that decrements the refcounts of a dead page's
// out-references, keeping total persisted frontier state at O(B*D)
// regardless of subtree shape (spec.md §4.5).
package recycler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/slot"
)

// RefScanner extracts the out-references held by a page's payload, up to
// the recycler's configured branching factor. The page format itself is
// application-defined; the recycler only needs to walk it.
type RefScanner func(deviceIndex uint8, payload []byte) ([]page.ID, error)

// Binding gives the recycler the allocator and device for one PageDevice it
// may need to touch while walking a subtree.
type Binding struct {
	Allocator *pagealloc.Allocator
	Device    *page.Device
}

// Config configures a Recycler.
type Config struct {
	MaxBranchingFactor int
	MaxDepth           int

	// ClientID identifies this recycler to the PageAllocators it submits
	// refcount deltas to.
	ClientID llfsid.ID

	Scanner RefScanner

	// Devices maps device index to the allocator/device pair the recycler
	// uses when a pointer to that device needs its refcount touched.
	Devices map[uint8]Binding

	LogCapacity int64
	FS          fs.FS
	Path        string
}

// Recycler runs the pending-free queue and DFS stack of spec.md §4.5. Step
// is not safe for concurrent callers; the recycler is meant to be driven by
// one worker loop, matching the "worker loop" spec.md describes.
type Recycler struct {
	mu   sync.Mutex
	log  *slot.LogDevice
	cfg  Config
	st   state
	logr *slog.Logger
}

// Open creates or reopens a Recycler, recovering its queue/stack from the
// single state record its log currently holds (see state.go).
func Open(cfg Config) (*Recycler, error) {
	if cfg.MaxBranchingFactor <= 0 || cfg.MaxDepth <= 0 {
		return nil, fmt.Errorf("recycler: max_branching_factor and max_depth must be > 0")
	}

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: cfg.FS, Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("recycler: open log: %w", err)
	}

	r := &Recycler{
		log:  log,
		cfg:  cfg,
		logr: slog.Default().With("component", "recycler.Recycler"),
	}

	if err := r.recover(); err != nil {
		return nil, err
	}

	for idx, b := range cfg.Devices {
		if err := b.Allocator.Attach(cfg.ClientID, 1); err != nil {
			return nil, fmt.Errorf("recycler: attach to device %d allocator: %w", idx, err)
		}
	}

	return r, nil
}

func (r *Recycler) recover() error {
	trimPos, _, _ := r.log.Positions()
	rd := r.log.NewReader(slot.Durable, trimPos)

	if rd.AtEnd() {
		// Fresh recycler: slot numbering for allocator updates starts at 1,
		// matching the last_slot=0 baseline Attach(client, 1) establishes.
		r.st.nextSlot = 1

		return nil
	}

	payload, _, _, err := rd.Next(context.Background())
	if err != nil {
		return fmt.Errorf("recycler: recover: %w", err)
	}

	st, err := decodeState(payload)
	if err != nil {
		return err
	}

	r.st = st

	return nil
}

// persist durably records the current state as the log's sole record: it
// appends, awaits Durable flush, then trims everything before it (the
// previous state record is now superseded). Must be called with r.mu held.
func (r *Recycler) persist(ctx context.Context) error {
	buf := encodeState(r.st)

	lo, _, err := r.log.Append(buf)
	if err != nil {
		return fmt.Errorf("recycler: append state: %w", err)
	}

	if err := r.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("recycler: flush state: %w", err)
	}

	if err := r.log.Trim(lo); err != nil {
		return fmt.Errorf("recycler: trim state: %w", err)
	}

	return nil
}

func (r *Recycler) binding(device uint8) (Binding, error) {
	b, ok := r.cfg.Devices[device]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}

	return b, nil
}

// Enqueue adds id to the pending-free queue. Callers invoke this when a
// page's refcount transitions to 1 (spec.md §4.5).
func (r *Recycler) Enqueue(ctx context.Context, id page.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.queue = append(r.st.queue, id)

	if err := r.persist(ctx); err != nil {
		return err
	}

	r.logr.Debug("enqueued", "page_id", id.String())

	return nil
}

// Step performs one unit of work from the worker loop of spec.md §4.5:
// popping the deepest stack frame if any exists, else dequeuing the next
// pending page and pushing its out-refs as a new frame. It returns
// progressed=false when there is nothing to do.
func (r *Recycler) Step(ctx context.Context) (progressed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.st.stack) == 0 {
		return r.startFrameLocked(ctx)
	}

	top := len(r.st.stack) - 1
	f := &r.st.stack[top]

	if f.done() {
		return r.popFrameLocked(ctx, top)
	}

	return r.advanceFrameLocked(ctx, f)
}

func (r *Recycler) startFrameLocked(ctx context.Context) (bool, error) {
	if len(r.st.queue) == 0 {
		return false, nil
	}

	id := r.st.queue[0]
	r.st.queue = r.st.queue[1:]

	b, err := r.binding(id.Device())
	if err != nil {
		return false, err
	}

	payload, err := b.Device.Read(id)
	if err != nil {
		return false, fmt.Errorf("recycler: read page %s: %w", id, err)
	}

	outRefs, err := r.cfg.Scanner(id.Device(), payload)
	if err != nil {
		return false, fmt.Errorf("recycler: scan page %s: %w", id, err)
	}

	if len(outRefs) > r.cfg.MaxBranchingFactor {
		return false, fmt.Errorf("%w: page %s has %d out-refs", ErrFanoutExceeded, id, len(outRefs))
	}

	if len(r.st.stack)+1 > r.cfg.MaxDepth {
		return false, fmt.Errorf("%w: depth %d", ErrDepthExceeded, len(r.st.stack)+1)
	}

	r.st.stack = append(r.st.stack, frame{pageID: id, outRefs: outRefs})

	if err := r.persist(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Recycler) advanceFrameLocked(ctx context.Context, f *frame) (bool, error) {
	ref := f.outRefs[f.cursor]

	rc, err := r.decrefLocked(ctx, ref)
	if err != nil {
		return false, err
	}

	switch rc {
	case 1:
		r.st.queue = append(r.st.queue, ref)
	case 0:
		b, err := r.binding(ref.Device())
		if err != nil {
			return false, err
		}

		if err := b.Device.Drop(ref); err != nil {
			return false, fmt.Errorf("recycler: drop page %s: %w", ref, err)
		}
	}

	f.cursor++

	if err := r.persist(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Recycler) popFrameLocked(ctx context.Context, top int) (bool, error) {
	f := r.st.stack[top]

	rc, err := r.decrefLocked(ctx, f.pageID)
	if err != nil {
		return false, err
	}

	if rc == 0 {
		b, err := r.binding(f.pageID.Device())
		if err != nil {
			return false, err
		}

		if err := b.Device.Drop(f.pageID); err != nil {
			return false, fmt.Errorf("recycler: drop page %s: %w", f.pageID, err)
		}
	}

	r.st.stack = r.st.stack[:top]

	if err := r.persist(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// decrefLocked submits a -1 delta to id's allocator under the recycler's own
// client/slot sequence and returns the resulting refcount.
func (r *Recycler) decrefLocked(ctx context.Context, id page.ID) (int32, error) {
	b, err := r.binding(id.Device())
	if err != nil {
		return 0, err
	}

	slotNum := r.st.nextSlot
	r.st.nextSlot++

	if err := b.Allocator.Update(ctx, r.cfg.ClientID, slotNum, []pagealloc.Delta{{ID: id, Delta: -1}}); err != nil {
		return 0, fmt.Errorf("recycler: decref %s: %w", id, err)
	}

	return b.Allocator.Refcount(id.PhysicalIndex()), nil
}

// Run drives Step in a loop until it makes no further progress.
func (r *Recycler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		progressed, err := r.Step(ctx)
		if err != nil {
			return err
		}

		if !progressed {
			return nil
		}
	}
}

// Close releases the recycler's LogDevice.
func (r *Recycler) Close() error { return r.log.Close() }
