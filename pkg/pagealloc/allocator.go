// Package pagealloc implements LLFS's PageAllocator: a crash-safe
// refcount/generation table per physical page index, plus a fixed-size
// attachments table guaranteeing exactly-once application of each client's
// update stream (spec.md §4.4).
package pagealloc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/slot"
)

// Delta is one page's refcount adjustment in an Update call.
type Delta struct {
	ID    page.ID
	Delta int32
}

type tableEntry struct {
	refcount   int32
	generation uint32
	pending    bool // reserved by Allocate, not yet made durable by Update
}

// Config configures an Allocator.
type Config struct {
	// DeviceIndex is the PageDevice this allocator tracks.
	DeviceIndex uint8

	// PageCount is the number of physical indices tracked, matching the
	// PageDevice's PageCount.
	PageCount uint32

	// LogCapacity is the allocator's own LogDevice capacity.
	LogCapacity int64

	// FS and Path back the allocator's LogDevice; in-memory if either is
	// empty (suitable for tests).
	FS   fs.FS
	Path string

	// AttachmentLimit bounds the attachments table; 0 means 256.
	AttachmentLimit int

	// CheckpointWatermark is the tail size (bytes between trim_pos and
	// flush_pos) that triggers a checkpoint+trim; 0 means 64KiB.
	CheckpointWatermark int64
}

// Allocator is the crash-safe per-physical-index refcount/generation table
// described in spec.md §4.4, durable via its own LogDevice.
type Allocator struct {
	mu          sync.Mutex
	cond        *sync.Cond
	log         *slot.LogDevice
	deviceIndex uint8
	entries     []tableEntry
	attachments map[llfsid.ID]uint64
	attachLimit int
	watermark   int64
	logr        *slog.Logger
}

// Open creates or reopens an Allocator, replaying its LogDevice: the latest
// checkpoint (if any) as a baseline, then the tail of Update records in
// order, each applied only if its slot exceeds the recovered last_slot for
// its client (spec.md §4.4's exactly-once guarantee).
func Open(cfg Config) (*Allocator, error) {
	if cfg.PageCount == 0 {
		return nil, fmt.Errorf("pagealloc: page count must be > 0")
	}

	if cfg.AttachmentLimit == 0 {
		cfg.AttachmentLimit = 256
	}

	if cfg.CheckpointWatermark == 0 {
		cfg.CheckpointWatermark = 64 * 1024
	}

	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: cfg.FS, Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("pagealloc: open log: %w", err)
	}

	a := &Allocator{
		log:         log,
		deviceIndex: cfg.DeviceIndex,
		entries:     make([]tableEntry, cfg.PageCount),
		attachments: make(map[llfsid.ID]uint64),
		attachLimit: cfg.AttachmentLimit,
		watermark:   cfg.CheckpointWatermark,
		logr:        slog.Default().With("component", "pagealloc.Allocator", "device_index", cfg.DeviceIndex),
	}
	a.cond = sync.NewCond(&a.mu)

	if err := a.recover(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Allocator) recover() error {
	trimPos, _, _ := a.log.Positions()
	r := a.log.NewReader(slot.Durable, trimPos)

	ctx := context.Background()

	for !r.AtEnd() {
		payload, _, _, err := r.Next(ctx)
		if err != nil {
			return fmt.Errorf("pagealloc: recover: %w", err)
		}

		if len(payload) == 0 {
			continue
		}

		switch recordKind(payload[0]) {
		case kindCheckpoint:
			ck, err := decodeCheckpoint(payload)
			if err != nil {
				return err
			}

			a.loadCheckpoint(ck)
		case kindUpdate:
			upd, err := decodeUpdate(payload)
			if err != nil {
				return err
			}

			a.replayUpdate(upd)
		default:
			return fmt.Errorf("%w: unknown record kind %d", ErrCorrupt, payload[0])
		}
	}

	return nil
}

func (a *Allocator) loadCheckpoint(ck checkpointRecord) {
	for i := range a.entries {
		a.entries[i] = tableEntry{}
	}

	for i, e := range ck.entries {
		if i >= len(a.entries) {
			break
		}

		a.entries[i] = tableEntry{refcount: e.refcount, generation: e.generation}
	}

	a.attachments = make(map[llfsid.ID]uint64, len(ck.attachments))
	for _, at := range ck.attachments {
		a.attachments[at.client] = at.lastSlot
	}
}

func (a *Allocator) replayUpdate(rec updateRecord) {
	last, attached := a.attachments[rec.client]
	if attached && rec.slot <= last {
		return
	}

	a.applyDeltas(rec.deltas)
	a.attachments[rec.client] = rec.slot
}

// Attach adds client to the attachments table with last_slot = initialSlot-1.
// Re-attaching an already-present client is a no-op (idempotent), matching
// spec.md §4.4.
func (a *Allocator) Attach(client llfsid.ID, initialSlot uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.attachments[client]; ok {
		return nil
	}

	if len(a.attachments) >= a.attachLimit {
		return ErrAttachmentFull
	}

	var last uint64
	if initialSlot > 0 {
		last = initialSlot - 1
	}

	a.attachments[client] = last

	return nil
}

// Detach removes client from the attachments table. The caller is
// responsible for ensuring no update for this client is still in flight
// (spec.md §4.4: "safe only when the client has no outstanding pending
// updates").
func (a *Allocator) Detach(client llfsid.ID) {
	a.mu.Lock()
	delete(a.attachments, client)
	a.mu.Unlock()
}

// Allocate picks count physical indices currently at refcount 0 and not
// already reserved by a racing Allocate, and returns fresh IDs one
// generation ahead of each index's last durable generation. The reservation
// is purely in-memory: nothing is persisted until a subsequent Update
// references the returned ID (spec.md §4.4), so a crash before that Update
// simply forgets the reservation.
func (a *Allocator) Allocate(count int) ([]page.ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]page.ID, 0, count)

	for idx := range a.entries {
		if len(ids) == count {
			break
		}

		e := &a.entries[idx]
		if e.refcount != 0 || e.pending {
			continue
		}

		e.pending = true
		ids = append(ids, page.NewID(a.deviceIndex, uint32(idx), e.generation+1))
	}

	if len(ids) < count {
		for _, id := range ids {
			a.entries[id.PhysicalIndex()].pending = false
		}

		return nil, ErrExhausted
	}

	return ids, nil
}

// Update durably records deltas on behalf of client at slot. If slot does
// not exceed the client's last applied slot, Update is a no-op (the
// exactly-once guarantee spec.md §4.4 requires so that a Volume can safely
// resubmit the same update after a crash).
func (a *Allocator) Update(ctx context.Context, client llfsid.ID, slotNum uint64, deltas []Delta) error {
	a.mu.Lock()

	last, attached := a.attachments[client]
	if !attached {
		a.mu.Unlock()

		return ErrUnknownClient
	}

	if slotNum <= last {
		a.mu.Unlock()

		return nil
	}

	internal := make([]delta, len(deltas))
	for i, d := range deltas {
		internal[i] = delta{id: d.ID, delta: d.Delta}
	}

	rec := encodeUpdate(updateRecord{client: client, slot: slotNum, deltas: internal})

	a.mu.Unlock()

	if _, _, err := a.log.Append(rec); err != nil {
		return fmt.Errorf("pagealloc: append update: %w", err)
	}

	if err := a.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("pagealloc: flush update: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if slotNum <= a.attachments[client] {
		return nil
	}

	a.applyDeltas(internal)
	a.attachments[client] = slotNum
	a.cond.Broadcast()

	a.logr.Debug("update applied", "client", client.String(), "slot", slotNum, "n_deltas", len(deltas))

	if err := a.maybeCheckpoint(ctx); err != nil {
		return err
	}

	return nil
}

// applyDeltas mutates the refcount/generation table. Must be called with
// a.mu held. A delta driving a refcount below zero indicates a double-free
// bug in the caller and is treated as fatal, per spec.md §4.4.
func (a *Allocator) applyDeltas(deltas []delta) {
	for _, d := range deltas {
		idx := d.id.PhysicalIndex()
		e := &a.entries[idx]

		next := int64(e.refcount) + int64(d.delta)
		if next < 0 {
			panic(fmt.Sprintf("pagealloc: refcount underflow at index %d: %d + %d", idx, e.refcount, d.delta))
		}

		e.refcount = int32(next)
		e.pending = false

		if d.id.Generation() > e.generation {
			e.generation = d.id.Generation()
		}
	}
}

// Release abandons an in-memory reservation made by Allocate without ever
// applying a delta for it (an aborted Job that never reaches Update). It is
// a no-op if id's physical index is not currently pending.
func (a *Allocator) Release(id page.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries[id.PhysicalIndex()].pending = false
}

// AwaitRefcount blocks until pred(refcount) holds for id's physical index,
// or ctx is done.
func (a *Allocator) AwaitRefcount(ctx context.Context, id page.ID, pred func(refcount int32) bool) error {
	idx := id.PhysicalIndex()

	stop := context.AfterFunc(ctx, a.cond.Broadcast)
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	for !pred(a.entries[idx].refcount) {
		if ctx.Err() != nil {
			return slot.ErrCancelled
		}

		a.cond.Wait()
	}

	return nil
}

// Refcount returns the current refcount for idx.
func (a *Allocator) Refcount(idx uint32) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.entries[idx].refcount
}

// maybeCheckpoint writes a new checkpoint and trims the log once the tail
// exceeds the configured watermark. Must be called with a.mu held.
func (a *Allocator) maybeCheckpoint(ctx context.Context) error {
	trimPos, flushPos, _ := a.log.Positions()
	if flushPos-trimPos < a.watermark {
		return nil
	}

	entries := make([]checkpointEntry, len(a.entries))
	for i, e := range a.entries {
		entries[i] = checkpointEntry{refcount: e.refcount, generation: e.generation}
	}

	attachments := make([]attachEntry, 0, len(a.attachments))
	for client, last := range a.attachments {
		attachments = append(attachments, attachEntry{client: client, lastSlot: last})
	}

	rec := encodeCheckpoint(checkpointRecord{entries: entries, attachments: attachments})

	lo, _, err := a.log.Append(rec)
	if err != nil {
		return fmt.Errorf("pagealloc: append checkpoint: %w", err)
	}

	if err := a.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("pagealloc: flush checkpoint: %w", err)
	}

	if err := a.log.Trim(lo); err != nil {
		return fmt.Errorf("pagealloc: trim after checkpoint: %w", err)
	}

	a.logr.Debug("checkpointed", "trim_pos", lo)

	return nil
}

// Close releases the allocator's LogDevice.
func (a *Allocator) Close() error { return a.log.Close() }
