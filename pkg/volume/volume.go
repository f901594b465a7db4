// Package volume implements LLFS's PageCacheJob and Volume: an in-memory
// staging buffer for one atomic multi-page update, and the five-step commit
// protocol that makes it durable across every PageDevice/PageAllocator it
// touches plus the Volume's own log record (spec.md §4.7).
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/pagecache"
	"github.com/llfs-go/llfs/pkg/slot"
)

// Binding gives the Volume the device and allocator for one PageDevice a
// Job may touch.
type Binding struct {
	Device    *page.Device
	Allocator *pagealloc.Allocator
}

// Config configures a Volume.
type Config struct {
	// VolumeID identifies this Volume to the PageAllocators it updates. It
	// must be stable across restarts (supplied by the caller, not
	// generated fresh on every Open) since it is the client identity the
	// exactly-once Update discipline is keyed on.
	VolumeID llfsid.ID

	Devices map[uint8]Binding

	// Cache, if set, is filled write-through with newly committed pages so
	// a subsequent read doesn't re-hit the PageDevice.
	Cache *pagecache.Cache

	LogCapacity int64
	FS          fs.FS
	Path        string
}

// Volume is LLFS's Volume: the authority for cross-device ordering of Jobs
// via its own LogDevice's Prepare/Commit records (spec.md §5).
type Volume struct {
	mu  sync.Mutex
	log *slot.LogDevice
	cfg Config

	logr *slog.Logger
}

// Open creates or reopens a Volume, replaying any Prepare/Commit records its
// log currently holds (see recover).
func Open(cfg Config) (*Volume, error) {
	log, err := slot.Open(slot.Config{Capacity: cfg.LogCapacity, FS: cfg.FS, Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("volume: open log: %w", err)
	}

	v := &Volume{
		log:  log,
		cfg:  cfg,
		logr: slog.Default().With("component", "volume.Volume"),
	}

	lastSlot, err := v.recover()
	if err != nil {
		return nil, err
	}

	for idx, b := range cfg.Devices {
		if err := b.Allocator.Attach(cfg.VolumeID, lastSlot+1); err != nil {
			return nil, fmt.Errorf("volume: attach to device %d allocator: %w", idx, err)
		}
	}

	return v, nil
}

func (v *Volume) binding(device uint8) (Binding, error) {
	b, ok := v.cfg.Devices[device]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}

	return b, nil
}

// Begin starts a new Job.
func (v *Volume) Begin() (*Job, error) {
	id, err := llfsid.New()
	if err != nil {
		return nil, fmt.Errorf("volume: begin: %w", err)
	}

	return &Job{
		vol:      v,
		id:       id,
		pageData: make(map[page.ID][]byte),
		deltas:   make(map[page.ID]deltaEntry),
	}, nil
}

// recover replays the Durable prefix of the volume log, applying the
// roll-forward/abort policy documented on commitJob to any Prepare left
// without a matching Commit. It returns the highest prepare_slot observed,
// for use as this Volume's initial last_slot on every bound allocator.
func (v *Volume) recover() (uint64, error) {
	trimPos, _, _ := v.log.Positions()
	rd := v.log.NewReader(slot.Durable, trimPos)

	pending := make(map[uint64]prepareRecord)
	var lastSlot uint64

	for !rd.AtEnd() {
		payload, lo, _, err := rd.Next(context.Background())
		if err != nil {
			return 0, fmt.Errorf("volume: recover: %w", err)
		}

		if len(payload) == 0 {
			return 0, fmt.Errorf("%w: empty record", ErrCorrupt)
		}

		switch recordKind(payload[0]) {
		case kindPrepare:
			prep, err := decodePrepare(payload)
			if err != nil {
				return 0, err
			}

			// prepare_slot is lo+1, never 0, so it always satisfies the
			// allocator's exactly-once "slotNum > last" check even for a
			// freshly attached client (last defaults to 0).
			prepareSlot := uint64(lo) + 1
			pending[prepareSlot] = prep
			if prepareSlot > lastSlot {
				lastSlot = prepareSlot
			}

		case kindCommit:
			commit, err := decodeCommit(payload)
			if err != nil {
				return 0, err
			}

			delete(pending, commit.prepareSlot)

		default:
			return 0, fmt.Errorf("%w: unknown record kind %d", ErrCorrupt, payload[0])
		}
	}

	for slotNum, prep := range pending {
		if err := v.recoverPrepare(context.Background(), slotNum, prep); err != nil {
			return 0, err
		}
	}

	return lastSlot, nil
}

// recoverPrepare resolves one Prepare left without a Commit record.
//
// Policy: if every one of the Prepare's new pages is readable on its
// device, the pages are durable and the commit is rolled forward
// (re-issuing the allocator Update, which is idempotent, then writing the
// missing Commit record). If any new page is missing, the crash happened
// before step 2 (write pages) finished, and the Job is aborted: no Update
// is issued for *any* of its deltas (including deltas on pre-existing
// pages), because step 3 in the live commit path never runs until step 2
// has fully succeeded — so "some new page missing" means this Prepare's
// Update was never called by any process, past or present, and there is
// nothing to compensate. This gates the decision on one idempotent,
// re-checkable predicate instead of a separate Rollback record (spec.md
// §4.7's Open Question on abort policy).
func (v *Volume) recoverPrepare(ctx context.Context, slotNum uint64, prep prepareRecord) error {
	for _, id := range prep.newPages {
		b, err := v.binding(id.Device())
		if err != nil {
			return err
		}

		if _, err := b.Device.Read(id); err != nil {
			v.logr.Info("aborting incomplete job on recovery", "job_id", prep.jobID.String(), "prepare_slot", slotNum)
			return nil
		}
	}

	if err := v.applyDeltas(ctx, slotNum, prep.deltas); err != nil {
		return err
	}

	if _, _, err := v.log.Append(encodeCommit(commitRecord{prepareSlot: slotNum})); err != nil {
		return fmt.Errorf("volume: recover: append commit: %w", err)
	}

	if err := v.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("volume: recover: flush commit: %w", err)
	}

	v.logr.Info("rolled forward committed job on recovery", "job_id", prep.jobID.String(), "prepare_slot", slotNum)

	return nil
}

// applyDeltas groups deltas by device and submits one exactly-once Update
// per touched allocator.
func (v *Volume) applyDeltas(ctx context.Context, prepareSlot uint64, deltas []deltaEntry) error {
	byDevice := make(map[uint8][]pagealloc.Delta)
	for _, d := range deltas {
		byDevice[d.device] = append(byDevice[d.device], pagealloc.Delta{ID: d.id, Delta: d.delta})
	}

	for device, ds := range byDevice {
		b, err := v.binding(device)
		if err != nil {
			return err
		}

		if err := b.Allocator.Update(ctx, v.cfg.VolumeID, prepareSlot, ds); err != nil {
			return fmt.Errorf("volume: apply deltas on device %d: %w", device, err)
		}
	}

	return nil
}

// commitJob runs the five-step commit protocol of spec.md §4.7:
//  1. Prepare: append a Prepare record and await its Durable flush.
//  2. Write every new page to its PageDevice (each Write is synchronously
//     durable; pkg/page's backends fsync on every write).
//  3. Apply allocator deltas, exactly-once per device via (VolumeID, prepare_slot).
//  4. Commit: append a Commit{prepare_slot} record and await Durable flush.
//  5. Release: (no-op here; SlotReadLocks, if any were acquired by the
//     caller for j.readPages, are the caller's to release once Commit
//     returns, mirroring how pkg/slot.ReadLock is an explicit caller-held
//     value elsewhere in LLFS.)
func (v *Volume) commitJob(j *Job) error {
	ctx := context.Background()

	v.mu.Lock()
	defer v.mu.Unlock()

	deltas := make([]deltaEntry, 0, len(j.deltas))
	for _, d := range j.deltas {
		deltas = append(deltas, d)
	}

	prep := prepareRecord{
		jobID:     j.id,
		newPages:  j.newPages,
		readPages: j.readPages,
		deltas:    deltas,
		payload:   j.payload,
	}

	lo, _, err := v.log.Append(encodePrepare(prep))
	if err != nil {
		return fmt.Errorf("volume: commit: append prepare: %w", err)
	}
	prepareSlot := uint64(lo) + 1

	if err := v.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("volume: commit: flush prepare: %w", err)
	}

	for _, id := range j.newPages {
		b, err := v.binding(id.Device())
		if err != nil {
			return err
		}

		if err := b.Device.Write(id, j.pageData[id]); err != nil {
			return fmt.Errorf("volume: commit: write page %s: %w", id, err)
		}
	}

	if err := v.applyDeltas(ctx, prepareSlot, deltas); err != nil {
		return err
	}

	if _, _, err := v.log.Append(encodeCommit(commitRecord{prepareSlot: prepareSlot})); err != nil {
		return fmt.Errorf("volume: commit: append commit: %w", err)
	}

	if err := v.log.FlushBarrier(ctx); err != nil {
		return fmt.Errorf("volume: commit: flush commit: %w", err)
	}

	if v.cfg.Cache != nil {
		for _, id := range j.newPages {
			if release, err := v.cfg.Cache.Put(id, j.pageData[id]); err == nil {
				release()
			}
		}
	}

	v.logr.Debug("job committed", "job_id", j.id.String(), "prepare_slot", prepareSlot, "n_new_pages", len(j.newPages))

	return nil
}

// Positions returns the volume log's current (trim_pos, flush_pos, commit_pos).
func (v *Volume) Positions() (trimPos, flushPos, commitPos int64) {
	return v.log.Positions()
}

// Trim advances the volume log's trim_pos to just before the earliest
// still-pending Prepare (one without a matching Commit), or to flush_pos if
// none is pending, so recovery can still see any in-flight job.
func (v *Volume) Trim() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	trimPos, flushPos, _ := v.log.Positions()
	rd := v.log.NewReader(slot.Durable, trimPos)

	pending := make(map[uint64]struct{})
	safe := flushPos

	for !rd.AtEnd() {
		payload, lo, _, err := rd.Next(context.Background())
		if err != nil {
			return fmt.Errorf("volume: trim: %w", err)
		}

		if len(payload) == 0 {
			return fmt.Errorf("%w: empty record", ErrCorrupt)
		}

		switch recordKind(payload[0]) {
		case kindPrepare:
			prepareSlot := uint64(lo) + 1
			pending[prepareSlot] = struct{}{}
			if len(pending) == 1 {
				safe = lo
			}
		case kindCommit:
			commit, err := decodeCommit(payload)
			if err != nil {
				return err
			}
			delete(pending, commit.prepareSlot)
			if len(pending) == 0 {
				safe = flushPos
			}
		}
	}

	return v.log.Trim(safe)
}

// Close releases the Volume's LogDevice.
func (v *Volume) Close() error { return v.log.Close() }
