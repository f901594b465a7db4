// Package slot implements LLFS's bounded sliding-window append log: a
// LogDevice with its trim/flush/commit pointers (spec.md §3, §4.1), a slot
// codec for self-delimiting records (spec.md §4.2), and reader/writer
// handles bound to one of three durability modes.
package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llfs-go/llfs/pkg/fs"
)

// ReadMode orders a Reader's durability guarantee, weak to strong, per
// spec.md §4.1.
type ReadMode int

const (
	// Inconsistent readers may or may not observe committed-but-unflushed
	// data; cheapest, used for diagnostics/metrics only.
	Inconsistent ReadMode = iota
	// Speculative readers observe everything up to commit_pos.
	Speculative
	// Durable readers observe only data that has reached flush_pos.
	Durable
)

// Config configures a new LogDevice. The zero value is not usable; Capacity
// must be set.
type Config struct {
	// Capacity is the fixed ring-buffer size C in bytes (spec.md §3).
	Capacity int64

	// FS is the storage capability backing the device. If nil and Path is
	// empty, an in-memory backend is used (suitable for tests).
	FS fs.FS

	// Path is the file path for the backing ring buffer, used when FS is set.
	Path string
}

// LogDevice is a bounded sliding-window append log: the tuple
// (trim_pos, flush_pos, commit_pos) of spec.md §3, satisfying
//
//	0 <= trim_pos <= flush_pos <= commit_pos
//	commit_pos - trim_pos <= Capacity
//
// at all times. A LogDevice is safe for concurrent use; a single Reader or
// Writer obtained from it is not (spec.md §4.1 thread-safety contract).
type LogDevice struct {
	mu       sync.Mutex
	backend  backend
	capacity int64
	fsys     fs.FS
	path     string

	trimPos   int64
	commitPos int64

	flushWaiter   *waiter // tracks flush_pos
	commitWaiter  *waiter // tracks commit_pos, for await_position(commit)
	reservedUpTo  int64   // commit_pos plus any in-flight (reserved, not yet committed) bytes
	failed        error   // set on Corruption; refuses further ops (spec.md §7)
	readLocks     *readLockSet
	log           *slog.Logger
}

// Open creates or reopens a LogDevice. Reopening recovers the durable state:
// commit_pos regresses to the last known flush_pos if the process crashed
// between commit and flush (spec.md §4.1's crash invariant); trim_pos
// persists via the same recovery record.
func Open(cfg Config) (*LogDevice, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("slot: capacity must be > 0")
	}

	var be backend

	var err error

	if cfg.FS != nil && cfg.Path != "" {
		be, err = newFileBackend(cfg.FS, cfg.Path, cfg.Capacity)
		if err != nil {
			return nil, err
		}
	} else {
		be = newMemBackend(cfg.Capacity)
	}

	d := &LogDevice{
		backend:      be,
		capacity:     cfg.Capacity,
		fsys:         cfg.FS,
		path:         cfg.Path,
		flushWaiter:  newWaiter(),
		commitWaiter: newWaiter(),
		readLocks:    newReadLockSet(),
		log:          slog.Default().With("component", "slot.LogDevice"),
	}

	recovered, err := recoverState(cfg.FS, cfg.Path, be, cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("slot: recover log device: %w", err)
	}

	d.trimPos = recovered.trimPos
	d.commitPos = recovered.commitPos
	d.reservedUpTo = recovered.commitPos
	d.flushWaiter.reset(uint64(recovered.flushPos))
	d.commitWaiter.reset(uint64(recovered.commitPos))

	d.log.Debug("opened", "trim_pos", d.trimPos, "commit_pos", d.commitPos, "capacity", d.capacity)

	return d, nil
}

// Failed reports the corruption error, if any, that has disabled this
// device. Once non-nil, all operations fail with this error (spec.md §7).
func (d *LogDevice) Failed() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failed
}

func (d *LogDevice) fail(err error) error {
	d.mu.Lock()
	if d.failed == nil {
		d.failed = fmt.Errorf("%w: %w", ErrCorrupt, err)
		d.log.Error("log device entered failed state", "err", err)
	}
	failed := d.failed
	d.mu.Unlock()

	return failed
}

// Positions returns a consistent snapshot of (trim_pos, flush_pos, commit_pos).
func (d *LogDevice) Positions() (trimPos, flushPos, commitPos int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.trimPos, int64(d.flushWaiter.get()), d.commitPos
}

// Capacity returns the configured C.
func (d *LogDevice) Capacity() int64 { return d.capacity }

// Append reserves and commits n bytes for payload in a single fused step
// (spec.md §4.1 notes implementations may fuse reserve+commit). It returns
// the half-open slot range [lo, hi) the caller can later look up via a
// Reader. Append is atomic with respect to readers of any mode: they never
// observe a partially-written record.
func (d *LogDevice) Append(payload []byte) (lo, hi int64, err error) {
	if failed := d.Failed(); failed != nil {
		return 0, 0, failed
	}

	record := encodeSlot(payload)

	d.mu.Lock()

	lo = d.commitPos
	hi = lo + int64(len(record))

	if hi-d.trimPos > d.capacity {
		d.mu.Unlock()

		return 0, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrNoSpace, hi-lo, d.capacity-(d.commitPos-d.trimPos))
	}

	d.mu.Unlock()

	if err := d.backend.WriteAt(lo, record); err != nil {
		return 0, 0, d.fail(err)
	}

	d.mu.Lock()
	d.commitPos = hi
	d.mu.Unlock()

	d.commitWaiter.advance(uint64(hi))
	d.log.Debug("appended", "lo", lo, "hi", hi, "payload_len", len(payload))

	return lo, hi, nil
}

// FlushBarrier requests that flush_pos catch up to the commit_pos observed
// at call time, and blocks until that happens or ctx is done (spec.md
// §4.1's "Asynchronous; completion signalled by an awaitable on flush_pos").
func (d *LogDevice) FlushBarrier(ctx context.Context) error {
	if failed := d.Failed(); failed != nil {
		return failed
	}

	d.mu.Lock()
	target := d.commitPos
	d.mu.Unlock()

	if err := d.backend.Flush(); err != nil {
		return d.fail(err)
	}

	d.mu.Lock()
	trimPos := d.trimPos
	d.mu.Unlock()

	if err := writeMeta(d.fsys, d.path, metaRecord{trimPos: trimPos, flushPos: target}); err != nil {
		return d.fail(err)
	}

	d.flushWaiter.advance(uint64(target))

	return d.flushWaiter.await(ctx, uint64(target))
}

// AwaitPosition resolves when the named pointer reaches at least offset.
func (d *LogDevice) AwaitPosition(ctx context.Context, mode ReadMode, offset int64) error {
	switch mode {
	case Durable:
		return d.flushWaiter.await(ctx, uint64(offset))
	case Speculative, Inconsistent:
		return d.commitWaiter.await(ctx, uint64(offset))
	default:
		return fmt.Errorf("slot: unknown read mode %d", mode)
	}
}

// Trim advances trim_pos to newTrimPos. It requires newTrimPos <= flush_pos
// and that no outstanding ReadLock covers a range below it (spec.md §4.1).
// Trim is O(1): it only moves a pointer, no I/O.
func (d *LogDevice) Trim(newTrimPos int64) error {
	if failed := d.Failed(); failed != nil {
		return failed
	}

	flushPos := int64(d.flushWaiter.get())
	if newTrimPos > flushPos {
		return fmt.Errorf("%w: trim=%d flush_pos=%d", ErrTrimBeforeFlush, newTrimPos, flushPos)
	}

	if lo, any := d.readLocks.minLo(); any && newTrimPos > lo {
		return fmt.Errorf("%w: trim=%d locked_lo=%d", ErrTrimLocked, newTrimPos, lo)
	}

	d.mu.Lock()
	if newTrimPos < d.trimPos {
		d.mu.Unlock()

		return fmt.Errorf("%w: trim must be monotone: new=%d current=%d", ErrInvalidRange, newTrimPos, d.trimPos)
	}

	d.trimPos = newTrimPos
	d.mu.Unlock()

	if err := writeMeta(d.fsys, d.path, metaRecord{trimPos: newTrimPos, flushPos: flushPos}); err != nil {
		return d.fail(err)
	}

	d.log.Debug("trimmed", "trim_pos", newTrimPos)

	return nil
}

// AcquireReadLock pins [lo, hi) against Trim until Release is called.
func (d *LogDevice) AcquireReadLock(lo, hi int64) (*ReadLock, error) {
	if hi < lo {
		return nil, ErrInvalidRange
	}

	l := &ReadLock{lo: lo, hi: hi, dev: d}
	d.readLocks.add(l)

	return l, nil
}

func (d *LogDevice) releaseReadLock(l *ReadLock) {
	d.readLocks.remove(l)
}

// Close releases the backing storage. Outstanding Readers/Writers become
// invalid.
func (d *LogDevice) Close() error {
	return d.backend.Close()
}
