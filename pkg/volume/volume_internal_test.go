package volume

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
)

// newTestVolume builds a Volume whose own log is file-backed (so closing
// and reopening it actually exercises recovery) over one in-memory
// device/allocator pair. This file lives in package volume, not
// volume_test, to reach the unexported prepareRecord/commitRecord wire
// types needed to simulate a crash between commitJob's steps directly.
func newTestVolume(t *testing.T) (*Volume, *page.Device, *pagealloc.Allocator, llfsid.ID) {
	t.Helper()

	dev, err := page.Open(page.Config{DeviceIndex: 0, PageSize: 512, PageCount: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	alloc, err := pagealloc.Open(pagealloc.Config{DeviceIndex: 0, PageCount: 8, LogCapacity: 1 << 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	volumeID, err := llfsid.New()
	require.NoError(t, err)

	path := t.TempDir() + "/volume.log"

	vol, err := Open(Config{
		VolumeID:    volumeID,
		Devices:     map[uint8]Binding{0: {Device: dev, Allocator: alloc}},
		LogCapacity: 1 << 16,
		FS:          fs.NewReal(),
		Path:        path,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	return vol, dev, alloc, volumeID
}

// reopenVolume simulates a restart: it closes vol's log (without ever
// having appended the Commit record the live path would add) and opens a
// fresh Volume over the same file-backed log path plus the same
// in-process device/allocator, driving recover() against what actually
// made it to disk.
func reopenVolume(t *testing.T, vol *Volume, dev *page.Device, alloc *pagealloc.Allocator, volumeID llfsid.ID) *Volume {
	t.Helper()

	require.NoError(t, vol.log.Close())

	reopened, err := Open(Config{
		VolumeID:    volumeID,
		Devices:     map[uint8]Binding{0: {Device: dev, Allocator: alloc}},
		LogCapacity: 1 << 16,
		FS:          vol.cfg.FS,
		Path:        vol.cfg.Path,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	return reopened
}

// TestRecoverRollsForwardWhenPagesAreDurable simulates a crash between
// commitJob's step 3 (apply allocator deltas) and step 4 (append Commit):
// every new page is on disk and the allocator Update already landed, but
// the volume log only has a Prepare. Recovery must re-issue the (now
// idempotent) Update and write the missing Commit (spec.md §4.7, §9).
func TestRecoverRollsForwardWhenPagesAreDurable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vol, dev, alloc, volumeID := newTestVolume(t)

	jobID, err := llfsid.New()
	require.NoError(t, err)

	ids, err := alloc.Allocate(1)
	require.NoError(t, err)
	id := ids[0]

	require.NoError(t, dev.Write(id, make([]byte, dev.PageSize())))

	prep := prepareRecord{jobID: jobID, newPages: []page.ID{id}, deltas: []deltaEntry{{device: 0, id: id, delta: 2}}}

	lo, _, err := vol.log.Append(encodePrepare(prep))
	require.NoError(t, err)
	require.NoError(t, vol.log.FlushBarrier(ctx))
	prepareSlot := uint64(lo) + 1

	_, _, commitPosBeforeRecovery := vol.log.Positions()

	require.NoError(t, alloc.Update(ctx, volumeID, prepareSlot, []pagealloc.Delta{{ID: id, Delta: 2}}))
	require.Equal(t, int32(2), alloc.Refcount(id.PhysicalIndex()))

	// Crash: no Commit record was ever appended.
	reopened := reopenVolume(t, vol, dev, alloc, volumeID)

	_, flushPos, commitPos := reopened.Positions()
	require.Equal(t, flushPos, commitPos, "recovery must flush whatever it appends")
	require.Greater(t, commitPos, commitPosBeforeRecovery, "recovery must have appended the missing Commit record")

	// Idempotent re-application must not double the refcount.
	require.Equal(t, int32(2), alloc.Refcount(id.PhysicalIndex()))

	got, err := dev.Read(id)
	require.NoError(t, err)
	require.Len(t, got, dev.PageSize())
}

// TestRecoverAbortsWhenNewPageNeverWritten simulates a crash before step 2
// (write pages) completed: the Prepare is durable but the new page was
// never written, so no Update was ever issued for this job's deltas.
// Recovery must abort: no Commit appears, and the would-be page's refcount
// stays untouched.
func TestRecoverAbortsWhenNewPageNeverWritten(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vol, dev, alloc, volumeID := newTestVolume(t)

	jobID, err := llfsid.New()
	require.NoError(t, err)

	ids, err := alloc.Allocate(1)
	require.NoError(t, err)
	id := ids[0]

	// Deliberately never written to dev.

	prep := prepareRecord{jobID: jobID, newPages: []page.ID{id}, deltas: []deltaEntry{{device: 0, id: id, delta: 2}}}

	_, _, err = vol.log.Append(encodePrepare(prep))
	require.NoError(t, err)
	require.NoError(t, vol.log.FlushBarrier(ctx))

	_ = reopenVolume(t, vol, dev, alloc, volumeID)

	require.Equal(t, int32(0), alloc.Refcount(id.PhysicalIndex()), "aborted job must never apply its deltas")

	_, err = dev.Read(id)
	require.Error(t, err, "aborted job's new page must not be readable")
}
