package volume_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/volume"
)

const testDeviceIndex = 0

func openVolume(t *testing.T) (*volume.Volume, *page.Device, *pagealloc.Allocator) {
	t.Helper()

	dev, err := page.Open(page.Config{DeviceIndex: testDeviceIndex, PageSize: 512, PageCount: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	alloc, err := pagealloc.Open(pagealloc.Config{DeviceIndex: testDeviceIndex, PageCount: 8, LogCapacity: 1 << 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	volumeID, err := llfsid.New()
	require.NoError(t, err)

	vol, err := volume.Open(volume.Config{
		VolumeID:    volumeID,
		Devices:     map[uint8]volume.Binding{testDeviceIndex: {Device: dev, Allocator: alloc}},
		LogCapacity: 1 << 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	return vol, dev, alloc
}

func TestJobCommitMakesPageReadableAndDurable(t *testing.T) {
	t.Parallel()

	vol, dev, alloc := openVolume(t)

	job, err := vol.Begin()
	require.NoError(t, err)

	id, buf, err := job.NewPage(testDeviceIndex)
	require.NoError(t, err)
	copy(buf, "hello, llfs")

	require.NoError(t, job.RefDelta(id, 1)) // simulate a parent page's out-edge
	require.NoError(t, job.Append([]byte("job record")))
	require.NoError(t, job.Commit())

	got, err := dev.Read(id)
	require.NoError(t, err)
	require.Equal(t, append([]byte("hello, llfs"), make([]byte, 512-len("hello, llfs"))...), got)

	require.Equal(t, int32(2), alloc.Refcount(id.PhysicalIndex()))
}

func TestJobMethodsFailAfterCommit(t *testing.T) {
	t.Parallel()

	vol, _, _ := openVolume(t)

	job, err := vol.Begin()
	require.NoError(t, err)
	require.NoError(t, job.Commit())

	_, _, err = job.NewPage(testDeviceIndex)
	require.ErrorIs(t, err, volume.ErrJobClosed)

	require.ErrorIs(t, job.RefDelta(0, 1), volume.ErrJobClosed)
	require.ErrorIs(t, job.Append(nil), volume.ErrJobClosed)
	require.ErrorIs(t, job.Commit(), volume.ErrJobClosed)
}

func TestJobRollbackReleasesReservedPage(t *testing.T) {
	t.Parallel()

	vol, _, alloc := openVolume(t)

	job, err := vol.Begin()
	require.NoError(t, err)

	id, _, err := job.NewPage(testDeviceIndex)
	require.NoError(t, err)
	require.NoError(t, job.Rollback())

	// No delta was ever applied, so the physical index is still refcount 0
	// and reusable by the next allocation.
	require.Equal(t, int32(0), alloc.Refcount(id.PhysicalIndex()))

	job2, err := vol.Begin()
	require.NoError(t, err)

	id2, _, err := job2.NewPage(testDeviceIndex)
	require.NoError(t, err)
	require.Equal(t, id.PhysicalIndex(), id2.PhysicalIndex())
	require.NoError(t, job2.Rollback())
}

func TestRollbackIsNoopAfterCommit(t *testing.T) {
	t.Parallel()

	vol, _, _ := openVolume(t)

	job, err := vol.Begin()
	require.NoError(t, err)
	require.NoError(t, job.Commit())
	require.NoError(t, job.Rollback()) // must not error or double-release
}

// TestTwoSequentialJobsBothPersist exercises spec.md §8 scenario 6's
// invariant (every committed job's record and pages are durable and
// readable) without requiring true concurrency: two Jobs each allocate a
// fresh page and commit; both must be independently readable afterward.
func TestTwoSequentialJobsBothPersist(t *testing.T) {
	t.Parallel()

	vol, dev, _ := openVolume(t)

	job1, err := vol.Begin()
	require.NoError(t, err)

	id1, buf1, err := job1.NewPage(testDeviceIndex)
	require.NoError(t, err)
	copy(buf1, "job one")
	require.NoError(t, job1.Commit())

	job2, err := vol.Begin()
	require.NoError(t, err)

	id2, buf2, err := job2.NewPage(testDeviceIndex)
	require.NoError(t, err)
	copy(buf2, "job two")
	require.NoError(t, job2.Commit())

	require.NotEqual(t, id1, id2)

	got1, err := dev.Read(id1)
	require.NoError(t, err)
	require.Equal(t, "job one", string(bytesTrim(got1)))

	got2, err := dev.Read(id2)
	require.NoError(t, err)
	require.Equal(t, "job two", string(bytesTrim(got2)))
}

func bytesTrim(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}

	return b[:i]
}

func TestVolumeTrimAdvancesPastCommittedPrepares(t *testing.T) {
	t.Parallel()

	vol, _, _ := openVolume(t)

	job, err := vol.Begin()
	require.NoError(t, err)
	_, _, err = job.NewPage(testDeviceIndex)
	require.NoError(t, err)
	require.NoError(t, job.Commit())

	_, flushPosBefore, _ := vol.Positions()
	require.NoError(t, vol.Trim())

	trimPos, flushPos, _ := vol.Positions()
	require.Equal(t, flushPosBefore, flushPos)
	require.Equal(t, flushPos, trimPos, "trim_pos should catch up to flush_pos once every prepare has a matching commit")
}
