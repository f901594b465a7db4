package pagealloc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/pagealloc"
)

func openAllocator(t *testing.T, fsys fs.FS, path string) *pagealloc.Allocator {
	t.Helper()

	a, err := pagealloc.Open(pagealloc.Config{
		DeviceIndex: 1,
		PageCount:   8,
		LogCapacity: 1 << 16,
		FS:          fsys,
		Path:        path,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestAllocateAttachUpdateLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := openAllocator(t, nil, "")

	client, err := llfsid.New()
	require.NoError(t, err)
	require.NoError(t, a.Attach(client, 1))

	ids, err := a.Allocate(1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	id := ids[0]
	require.Equal(t, int32(0), a.Refcount(id.PhysicalIndex()))

	require.NoError(t, a.Update(ctx, client, 1, []pagealloc.Delta{{ID: id, Delta: 2}}))
	require.Equal(t, int32(2), a.Refcount(id.PhysicalIndex()))

	// Resubmitting the same slot is a no-op (exactly-once).
	require.NoError(t, a.Update(ctx, client, 1, []pagealloc.Delta{{ID: id, Delta: 2}}))
	require.Equal(t, int32(2), a.Refcount(id.PhysicalIndex()))
}

func TestUpdateRejectsUnknownClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := openAllocator(t, nil, "")

	client, err := llfsid.New()
	require.NoError(t, err)

	err = a.Update(ctx, client, 1, nil)
	require.ErrorIs(t, err, pagealloc.ErrUnknownClient)
}

func TestAllocateExhausted(t *testing.T) {
	t.Parallel()

	a := openAllocator(t, nil, "")

	_, err := a.Allocate(9)
	require.ErrorIs(t, err, pagealloc.ErrExhausted)
}

func TestRecoveryReplaysUpdateTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := dir + "/alloc.log"

	a := openAllocator(t, fsys, path)

	client, err := llfsid.New()
	require.NoError(t, err)
	require.NoError(t, a.Attach(client, 1))

	ids, err := a.Allocate(2)
	require.NoError(t, err)

	require.NoError(t, a.Update(ctx, client, 1, []pagealloc.Delta{
		{ID: ids[0], Delta: 2},
		{ID: ids[1], Delta: 2},
	}))

	require.NoError(t, a.Close())

	reopened, err := pagealloc.Open(pagealloc.Config{
		DeviceIndex: 1,
		PageCount:   8,
		LogCapacity: 1 << 16,
		FS:          fsys,
		Path:        path,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	require.Equal(t, int32(2), reopened.Refcount(ids[0].PhysicalIndex()))
	require.Equal(t, int32(2), reopened.Refcount(ids[1].PhysicalIndex()))

	// Already-attached client accepts a repeat Attach as a no-op, and the
	// recovered last_slot still makes the original update idempotent.
	require.NoError(t, reopened.Attach(client, 1))
	require.NoError(t, reopened.Update(ctx, client, 1, []pagealloc.Delta{{ID: ids[0], Delta: 2}}))
	require.Equal(t, int32(2), reopened.Refcount(ids[0].PhysicalIndex()))
}

func TestAwaitRefcountUnblocksOnUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := openAllocator(t, nil, "")

	client, err := llfsid.New()
	require.NoError(t, err)
	require.NoError(t, a.Attach(client, 1))

	ids, err := a.Allocate(1)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- a.AwaitRefcount(ctx, ids[0], func(rc int32) bool { return rc == 2 })
	}()

	require.NoError(t, a.Update(ctx, client, 1, []pagealloc.Delta{{ID: ids[0], Delta: 2}}))
	require.NoError(t, <-done)
}
