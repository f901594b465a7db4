package recycler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/internal/llfsid"
	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagealloc"
	"github.com/llfs-go/llfs/pkg/recycler"
)

// linkScanner treats a page's first 8 bytes as a single out-reference
// (0 meaning none), the simplest possible page format for exercising the
// recycler's traversal without depending on any real page layout.
func linkScanner(_ uint8, payload []byte) ([]page.ID, error) {
	id := page.ID(0)
	for i := 0; i < 8 && i < len(payload); i++ {
		id |= page.ID(payload[i]) << (8 * i)
	}

	if id == 0 {
		return nil, nil
	}

	return []page.ID{id}, nil
}

func encodeLink(id page.ID, pageSize int) []byte {
	buf := make([]byte, pageSize)
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}

	return buf
}

func TestRecyclerWalksChainToZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	dev, err := page.Open(page.Config{DeviceIndex: 0, PageSize: 512, PageCount: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	alloc, err := pagealloc.Open(pagealloc.Config{DeviceIndex: 0, PageCount: 8, LogCapacity: 1 << 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	volumeClient, err := llfsid.New()
	require.NoError(t, err)
	require.NoError(t, alloc.Attach(volumeClient, 1))

	ids, err := alloc.Allocate(3)
	require.NoError(t, err)
	p1, p2, p3 := ids[0], ids[1], ids[2]

	// Build the chain P1 -> P2 -> P3, each born at refcount 2.
	require.NoError(t, dev.Write(p3, encodeLink(0, 512)))
	require.NoError(t, dev.Write(p2, encodeLink(p3, 512)))
	require.NoError(t, dev.Write(p1, encodeLink(p2, 512)))

	require.NoError(t, alloc.Update(ctx, volumeClient, 1, []pagealloc.Delta{
		{ID: p1, Delta: 2},
		{ID: p2, Delta: 2},
		{ID: p3, Delta: 2},
	}))

	recyclerClient, err := llfsid.New()
	require.NoError(t, err)

	rc, err := recycler.Open(recycler.Config{
		MaxBranchingFactor: 1,
		MaxDepth:            4,
		ClientID:            recyclerClient,
		Scanner:             linkScanner,
		Devices: map[uint8]recycler.Binding{
			0: {Allocator: alloc, Device: dev},
		},
		LogCapacity: 1 << 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	// Drop the external reference to P1: refcount 2 -> 1, enqueue for recycling.
	require.NoError(t, alloc.Update(ctx, volumeClient, 2, []pagealloc.Delta{{ID: p1, Delta: -1}}))
	require.NoError(t, rc.Enqueue(ctx, p1))

	require.NoError(t, rc.Run(ctx))

	require.Equal(t, int32(0), alloc.Refcount(p1.PhysicalIndex()))
	require.Equal(t, int32(0), alloc.Refcount(p2.PhysicalIndex()))
	require.Equal(t, int32(0), alloc.Refcount(p3.PhysicalIndex()))

	for _, id := range []page.ID{p1, p2, p3} {
		_, err := dev.Read(id)
		require.ErrorIs(t, err, page.ErrNotFound)
	}
}
