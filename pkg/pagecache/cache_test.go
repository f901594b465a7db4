package pagecache_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/pkg/page"
	"github.com/llfs-go/llfs/pkg/pagecache"
)

func openDevice(t *testing.T, index uint8, pageCount uint32) *page.Device {
	t.Helper()

	dev, err := page.Open(page.Config{DeviceIndex: index, PageSize: 512, PageCount: pageCount})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

func TestGetLoadsFromDeviceOnMiss(t *testing.T) {
	t.Parallel()

	dev := openDevice(t, 0, 4)
	id := page.NewID(0, 0, 1)
	payload := make([]byte, 512)
	payload[0] = 0x42
	require.NoError(t, dev.Write(id, payload))

	c := pagecache.Open(pagecache.Config{Devices: map[uint8]*page.Device{0: dev}, Capacity: 4})

	data, release, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.True(t, c.Pinned(id))

	release()
	require.False(t, c.Pinned(id))
}

func TestGetUnknownDeviceFails(t *testing.T) {
	t.Parallel()

	c := pagecache.Open(pagecache.Config{Devices: map[uint8]*page.Device{}, Capacity: 4})

	_, _, err := c.Get(context.Background(), page.NewID(9, 0, 1))
	require.ErrorIs(t, err, pagecache.ErrUnknownDevice)
}

func TestConcurrentGetsCoalesceOnSingleLoad(t *testing.T) {
	t.Parallel()

	dev := openDevice(t, 0, 4)
	id := page.NewID(0, 0, 1)
	require.NoError(t, dev.Write(id, make([]byte, 512)))

	c := pagecache.Open(pagecache.Config{Devices: map[uint8]*page.Device{0: dev}, Capacity: 4})

	var wg sync.WaitGroup
	errs := make([]error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, release, err := c.Get(context.Background(), id)
			errs[i] = err
			if release != nil {
				release()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestPinnedFramesAreNotEvicted(t *testing.T) {
	t.Parallel()

	dev := openDevice(t, 0, 4)
	ids := make([]page.ID, 3)
	for i := range ids {
		ids[i] = page.NewID(0, uint32(i), 1)
		require.NoError(t, dev.Write(ids[i], make([]byte, 512)))
	}

	c := pagecache.Open(pagecache.Config{Devices: map[uint8]*page.Device{0: dev}, Capacity: 2})

	_, release0, err := c.Get(context.Background(), ids[0])
	require.NoError(t, err)
	defer release0()

	_, release1, err := c.Get(context.Background(), ids[1])
	require.NoError(t, err)
	defer release1()

	// Both frames pinned, cache full: loading a third id must fail rather
	// than silently evict a pinned frame.
	_, _, err = c.Get(context.Background(), ids[2])
	require.ErrorIs(t, err, pagecache.ErrNoFreeFrame)
}

func TestPutPopulatesWriteThroughWithoutDeviceRead(t *testing.T) {
	t.Parallel()

	dev := openDevice(t, 0, 4)
	id := page.NewID(0, 0, 1)
	payload := make([]byte, 512)
	copy(payload, "freshly written page data")
	require.NoError(t, dev.Write(id, payload))

	c := pagecache.Open(pagecache.Config{Devices: map[uint8]*page.Device{0: dev}, Capacity: 4})

	release, err := c.Put(id, payload)
	require.NoError(t, err)
	require.True(t, c.Pinned(id))
	release()

	data, release2, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	release2()
}
