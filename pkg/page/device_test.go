package page_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/pkg/page"
)

func openMemDevice(t *testing.T) *page.Device {
	t.Helper()

	dev, err := page.Open(page.Config{DeviceIndex: 3, PageSize: 512, PageCount: 4})
	require.NoError(t, err)

	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

func TestWriteReadRoundtrip(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t)

	gen := dev.NextGeneration(0)
	id := page.NewID(3, 0, gen)

	payload := make([]byte, 512)
	copy(payload, "hello page")

	require.NoError(t, dev.Write(id, payload))

	got, err := dev.Read(id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadStaleGenerationIsNotFound(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t)

	id1 := page.NewID(3, 0, dev.NextGeneration(0))
	require.NoError(t, dev.Write(id1, make([]byte, 512)))

	id2 := page.NewID(3, 0, dev.NextGeneration(0))
	require.NoError(t, dev.Write(id2, make([]byte, 512)))

	_, err := dev.Read(id1)
	require.ErrorIs(t, err, page.ErrNotFound)

	got, err := dev.Read(id2)
	require.NoError(t, err)
	require.Len(t, got, 512)
}

func TestWriteRejectsNonSequentialGeneration(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t)

	id := page.NewID(3, 0, 5) // skips ahead of the expected next generation (1)
	err := dev.Write(id, make([]byte, 512))
	require.ErrorIs(t, err, page.ErrGenerationUsed)
}

func TestDropMakesPageNotFoundButPreservesGeneration(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t)

	id := page.NewID(3, 0, dev.NextGeneration(0))
	require.NoError(t, dev.Write(id, make([]byte, 512)))
	require.NoError(t, dev.Drop(id))

	_, err := dev.Read(id)
	require.ErrorIs(t, err, page.ErrNotFound)

	require.Equal(t, id.Generation()+1, dev.NextGeneration(0))
}

func TestPageIDPacking(t *testing.T) {
	t.Parallel()

	id := page.NewID(200, 123456, 42)
	require.Equal(t, uint8(200), id.Device())
	require.Equal(t, uint32(123456), id.PhysicalIndex())
	require.Equal(t, uint32(42), id.Generation())

	next := id.Next()
	require.Equal(t, id.Device(), next.Device())
	require.Equal(t, id.PhysicalIndex(), next.PhysicalIndex())
	require.Equal(t, id.Generation()+1, next.Generation())
}
