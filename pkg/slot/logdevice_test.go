package slot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/pkg/fs"
	"github.com/llfs-go/llfs/pkg/slot"
)

func openMemDevice(t *testing.T, capacity int64) *slot.LogDevice {
	t.Helper()

	dev, err := slot.Open(slot.Config{Capacity: capacity})
	require.NoError(t, err)

	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

func TestAppendAndReadBack(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t, 4096)
	ctx := context.Background()

	lo, hi, err := dev.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(0), lo)
	require.Greater(t, hi, lo)

	require.NoError(t, dev.FlushBarrier(ctx))

	r := dev.NewReader(slot.Durable, 0)

	payload, gotLo, gotHi, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
	require.Equal(t, lo, gotLo)
	require.Equal(t, hi, gotHi)
	require.True(t, r.AtEnd())
}

func TestAppendFailsWhenFull(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t, 64)

	for {
		_, _, err := dev.Append(make([]byte, 16))
		if err != nil {
			require.ErrorIs(t, err, slot.ErrNoSpace)

			return
		}
	}
}

func TestTrimRejectsPastFlushPos(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t, 4096)

	_, hi, err := dev.Append([]byte("unflushed"))
	require.NoError(t, err)

	err = dev.Trim(hi)
	require.ErrorIs(t, err, slot.ErrTrimBeforeFlush)
}

func TestReadLockBlocksTrim(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t, 4096)
	ctx := context.Background()

	lo, hi, err := dev.Append([]byte("payload-one"))
	require.NoError(t, err)
	require.NoError(t, dev.FlushBarrier(ctx))

	lock, err := dev.AcquireReadLock(lo, hi)
	require.NoError(t, err)

	err = dev.Trim(hi)
	require.ErrorIs(t, err, slot.ErrTrimLocked)

	lock.Release()

	require.NoError(t, dev.Trim(hi))
}

func TestAwaitPositionUnblocksOnFlush(t *testing.T) {
	t.Parallel()

	dev := openMemDevice(t, 4096)

	_, hi, err := dev.Append([]byte("async"))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		done <- dev.AwaitPosition(ctx, slot.Durable, hi)
	}()

	require.NoError(t, dev.FlushBarrier(context.Background()))
	require.NoError(t, <-done)
}

func TestFileBackedDeviceRecoversCommitPosToFlushPos(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()
	path := dir + "/device.log"

	dev, err := slot.Open(slot.Config{Capacity: 4096, FS: fsys, Path: path})
	require.NoError(t, err)

	_, flushedHi, err := dev.Append([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, dev.FlushBarrier(context.Background()))

	_, _, err = dev.Append([]byte("never-flushed"))
	require.NoError(t, err)

	require.NoError(t, dev.Close())

	reopened, err := slot.Open(slot.Config{Capacity: 4096, FS: fsys, Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	_, flushPos, commitPos := reopened.Positions()
	require.Equal(t, flushedHi, flushPos)
	require.Equal(t, flushedHi, commitPos)
}
