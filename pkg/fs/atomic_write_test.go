package fs_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/pkg/fs"
)

const sidecarContent = "volume-id-bytes"

func TestAtomicWriteSurvivesSimulatedCrash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	writer := fs.NewAtomicWriter(crash)
	require.NoError(t, writer.WriteWithDefaults("volume-id", strings.NewReader(sidecarContent)))

	require.NoError(t, crash.SimulateCrash())

	got, err := crash.ReadFile("volume-id")
	require.NoError(t, err)
	require.Equal(t, sidecarContent, string(got))
}

func TestAtomicWriteTempFileDoesNotSurviveCrashBeforeRename(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	// Write a temp file directly (bypassing AtomicWriter's rename step) and
	// sync its contents but never its containing directory entry, mirroring
	// the window between a Write's fsync and its rename that AtomicWriter is
	// designed to close.
	const tmpName = ".volume-id.tmp-0"

	f, err := crash.Create(tmpName)
	require.NoError(t, err)
	_, err = f.Write([]byte(sidecarContent))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	require.NoError(t, crash.SimulateCrash())

	exists, err := crash.Exists(tmpName)
	require.NoError(t, err)
	require.False(t, exists, "a temp file's directory entry was never synced, so it must not appear after a crash")
}
