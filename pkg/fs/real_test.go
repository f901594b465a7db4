package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealExistsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	real := NewReal()
	dir := t.TempDir()

	exists, err := real.Exists(filepath.Join(dir, "does-not-exist.txt"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRealExistsTrueForFile(t *testing.T) {
	t.Parallel()

	real := NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "exists.txt")

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	exists, err := real.Exists(path)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRealExistsTrueForDirectory(t *testing.T) {
	t.Parallel()

	real := NewReal()
	dir := t.TempDir()
	subdir := filepath.Join(dir, "subdir")

	require.NoError(t, os.MkdirAll(subdir, 0o755))

	exists, err := real.Exists(subdir)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRealWriteFileThenReadFileRoundtrips(t *testing.T) {
	t.Parallel()

	real := NewReal()
	path := filepath.Join(t.TempDir(), "page.log")

	require.NoError(t, real.WriteFile(path, []byte("volume data"), 0o644))

	got, err := real.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "volume data", string(got))
}

func TestRealRenameIsAtomicOnSameFilesystem(t *testing.T) {
	t.Parallel()

	real := NewReal()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "volume.log.tmp")
	newPath := filepath.Join(dir, "volume.log")

	require.NoError(t, real.WriteFile(oldPath, []byte("committed"), 0o644))
	require.NoError(t, real.Rename(oldPath, newPath))

	exists, err := real.Exists(oldPath)
	require.NoError(t, err)
	require.False(t, exists)

	got, err := real.ReadFile(newPath)
	require.NoError(t, err)
	require.Equal(t, "committed", string(got))
}
