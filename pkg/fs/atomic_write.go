package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync marks a failure to sync the parent directory after
// rename. The new file is already in place when this is returned; only the
// directory-entry durability guarantee is in question.
var ErrAtomicWriteDirSync = errors.New("fs: atomic write: dir sync")

// AtomicWriter is the temp-file-plus-rename primitive for durable state that
// lives outside any log — pkg/slot's LogDevice uses it for the
// trim_pos/flush_pos sidecar it keeps alongside the ring buffer file, since
// that pointer pair isn't itself a slot and so doesn't get the log's own
// crash-atomicity for free. A half-written file can never appear where a
// caller expects a complete one.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter builds an AtomicWriter over fs. Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs: atomic writer: nil FS")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures Write.
type AtomicWriteOptions struct {
	// SyncDir syncs the parent directory after rename. Default: true.
	SyncDir bool

	// Perm is the file's permissions; must be non-zero. The file is always
	// explicitly chmod'd to this mode regardless of umask.
	Perm os.FileMode
}

// Write atomically and durably replaces path with the bytes read from r: it
// writes a temp file alongside path, syncs it, renames it over path, then
// (if opts.SyncDir) syncs the parent directory so the rename itself
// survives a crash.
//
// A failure in the directory-sync step returns an error satisfying
// errors.Is(err, ErrAtomicWriteDirSync) — the rename already succeeded, so
// the new content is visible, but a crash before the next directory sync
// could still roll the directory entry back to the old file.
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if reader == nil {
		panic("fs: atomic write: nil reader")
	}

	if path == "" {
		return errors.New("fs: atomic write: empty path")
	}

	if opts.Perm == 0 {
		return errors.New("fs: atomic write: opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("fs: atomic write: invalid path %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := createAtomicTempFile(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	abort := func() error {
		return errors.Join(closeTmpFile(tmpPath, tmpFile), removeTempFile(w.fs, tmpPath))
	}

	if err := tmpFile.Chmod(opts.Perm); err != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), abort())
	}

	if err := writeAndSyncTempFile(tmpFile, tmpPath, reader); err != nil {
		return errors.Join(err, abort())
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("rename %q to %q: %w", tmpPath, path, err), abort())
	}

	// The rename already landed; a close/remove failure past this point is
	// leftover-fd noise, not a reason to report the write as failed.
	closeErr := closeTmpFile(tmpPath, tmpFile)

	if !opts.SyncDir {
		return nil
	}

	if err := fsyncDir(w.fs, dir); err != nil {
		return errors.Join(err, closeErr)
	}

	return nil
}

// WriteWithDefaults writes content atomically using default options.
func (w *AtomicWriter) WriteWithDefaults(path string, r io.Reader) error {
	return w.Write(path, r, w.DefaultOptions())
}

// DefaultOptions returns the default atomic write options.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

// writeAndSyncTempFile copies r into file and fsyncs it before the rename
// step, so the rename never publishes a path whose content isn't durable yet.
func writeAndSyncTempFile(file File, path string, r io.Reader) error {
	_, copyErr := io.Copy(file, r)
	if copyErr != nil {
		return fmt.Errorf("write temp file %q: %w", path, copyErr)
	}

	err := file.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file %q: %w", path, err)
	}

	return nil
}

// atomicWriteMaxAttempts bounds the O_EXCL retry loop in createAtomicTempFile;
// a collision this many times in a row means something else is wrong with dir.
const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

// createAtomicTempFile opens a fresh `.<base>.tmp-<seq>` sibling of base
// inside dir via O_EXCL, retrying on name collisions from a concurrent writer.
func createAtomicTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

// fsyncDir syncs dirPath itself so a prior rename's directory entry survives
// a crash, not just the renamed file's contents.
func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dirPath, err))
	}

	if syncErr := dirFd.Sync(); syncErr != nil {
		return errors.Join(
			ErrAtomicWriteDirSync,
			fmt.Errorf("%q: %w", dirPath, syncErr),
			closeDir(dirPath, dirFd),
		)
	}

	return closeDir(dirPath, dirFd)
}

func closeDir(dir string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close dir %q: %w", dir, err)
}

func closeTmpFile(path string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close temp file %q: %w", path, err)
}

func removeTempFile(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
