package fs

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// TempDirer is the minimal subset of *testing.T/*testing.B that [NewCrash]
// needs: a stable, owned scratch directory. It is its own interface so this
// file can be built into non-test code without importing package testing.
type TempDirer interface {
	TempDir() string
}

// ErrCrash marks errors originating from [Crash]'s internal bookkeeping.
var ErrCrash = errors.New("fs: crash")

type crashError struct {
	op  string
	err error
}

func (e *crashError) Error() string  { return fmt.Sprintf("fs: crash: %s: %v", e.op, e.err) }
func (e *crashError) Unwrap() error  { return e.err }
func (*crashError) Is(target error) bool { return target == ErrCrash }

// crashErr wraps an internal error with a static, verb-first op description.
// Put dynamic detail (paths, causes) in err, not op.
func crashErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("fs: crash: internal error: nil err for %q", op))
	}

	return &crashError{op: op, err: err}
}

// Crash wraps an [FS] and simulates crash consistency for tests that need to
// know a write survives a process restart, not just that it returned nil.
//
// Every operation runs against a real on-disk scratch directory (so [File]
// values returned from it have real OS file descriptors, fit for
// [Locker]-style flock or [io]-based copying) while [Crash] separately
// tracks which of those changes are *durable*: a file's contents become
// durable only when [File.Sync] succeeds on that handle, and a directory
// entry becomes durable only when [File.Sync] succeeds on an open handle to
// its containing directory. [Crash.SimulateCrash] discards everything that
// isn't durable by that definition and starts the next operation from a
// fresh scratch directory holding only the durable snapshot — the same
// distinction [pkg/fs.AtomicWriter] and LLFS's own slot/page backends rely
// on to claim a write is safe against power loss.
//
// Crash is test-only; it is not meant to back a running Volume.
type Crash struct {
	baseDir string
	fs      FS

	mu   sync.Mutex
	live string
	open map[*crashFile]struct{}

	// Durable snapshot: directory entries plus file contents as of the last
	// successful Sync.
	nextID          objID
	kind            map[objID]objKind
	durableChildren map[objID]map[string]objID
	durableFiles    map[objID]fileSnapshot

	// Live namespace: what the current scratch directory's entries look
	// like, including unsynced mutations since the last rotation.
	liveChildren map[objID]map[string]objID
}

// CrashConfig configures a [Crash]. Reserved for future durability tuning;
// the zero value is the only value in use today.
type CrashConfig struct{}

// NewCrash creates a crash-simulating filesystem rooted at a fresh directory
// under tb.TempDir(). fs performs the actual I/O and should be [NewReal].
func NewCrash(tb TempDirer, underlying FS, cfg *CrashConfig) (*Crash, error) {
	if tb == nil {
		return nil, errors.New("fs: crash: TempDirer is nil")
	}

	if underlying == nil {
		return nil, errors.New("fs: crash: underlying FS is nil")
	}

	baseDir := tb.TempDir()
	if baseDir == "" {
		return nil, errors.New("fs: crash: empty temp dir")
	}

	if cfg == nil {
		cfg = &CrashConfig{}
	}

	c := &Crash{
		baseDir: baseDir,
		fs:      underlying,
		open:    make(map[*crashFile]struct{}),

		nextID:          rootID + 1,
		kind:            map[objID]objKind{rootID: objDir},
		durableChildren: map[objID]map[string]objID{rootID: {}},
		durableFiles:    make(map[objID]fileSnapshot),
		liveChildren:    map[objID]map[string]objID{rootID: {}},
	}

	c.mu.Lock()
	err := c.rotateLocked(true)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return c, nil
}

// SimulateCrash simulates a power loss: it closes every open handle, rotates
// to a fresh scratch directory, and restores only the durable snapshot.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	err := c.rotateLocked(false)
	c.mu.Unlock()

	return err
}

var _ FS = (*Crash)(nil)

func (c *Crash) Open(path string) (File, error) {
	return c.openWith(path, c.fs.Open, false)
}

func (c *Crash) Create(path string) (File, error) {
	return c.openWith(path, c.fs.Create, true)
}

func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	createIfMissing := flag&os.O_CREATE != 0

	return c.openWith(path, func(abs string) (File, error) {
		return c.fs.OpenFile(abs, flag, perm)
	}, createIfMissing)
}

func (c *Crash) ReadFile(path string) ([]byte, error) {
	abs, err := c.resolveAbs(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadFile(abs)
}

func (c *Crash) WriteFile(path string, data []byte, perm os.FileMode) error {
	res, err := c.resolveWithLive(path)
	if err != nil {
		return err
	}

	if err := c.fs.WriteFile(res.abs, data, perm); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != res.live {
		return nil
	}

	_, _ = c.liveAddFileLocked(res.rel)

	return nil
}

func (c *Crash) ReadDir(path string) ([]os.DirEntry, error) {
	abs, err := c.resolveAbs(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadDir(abs)
}

func (c *Crash) MkdirAll(path string, perm os.FileMode) error {
	res, err := c.resolveWithLive(path)
	if err != nil {
		return err
	}

	if err := c.fs.MkdirAll(res.abs, perm); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != res.live {
		return nil
	}

	_, err = c.liveEnsureDirPathLocked(res.rel)

	return err
}

func (c *Crash) Stat(path string) (os.FileInfo, error) {
	abs, err := c.resolveAbs(path)
	if err != nil {
		return nil, err
	}

	return c.fs.Stat(abs)
}

func (c *Crash) Exists(path string) (bool, error) {
	abs, err := c.resolveAbs(path)
	if err != nil {
		return false, err
	}

	return c.fs.Exists(abs)
}

func (c *Crash) Remove(path string) error {
	res, err := c.resolveWithLive(path)
	if err != nil {
		return err
	}

	if err := c.fs.Remove(res.abs); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == res.live {
		c.liveRemoveEntryLocked(res.rel)
	}

	return nil
}

func (c *Crash) RemoveAll(path string) error {
	res, err := c.resolveWithLive(path)
	if err != nil {
		return err
	}

	if err := c.fs.RemoveAll(res.abs); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == res.live {
		c.liveRemoveEntryLocked(res.rel)
	}

	return nil
}

func (c *Crash) Rename(oldpath, newpath string) error {
	res, err := c.resolvePairWithLive(oldpath, newpath)
	if err != nil {
		return err
	}

	if err := c.fs.Rename(res.oldAbs, res.newAbs); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != res.live {
		return nil
	}

	if res.oldRel == "" || res.newRel == "" {
		return crashErr("rename", errors.New("cannot rename the crash root"))
	}

	oldParentRel := parentRel(res.oldRel)
	newParentRel := parentRel(res.newRel)
	oldBase := filepath.Base(res.oldRel)
	newBase := filepath.Base(res.newRel)

	oldParentID, err := c.liveDirIDLocked(oldParentRel)
	if err != nil {
		return nil
	}

	newParentID, err := c.liveDirIDLocked(newParentRel)
	if err != nil {
		return nil
	}

	movedID, ok := c.liveChildren[oldParentID][oldBase]
	if !ok {
		return nil
	}

	delete(c.liveChildren[oldParentID], oldBase)
	delete(c.liveChildren[newParentID], newBase)
	c.liveChildren[newParentID][newBase] = movedID

	return nil
}

func (c *Crash) openWith(path string, openFn func(string) (File, error), createIfMissing bool) (File, error) {
	res, err := c.resolveWithLive(path)
	if err != nil {
		return nil, err
	}

	file, err := openFn(res.abs)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	isDir := info.IsDir()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != res.live {
		_ = file.Close()

		return nil, crashErr("open", errors.New("crash rotated mid-open"))
	}

	id, k, ok := c.liveLookupLocked(res.rel)
	switch {
	case ok:
		if (k == objDir) != isDir {
			_ = file.Close()

			return nil, crashErr("open", fmt.Errorf("type mismatch for %q", res.rel))
		}
	case res.rel == "":
		id = rootID
	case createIfMissing:
		if isDir {
			_ = file.Close()

			return nil, crashErr("open", fmt.Errorf("unexpected directory creation at %q", res.rel))
		}

		newID, addErr := c.liveAddFileLocked(res.rel)
		if addErr != nil {
			_ = file.Close()

			return nil, addErr
		}

		id = newID
	default:
		_ = file.Close()

		return nil, crashErr("open", fmt.Errorf("untracked path %q (out-of-band mutation?)", res.rel))
	}

	cf := &crashFile{c: c, f: file, rel: res.rel, live: res.live, id: id, isDir: isDir}
	c.open[cf] = struct{}{}

	return cf, nil
}

func copyChildren(in map[string]objID) map[string]objID {
	if len(in) == 0 {
		return map[string]objID{}
	}

	out := make(map[string]objID, len(in))
	maps.Copy(out, in)

	return out
}

func sortedChildNames(children map[string]objID) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
