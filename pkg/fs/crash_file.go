package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

type crashFile struct {
	c     *Crash
	f     File
	rel   string
	live  string
	id    objID
	isDir bool

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ File = (*crashFile)(nil)

func (cf *crashFile) Read(buf []byte) (int, error)  { return cf.f.Read(buf) }
func (cf *crashFile) Write(buf []byte) (int, error) { return cf.f.Write(buf) }
func (cf *crashFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}
func (cf *crashFile) Fd() uintptr                   { return cf.f.Fd() }
func (cf *crashFile) Stat() (os.FileInfo, error)    { return cf.f.Stat() }
func (cf *crashFile) Chmod(mode os.FileMode) error  { return cf.f.Chmod(mode) }

// Sync promotes this handle's in-flight write to the durable snapshot once
// the underlying Sync succeeds. For a directory handle it snapshots the
// directory's current live entries; for a regular file it snapshots the
// file's current bytes. Handles left over from a prior scratch directory
// (pre-rotation) are ignored — their data is already gone.
func (cf *crashFile) Sync() error {
	if err := cf.f.Sync(); err != nil {
		return err
	}

	info, err := cf.f.Stat()
	if err != nil {
		return err
	}

	cf.c.mu.Lock()
	defer cf.c.mu.Unlock()

	if cf.c.live != cf.live {
		return nil
	}

	if info.IsDir() {
		if cf.c.dirReachableLocked(cf.id) {
			cf.c.durableChildren[cf.id] = copyChildren(cf.c.liveChildren[cf.id])
		}

		return nil
	}

	if rel, ok := cf.c.findLivePathLocked(cf.id); ok {
		abs := filepath.Join(cf.c.live, rel)

		if data, readErr := os.ReadFile(abs); readErr == nil {
			cf.c.durableFiles[cf.id] = fileSnapshot{data: data, perm: info.Mode().Perm()}

			return nil
		}
	}

	data, err := readAllFromFD(cf.f.Fd(), info.Size())
	if err != nil {
		return crashErr("snapshot file", fmt.Errorf("path %q: %w", cf.rel, err))
	}

	cf.c.durableFiles[cf.id] = fileSnapshot{data: data, perm: info.Mode().Perm()}

	return nil
}

func (cf *crashFile) Close() error {
	cf.mu.Lock()

	if cf.closed {
		cf.mu.Unlock()

		return nil
	}

	cf.mu.Unlock()

	err := cf.closeUnderlying()

	cf.c.mu.Lock()
	delete(cf.c.open, cf)
	cf.c.mu.Unlock()

	return err
}

func (cf *crashFile) closeUnderlying() error {
	cf.closeOnce.Do(func() {
		cf.closeErr = cf.f.Close()
	})

	cf.mu.Lock()
	cf.closed = true
	cf.mu.Unlock()

	return cf.closeErr
}

func (c *Crash) dirReachableLocked(target objID) bool {
	if target == rootID {
		return true
	}

	found := false

	var walk func(dirID objID)

	walk = func(dirID objID) {
		if found {
			return
		}

		for _, child := range c.liveChildren[dirID] {
			if child == target {
				found = true

				return
			}

			if c.kind[child] == objDir {
				walk(child)
			}
		}
	}

	walk(rootID)

	return found
}

// findLivePathLocked finds a root-relative live path currently naming target,
// walking liveChildren deterministically (sorted by name). Callers must hold
// [Crash.mu].
func (c *Crash) findLivePathLocked(target objID) (string, bool) {
	if target == rootID {
		return "", true
	}

	found, ok := "", false

	var walk func(dirID objID, prefix string)

	walk = func(dirID objID, prefix string) {
		if ok {
			return
		}

		for _, name := range sortedChildNames(c.liveChildren[dirID]) {
			childID := c.liveChildren[dirID][name]

			rel := name
			if prefix != "" {
				rel = filepath.Join(prefix, name)
			}

			if childID == target {
				found, ok = rel, true

				return
			}

			if c.kind[childID] == objDir {
				walk(childID, rel)

				if ok {
					return
				}
			}
		}
	}

	walk(rootID, "")

	return found, ok
}

func readAllFromFD(fd uintptr, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("file too large (%d bytes)", size)
	}

	buf := make([]byte, int(size))

	read := 0
	for read < len(buf) {
		n, err := syscall.Pread(int(fd), buf[read:], int64(read))
		if n > 0 {
			read += n
		}

		if err != nil {
			return nil, err
		}

		if n == 0 {
			break
		}
	}

	return buf[:read], nil
}

func parentRel(path string) string {
	if path == "" {
		return ""
	}

	parent := filepath.Dir(path)
	if parent == "." {
		return ""
	}

	return parent
}
