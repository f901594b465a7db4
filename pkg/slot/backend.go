package slot

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/llfs-go/llfs/pkg/fs"
)

// backend is the storage capability a LogDevice needs from its physical ring
// buffer: spec.md §9 names this "{read(offset, n), write(offset, bytes),
// flush(), size()}" for log backends.
type backend interface {
	ReadAt(offset int64, n int) ([]byte, error)
	WriteAt(offset int64, data []byte) error
	Flush() error
	Size() int64
	Close() error
}

// fileBackend implements backend over a fixed-size file via pkg/fs.FS. The
// file is preallocated to capacity C bytes so writes never grow it; absolute
// log offsets are mapped onto the file modulo C (the physical ring buffer).
//
// fileBackend serializes its own Seek+Read/Write pairs with a mutex because
// [fs.File] only guarantees io.Seeker/io.ReadWriteCloser, not pread/pwrite-
// style positioned I/O, and LogDevice's appends and its Readers call into
// the same fileBackend without holding any lock of their own.
type fileBackend struct {
	mu       sync.Mutex
	file     fs.File
	capacity int64
}

// newFileBackend opens (creating if necessary) a capacity-byte ring buffer
// file at path using fsys.
func newFileBackend(fsys fs.FS, path string, capacity int64) (*fileBackend, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot: capacity must be > 0, got %d", capacity)
	}

	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("slot: open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("slot: stat log file: %w", err)
	}

	if info.Size() < capacity {
		if err := preallocate(file, capacity); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("slot: preallocate log file: %w", err)
		}
	}

	return &fileBackend{file: file, capacity: capacity}, nil
}

// preallocate grows file to exactly size bytes by seeking to size-1 and
// writing a single zero byte, then seeks back to the start.
func preallocate(file fs.File, size int64) error {
	if _, err := file.Seek(size-1, io.SeekStart); err != nil {
		return err
	}

	if _, err := file.Write([]byte{0}); err != nil {
		return err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return nil
}

func (b *fileBackend) ReadAt(offset int64, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, n)

	remaining := buf
	pos := offset % b.capacity

	for len(remaining) > 0 {
		chunk := remaining
		if room := b.capacity - pos; int64(len(chunk)) > room {
			chunk = chunk[:room]
		}

		if _, err := b.file.Seek(pos, io.SeekStart); err != nil {
			return nil, fmt.Errorf("slot: seek at %d: %w", offset, err)
		}

		read, err := io.ReadFull(b.file, chunk)
		if err != nil {
			return nil, fmt.Errorf("slot: read at %d: %w", offset, err)
		}

		remaining = remaining[read:]
		pos = (pos + int64(read)) % b.capacity
	}

	return buf, nil
}

func (b *fileBackend) WriteAt(offset int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := offset % b.capacity

	for len(data) > 0 {
		chunk := data
		if room := b.capacity - pos; int64(len(chunk)) > room {
			chunk = chunk[:room]
		}

		if _, err := b.file.Seek(pos, io.SeekStart); err != nil {
			return fmt.Errorf("slot: seek at %d: %w", offset, err)
		}

		n, err := b.file.Write(chunk)
		if err != nil {
			return fmt.Errorf("slot: write at %d: %w", offset, err)
		}

		data = data[n:]
		pos = (pos + int64(n)) % b.capacity
	}

	return nil
}

func (b *fileBackend) Flush() error {
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("slot: sync log file: %w", err)
	}

	return nil
}

func (b *fileBackend) Size() int64 { return b.capacity }

func (b *fileBackend) Close() error { return b.file.Close() }

// memBackend is an in-memory backend for tests and ephemeral devices.
type memBackend struct {
	buf      []byte
	capacity int64
}

func newMemBackend(capacity int64) *memBackend {
	return &memBackend{buf: make([]byte, capacity), capacity: capacity}
}

func (m *memBackend) ReadAt(offset int64, n int) ([]byte, error) {
	out := make([]byte, n)
	pos := offset % m.capacity

	for i := 0; i < n; i++ {
		out[i] = m.buf[pos]
		pos = (pos + 1) % m.capacity
	}

	return out, nil
}

func (m *memBackend) WriteAt(offset int64, data []byte) error {
	pos := offset % m.capacity

	for _, b := range data {
		m.buf[pos] = b
		pos = (pos + 1) % m.capacity
	}

	return nil
}

func (m *memBackend) Flush() error  { return nil }
func (m *memBackend) Size() int64   { return m.capacity }
func (m *memBackend) Close() error  { return nil }
