package page

import (
	"fmt"
	"io"
	"os"

	"github.com/llfs-go/llfs/pkg/fs"
)

// backend is the fixed-size slot array a Device stores frames in: spec.md
// §3's "array of page_count slots of page_size bytes", addressed by
// physical index rather than PageId (generation bookkeeping lives in Device).
type backend interface {
	readSlot(idx uint32) ([]byte, error)
	writeSlot(idx uint32, frame []byte) error
	slotSize() int
	slotCount() uint32
	close() error
}

// fileBackend stores frames in a preallocated flat file, one fixed-size slot
// per physical index, in the same Seek+Read/Write style as pkg/slot's file
// backend (pkg/fs.File guarantees io.Seeker + io.ReadWriteCloser, not
// pread/pwrite).
type fileBackend struct {
	file  fs.File
	fsize int
	count uint32
}

func newFileBackend(fsys fs.FS, path string, fsize int, count uint32) (*fileBackend, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("page: open device file: %w", err)
	}

	want := int64(fsize) * int64(count)

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("page: stat device file: %w", err)
	}

	if info.Size() < want {
		if _, err := file.Seek(want-1, io.SeekStart); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("page: preallocate device file: %w", err)
		}

		if _, err := file.Write([]byte{0}); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("page: preallocate device file: %w", err)
		}
	}

	return &fileBackend{file: file, fsize: fsize, count: count}, nil
}

func (b *fileBackend) readSlot(idx uint32) ([]byte, error) {
	if idx >= b.count {
		return nil, ErrOutOfRange
	}

	buf := make([]byte, b.fsize)

	if _, err := b.file.Seek(int64(idx)*int64(b.fsize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("page: seek slot %d: %w", idx, err)
	}

	if _, err := io.ReadFull(b.file, buf); err != nil {
		return nil, fmt.Errorf("page: read slot %d: %w", idx, err)
	}

	return buf, nil
}

func (b *fileBackend) writeSlot(idx uint32, frame []byte) error {
	if idx >= b.count {
		return ErrOutOfRange
	}

	if len(frame) != b.fsize {
		return fmt.Errorf("page: frame is %d bytes, want %d", len(frame), b.fsize)
	}

	if _, err := b.file.Seek(int64(idx)*int64(b.fsize), io.SeekStart); err != nil {
		return fmt.Errorf("page: seek slot %d: %w", idx, err)
	}

	if _, err := b.file.Write(frame); err != nil {
		return fmt.Errorf("page: write slot %d: %w", idx, err)
	}

	return b.file.Sync()
}

func (b *fileBackend) slotSize() int    { return b.fsize }
func (b *fileBackend) slotCount() uint32 { return b.count }
func (b *fileBackend) close() error     { return b.file.Close() }

// memBackend is an in-memory backend for tests and ephemeral devices.
type memBackend struct {
	fsize int
	slots [][]byte
}

func newMemBackend(fsize int, count uint32) *memBackend {
	slots := make([][]byte, count)
	for i := range slots {
		slots[i] = make([]byte, fsize)
	}

	return &memBackend{fsize: fsize, slots: slots}
}

func (b *memBackend) readSlot(idx uint32) ([]byte, error) {
	if idx >= uint32(len(b.slots)) {
		return nil, ErrOutOfRange
	}

	out := make([]byte, b.fsize)
	copy(out, b.slots[idx])

	return out, nil
}

func (b *memBackend) writeSlot(idx uint32, frame []byte) error {
	if idx >= uint32(len(b.slots)) {
		return ErrOutOfRange
	}

	copy(b.slots[idx], frame)

	return nil
}

func (b *memBackend) slotSize() int     { return b.fsize }
func (b *memBackend) slotCount() uint32 { return uint32(len(b.slots)) }
func (b *memBackend) close() error      { return nil }
