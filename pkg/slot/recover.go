package slot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/llfs-go/llfs/pkg/fs"
)

// metaRecord is the durable sidecar recording trim_pos and flush_pos. It is
// the LogDevice's own crash-atomicity boundary, independent of the ring
// buffer content: it is written with an atomic temp-file-then-rename so a
// crash mid-write never leaves a torn pointer record. Unlike pkg/pagealloc's
// and pkg/recycler's checkpoints — which are slots inside their own log and
// so inherit the log's crash-atomicity for free — trim_pos/flush_pos live
// outside any log, which is why this is the one piece of LogDevice state that
// needs pkg/fs.AtomicWriter at all.
type metaRecord struct {
	trimPos  int64
	flushPos int64
}

const metaRecordSize = 4 + 8 + 8 // crc32 + trimPos + flushPos

func encodeMeta(m metaRecord) []byte {
	buf := make([]byte, metaRecordSize)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(m.trimPos))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.flushPos))
	crc := crc32.Checksum(buf[4:], crcTable)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf
}

func decodeMeta(buf []byte) (metaRecord, error) {
	if len(buf) != metaRecordSize {
		return metaRecord{}, fmt.Errorf("%w: meta record has %d bytes, want %d", ErrCorrupt, len(buf), metaRecordSize)
	}

	crc := binary.LittleEndian.Uint32(buf[0:4])
	if crc32.Checksum(buf[4:], crcTable) != crc {
		return metaRecord{}, fmt.Errorf("%w: meta record checksum mismatch", ErrCorrupt)
	}

	return metaRecord{
		trimPos:  int64(binary.LittleEndian.Uint64(buf[4:12])),
		flushPos: int64(binary.LittleEndian.Uint64(buf[12:20])),
	}, nil
}

func metaPath(path string) string { return path + ".meta" }

// writeMeta durably persists the device's pointer state via temp-file-then-
// rename. It goes through fsys (rather than natefinch/atomic directly) so
// that pkg/fs.Crash can exercise a crash mid-write here exactly as it does
// for any other durable write in the data plane. For in-memory devices (no
// path) this is a no-op: there is nothing to recover across a process that
// never persisted anything.
func writeMeta(fsys fs.FS, path string, m metaRecord) error {
	if fsys == nil || path == "" {
		return nil
	}

	w := fs.NewAtomicWriter(fsys)

	return w.WriteWithDefaults(metaPath(path), bytes.NewReader(encodeMeta(m)))
}

type recovered struct {
	trimPos   int64
	flushPos  int64
	commitPos int64
}

// recoverState reads the durable pointer sidecar (if any) and applies
// spec.md §4.1's recovery invariant: trim_pos persists, commit_pos regresses
// to flush_pos (uncommitted-but-unflushed data is lost).
func recoverState(fsys fs.FS, path string, _ backend, capacity int64) (recovered, error) {
	if fsys == nil || path == "" {
		return recovered{}, nil
	}

	f, err := fsys.Open(metaPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return recovered{}, nil
		}

		return recovered{}, fmt.Errorf("slot: open meta: %w", err)
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return recovered{}, fmt.Errorf("slot: read meta: %w", err)
	}

	if len(buf) == 0 {
		return recovered{}, nil
	}

	m, err := decodeMeta(buf)
	if err != nil {
		return recovered{}, err
	}

	if m.flushPos-m.trimPos > capacity || m.flushPos < m.trimPos {
		return recovered{}, fmt.Errorf("%w: recovered pointers violate window invariant", ErrCorrupt)
	}

	return recovered{trimPos: m.trimPos, flushPos: m.flushPos, commitPos: m.flushPos}, nil
}
