package page

import (
	"encoding/binary"
	"hash/crc32"
)

// headerSize is the fixed prefix before a page's payload: u64 page_id | u32
// payload_len | u32 crc32 (spec.md §6). A u32 trailer checksum follows the
// payload, duplicating the header crc so a torn write (header landed, tail
// didn't, or vice versa) is detectable without reading neighboring frames.
const headerSize = 8 + 4 + 4
const trailerSize = 4

// frameSize returns the total bytes one physical slot occupies for the given
// page size.
func frameSize(pageSize int) int {
	return headerSize + pageSize + trailerSize
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeFrame serializes id and payload (padded/truncated to pageSize by the
// caller's contract — payload must already be exactly pageSize bytes) into
// one physical slot frame.
func encodeFrame(id ID, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload)+trailerSize)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))

	crc := crc32.Checksum(payload, crcTable)
	binary.LittleEndian.PutUint32(buf[12:16], crc)
	copy(buf[headerSize:headerSize+len(payload)], payload)
	binary.LittleEndian.PutUint32(buf[headerSize+len(payload):], crc)

	return buf
}

// emptyFrame returns a frame that preserves id (so generation survives a
// drop) but carries no payload: payload_len and crc are both zero, the
// sentinel Read treats as "no live content at this physical index".
func emptyFrame(id ID, pageSize int) []byte {
	buf := make([]byte, frameSize(pageSize))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(id))

	return buf
}

type decodedFrame struct {
	id      ID
	payload []byte
	empty   bool
}

func decodeFrame(buf []byte, pageSize int) (decodedFrame, error) {
	if len(buf) != frameSize(pageSize) {
		return decodedFrame{}, ErrCorrupt
	}

	id := ID(binary.LittleEndian.Uint64(buf[0:8]))
	payloadLen := binary.LittleEndian.Uint32(buf[8:12])
	headerCRC := binary.LittleEndian.Uint32(buf[12:16])

	if payloadLen == 0 && headerCRC == 0 {
		return decodedFrame{id: id, empty: true}, nil
	}

	if int(payloadLen) != pageSize {
		return decodedFrame{}, ErrCorrupt
	}

	payload := buf[headerSize : headerSize+pageSize]
	trailerCRC := binary.LittleEndian.Uint32(buf[headerSize+pageSize:])

	crc := crc32.Checksum(payload, crcTable)
	if crc != headerCRC || crc != trailerCRC {
		return decodedFrame{}, ErrCorrupt
	}

	out := make([]byte, pageSize)
	copy(out, payload)

	return decodedFrame{id: id, payload: out}, nil
}
