package slot

import (
	"encoding/binary"
	"hash/crc32"
)

// slotHeaderSize is the fixed prefix before a slot's payload: a little-endian
// u32 length followed by a u32 CRC32C of the payload. See spec.md §6.
const slotHeaderSize = 8

// crcTable is the Castagnoli CRC32 polynomial, the checksum used throughout
// the corpus's WAL/pager implementations for payload integrity.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodedSlotSize returns the total on-disk size of a slot (header + payload
// + padding to the next 8-byte boundary), matching "pad-to-8" in spec.md §6.
func encodedSlotSize(payloadLen int) int {
	total := slotHeaderSize + payloadLen

	return padTo8(total)
}

func padTo8(n int) int {
	const align = 8
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}

	return n
}

// encodeSlot serializes payload into a self-delimiting slot record:
// u32 length | u32 crc32 | payload[length] | pad-to-8.
func encodeSlot(payload []byte) []byte {
	size := encodedSlotSize(len(payload))
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	copy(buf[slotHeaderSize:], payload)
	// Remaining pad bytes are already zero.

	return buf
}

// decodeSlotHeader reads the length+crc prefix from buf. buf must be at
// least slotHeaderSize bytes.
func decodeSlotHeader(buf []byte) (payloadLen uint32, crc uint32) {
	payloadLen = binary.LittleEndian.Uint32(buf[0:4])
	crc = binary.LittleEndian.Uint32(buf[4:8])

	return payloadLen, crc
}

// verifySlotPayload reports whether payload matches the checksum recorded in
// its header.
func verifySlotPayload(payload []byte, wantCRC uint32) bool {
	return crc32.Checksum(payload, crcTable) == wantCRC
}
