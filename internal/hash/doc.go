// Package hash provides the checksum used for persisted index sections.
//
// Sections are protected with CRC32-Castagnoli (CRC32C). Go's hash/crc32
// uses SSE4.2 on x86-64 and the CRC extension on ARM64 when present.
//
// One-shot:
//
//	sum := hash.CRC32C(data)
//
// Streaming:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	sum := h.Sum32()
package hash
