package persistence

import (
	"errors"
	"fmt"
)

const (
	// MagicNumber identifies index section files (ASCII: "GANN").
	MagicNumber = 0x4E4E4147
	// Version is the current section format version (v1.0.0).
	Version = 0x00010000

	// FormatVersion is the current property file version.
	FormatVersion = 1
)

// SectionKind identifies what a section file holds.
type SectionKind uint8

const (
	SectionObjects   SectionKind = 1
	SectionGraph     SectionKind = 2
	SectionQuantizer SectionKind = 3
	SectionBlobs     SectionKind = 4
)

func (k SectionKind) String() string {
	switch k {
	case SectionObjects:
		return "objects"
	case SectionGraph:
		return "graph"
	case SectionQuantizer:
		return "quantizer"
	case SectionBlobs:
		return "blobs"
	default:
		return fmt.Sprintf("section(%d)", uint8(k))
	}
}

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrSectionKind    = errors.New("unexpected section kind")
	ErrTruncated      = errors.New("truncated section")
	ErrSectionSize    = errors.New("impossible section size")
	// ErrInvalidProperties is returned when a property file cannot be parsed
	// or holds values out of range.
	ErrInvalidProperties = errors.New("invalid property file")
)

// FileHeader is the 32-byte header at the start of every section file.
type FileHeader struct {
	Magic       uint32 // 0x4E4E4147 ("GANN")
	Version     uint32 // Section format version
	Kind        uint8  // SectionKind
	Compression uint8  // Compression actually applied to the payload
	Padding     [2]byte
	Checksum    uint32 // CRC32-C of the stored payload bytes
	RawSize     uint64 // Payload size after decompression
	StoredSize  uint64 // Payload size on disk
}

const headerSize = 32
