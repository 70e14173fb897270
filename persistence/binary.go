package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	ihash "github.com/hupe1980/graphann/internal/hash"
)

var byteOrder = binary.LittleEndian

// WriteSection writes payload as a section of the given kind. The payload is
// compressed with c when that saves at least 10%.
func WriteSection(w io.Writer, kind SectionKind, payload []byte, c Compression) error {
	stored, used, err := compress(payload, c)
	if err != nil {
		return fmt.Errorf("persistence: compress %s: %w", kind, err)
	}

	header := FileHeader{
		Magic:       MagicNumber,
		Version:     Version,
		Kind:        uint8(kind),
		Compression: uint8(used),
		Checksum:    ihash.CRC32C(stored),
		RawSize:     uint64(len(payload)),
		StoredSize:  uint64(len(stored)),
	}
	if err := binary.Write(w, byteOrder, &header); err != nil {
		return err
	}
	_, err = w.Write(stored)
	return err
}

// ReadSection reads a section written by WriteSection and returns its
// decompressed payload. The section must be of the expected kind.
func ReadSection(r io.Reader, kind SectionKind) ([]byte, error) {
	var header FileHeader
	if err := binary.Read(r, byteOrder, &header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if header.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidVersion, header.Version)
	}
	if SectionKind(header.Kind) != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrSectionKind, SectionKind(header.Kind), kind)
	}
	if err := checkSizes(header); err != nil {
		return nil, err
	}

	// The stored bytes are read without trusting StoredSize for the
	// allocation, so a damaged header fails as truncated instead of
	// reserving memory the file cannot fill.
	cr := &crcReader{r: r}
	stored, err := io.ReadAll(io.LimitReader(cr, int64(header.StoredSize)))
	if err != nil {
		return nil, err
	}
	if uint64(len(stored)) != header.StoredSize {
		return nil, ErrTruncated
	}
	if err := cr.verify(header.Checksum); err != nil {
		return nil, err
	}

	payload, err := decompress(stored, Compression(header.Compression), int(header.RawSize))
	if err != nil {
		return nil, fmt.Errorf("persistence: decompress %s: %w", kind, err)
	}
	return payload, nil
}

// maxLZ4Ratio bounds how far an LZ4 block can expand.
const maxLZ4Ratio = 255

// checkSizes rejects headers whose sizes no payload written by WriteSection
// can have.
func checkSizes(h FileHeader) error {
	if h.StoredSize > math.MaxInt32*uint64(maxLZ4Ratio) || h.RawSize > math.MaxInt {
		return fmt.Errorf("%w: %d stored, %d raw", ErrSectionSize, h.StoredSize, h.RawSize)
	}
	switch Compression(h.Compression) {
	case CompressionNone:
		if h.RawSize != h.StoredSize {
			return fmt.Errorf("%w: uncompressed section stores %d of %d bytes", ErrSectionSize, h.StoredSize, h.RawSize)
		}
	case CompressionLZ4:
		if h.RawSize > h.StoredSize*maxLZ4Ratio+16 {
			return fmt.Errorf("%w: lz4 section expands %d to %d bytes", ErrSectionSize, h.StoredSize, h.RawSize)
		}
	}
	return nil
}

// SaveSection atomically writes a section file.
func SaveSection(filename string, kind SectionKind, payload []byte, c Compression) error {
	return SaveToFile(filename, func(w io.Writer) error {
		return WriteSection(w, kind, payload, c)
	})
}

// LoadSection reads a section file.
func LoadSection(filename string, kind SectionKind) ([]byte, error) {
	var payload []byte
	err := LoadFromFile(filename, func(r io.Reader) error {
		var err error
		payload, err = ReadSection(r, kind)
		return err
	})
	return payload, err
}

// SaveToFile writes filename through fill into a hidden sibling and renames
// it into place, so readers see either the old or the new content.
func SaveToFile(filename string, fill func(io.Writer) error) (err error) {
	dir := filepath.Dir(filename)
	f, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = fillAndSync(f, fill); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), filename); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

const ioBufferSize = 256 << 10

func fillAndSync(f *os.File, fill func(io.Writer) error) error {
	_ = f.Chmod(0o644)
	bw := bufio.NewWriterSize(f, ioBufferSize)
	if err := fill(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// LoadFromFile hands a buffered reader over filename to read.
func LoadFromFile(filename string, read func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return read(bufio.NewReaderSize(f, ioBufferSize))
}

// syncDir makes renames inside dir durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
