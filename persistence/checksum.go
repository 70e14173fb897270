package persistence

import (
	"fmt"
	"io"

	ihash "github.com/hupe1980/graphann/internal/hash"
)

// ChecksumMismatchError reports a section whose stored bytes do not match
// the CRC32-C recorded in its header. CRC32-C only detects accidental
// corruption.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: header 0x%08x, payload 0x%08x", e.Expected, e.Actual)
}

// crcReader accumulates the CRC32-C of everything read through it.
type crcReader struct {
	r   io.Reader
	crc uint32
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.crc = ihash.Update(c.crc, p[:n])
	return n, err
}

func (c *crcReader) verify(want uint32) error {
	if c.crc != want {
		return &ChecksumMismatchError{Expected: want, Actual: c.crc}
	}
	return nil
}
