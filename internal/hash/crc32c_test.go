package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CKnownValue(t *testing.T) {
	// Standard check value for CRC32C over "123456789".
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}

func TestCRC32CStreamingMatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	h := NewCRC32C()
	_, _ = h.Write(data[:10])
	_, _ = h.Write(data[10:])
	assert.Equal(t, CRC32C(data), h.Sum32())

	assert.Equal(t, CRC32C(data), Update(CRC32C(data[:7]), data[7:]))
}
