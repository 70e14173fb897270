package simd

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	f := Detect()
	assert.Equal(t, runtime.GOARCH, f.Arch)
	assert.Positive(t, f.Cores)
	assert.NotEmpty(t, f.String())

	// Cached: a second probe returns the same snapshot.
	assert.Equal(t, f, Detect())
}

func TestQuantizationSupported(t *testing.T) {
	f := Detect()
	switch runtime.GOARCH {
	case "amd64":
		assert.Equal(t, f.AVX2, QuantizationSupported())
		assert.Equal(t, f.AVX2, HasAVX2())
	case "arm64":
		assert.Equal(t, f.ASIMD, QuantizationSupported())
		assert.False(t, HasAVX2())
	default:
		assert.False(t, QuantizationSupported())
	}
}

func TestFeaturesString(t *testing.T) {
	assert.Equal(t, "amd64 [generic] x", Features{Arch: "amd64", Brand: "x"}.String())
	assert.Equal(t, "amd64 [avx2,f16c] x", Features{Arch: "amd64", Brand: "x", AVX2: true, F16C: true}.String())
}
