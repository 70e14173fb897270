package objectspace

import (
	"math"

	"github.com/x448/float16"
)

type element interface {
	~uint8 | ~uint16 | ~float32
}

// codec converts between the float32 API representation and stored elements.
type codec[T element] struct {
	encode func(dst []T, src []float32)
	decode func(dst []float32, src []T)
}

var float32Codec = codec[float32]{
	encode: func(dst []float32, src []float32) { copy(dst, src) },
	decode: func(dst []float32, src []float32) { copy(dst, src) },
}

var uint8Codec = codec[uint8]{
	encode: func(dst []uint8, src []float32) {
		for i, v := range src {
			dst[i] = clampUint8(v)
		}
	},
	decode: func(dst []float32, src []uint8) {
		for i, v := range src {
			dst[i] = float32(v)
		}
	},
}

var float16Codec = codec[uint16]{
	encode: func(dst []uint16, src []float32) {
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Bits()
		}
	},
	decode: func(dst []float32, src []uint16) {
		for i, v := range src {
			dst[i] = float16.Frombits(v).Float32()
		}
	},
}

func clampUint8(v float32) uint8 {
	r := math.Round(float64(v))
	if r <= 0 || math.IsNaN(r) {
		return 0
	}
	if r >= 255 {
		return 255
	}
	return uint8(r)
}
