package distance

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"sync"

	"gonum.org/v1/gonum/blas/gonum"
)

// Type enumerates the supported distance functions.
//
// The numeric values are part of the on-disk property format and must not change.
type Type int

const (
	L1               Type = 0
	L2               Type = 1
	Angle            Type = 2
	Hamming          Type = 3
	Cosine           Type = 4
	NormalizedAngle  Type = 5
	NormalizedCosine Type = 6
	Jaccard          Type = 7
	SparseJaccard    Type = 8
	NormalizedL2     Type = 9
	Poincare         Type = 100
	Lorentz          Type = 101
)

var typeNames = map[Type]string{
	L1:               "L1",
	L2:               "L2",
	Angle:            "Angle",
	Hamming:          "Hamming",
	Cosine:           "Cosine",
	NormalizedAngle:  "NormalizedAngle",
	NormalizedCosine: "NormalizedCosine",
	Jaccard:          "Jaccard",
	SparseJaccard:    "SparseJaccard",
	NormalizedL2:     "NormalizedL2",
	Poincare:         "Poincare",
	Lorentz:          "Lorentz",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// ParseType parses the name produced by Type.String (case-insensitive).
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown distance type %q", s)
}

// Valid reports whether t is one of the enumerated distance types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsBitwise reports whether t compares raw bytes bit by bit.
// Bitwise distances are only defined over 8-bit payloads.
func (t Type) IsBitwise() bool {
	return t == Hamming || t == Jaccard
}

// IsNormalized reports whether vectors are L2-normalized before storage.
func (t Type) IsNormalized() bool {
	return t == NormalizedAngle || t == NormalizedCosine || t == NormalizedL2
}

// Func computes the distance between two equal-length float32 vectors.
type Func func(a, b []float32) float32

// FuncBytes computes the distance between two equal-length byte vectors.
type FuncBytes func(a, b []byte) float32

// Provider returns the float32 implementation for t.
func Provider(t Type) (Func, error) {
	switch t {
	case L1:
		return ManhattanDistance, nil
	case L2:
		return EuclideanDistance, nil
	case Angle:
		return AngleDistance, nil
	case Cosine:
		return CosineDistance, nil
	case NormalizedAngle:
		return NormalizedAngleDistance, nil
	case NormalizedCosine:
		return NormalizedCosineDistance, nil
	case NormalizedL2:
		return EuclideanDistance, nil
	case SparseJaccard:
		return SparseJaccardDistance, nil
	case Poincare:
		return PoincareDistance, nil
	case Lorentz:
		return LorentzDistance, nil
	default:
		return nil, fmt.Errorf("unsupported distance for float32: %v", t)
	}
}

// ProviderBytes returns the byte implementation for t.
func ProviderBytes(t Type) (FuncBytes, error) {
	switch t {
	case Hamming:
		return HammingDistance, nil
	case Jaccard:
		return JaccardDistance, nil
	default:
		return nil, fmt.Errorf("unsupported distance for bytes: %v", t)
	}
}

var blas = gonum.Implementation{}

// diffWorkspace pools scratch buffers for the axpy-based L2 kernel.
var diffWorkspace = sync.Pool{
	New: func() any {
		s := make([]float32, 0, 256)
		return &s
	},
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return blas.Sdot(len(a), a, 1, b, 1)
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}

	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)
	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, a)
	blas.Saxpy(n, -1, b, 1, diff, 1)
	return blas.Sdot(n, diff, 1, diff, 1)
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredL2(a, b))))
}

// ManhattanDistance returns the L1 distance between a and b.
func ManhattanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func cosineSimilarity(a, b []float32) float64 {
	na := Dot(a, a)
	nb := Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	cos := float64(Dot(a, b)) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
	return clampUnit(cos)
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// AngleDistance returns the angle in radians between a and b.
func AngleDistance(a, b []float32) float32 {
	return float32(math.Acos(cosineSimilarity(a, b)))
}

// CosineDistance returns 1 - cos(a, b).
func CosineDistance(a, b []float32) float32 {
	return float32(1 - cosineSimilarity(a, b))
}

// NormalizedAngleDistance is AngleDistance for vectors of unit length.
func NormalizedAngleDistance(a, b []float32) float32 {
	return float32(math.Acos(clampUnit(float64(Dot(a, b)))))
}

// NormalizedCosineDistance is CosineDistance for vectors of unit length.
func NormalizedCosineDistance(a, b []float32) float32 {
	return float32(1 - clampUnit(float64(Dot(a, b))))
}

// SparseJaccardDistance treats each vector as a set of integer element ids.
// Zero entries are padding and do not belong to the set.
func SparseJaccardDistance(a, b []float32) float32 {
	set := make(map[float32]struct{}, len(a))
	for _, v := range a {
		if v != 0 {
			set[v] = struct{}{}
		}
	}
	union := len(set)
	inter := 0
	seen := make(map[float32]struct{}, len(b))
	for _, v := range b {
		if v == 0 {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - float32(inter)/float32(union)
}

// PoincareDistance returns the hyperbolic distance in the Poincaré ball model.
func PoincareDistance(a, b []float32) float32 {
	na := float64(Dot(a, a))
	nb := float64(Dot(b, b))
	den := (1 - na) * (1 - nb)
	if den <= 0 {
		return float32(math.Inf(1))
	}
	x := 1 + 2*float64(SquaredL2(a, b))/den
	if x < 1 {
		x = 1
	}
	return float32(math.Acosh(x))
}

// LorentzDistance returns the hyperbolic distance in the hyperboloid model.
// The first coordinate is the time-like component.
func LorentzDistance(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	x := float64(a[0])*float64(b[0]) - float64(Dot(a[1:], b[1:]))
	if x < 1 {
		x = 1
	}
	return float32(math.Acosh(x))
}

// HammingDistance counts differing bits between a and b.
func HammingDistance(a, b []byte) float32 {
	var count int
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		count += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		count += bits.OnesCount8(a[i] ^ b[i])
	}
	return float32(count)
}

// JaccardDistance returns 1 - |a AND b| / |a OR b| over the bit sets a and b.
func JaccardDistance(a, b []byte) float32 {
	var inter, union int
	for i := range a {
		inter += bits.OnesCount8(a[i] & b[i])
		union += bits.OnesCount8(a[i] | b[i])
	}
	if union == 0 {
		return 0
	}
	return 1 - float32(inter)/float32(union)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(float64(norm2)))
	blas.Sscal(len(v), inv, v, 1)
	return true
}
