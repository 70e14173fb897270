package objectspace

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/graphann/distance"
)

// Comparator returns the distance between a fixed query and the stored object id.
// The id must be live; callers check Exists first.
type Comparator func(id uint32) float32

// Space stores fixed-dimension vectors keyed by monotonically assigned ids.
//
// Ids start at 1 and are never reused. Removing an object tombstones it; the
// payload stays addressable for id stability until Compact releases it.
//
// A Space is not safe for concurrent mutation. Concurrent readers are safe
// as long as no writer runs.
type Space interface {
	Dimension() int
	ObjectType() ObjectType
	DistanceType() distance.Type

	// Validate checks a vector without storing it.
	Validate(vec []float32) error
	// Append stores vec under the next id.
	Append(vec []float32) (uint32, error)
	// Get returns a decoded copy of the payload.
	Get(id uint32) ([]float32, error)
	// Remove tombstones id.
	Remove(id uint32) error
	// Exists reports whether id is assigned and not tombstoned.
	Exists(id uint32) bool

	CountLive() int
	// MaxID is the highest id ever assigned, 0 when empty.
	MaxID() uint32
	// Tombstones returns a copy of the removed id set.
	Tombstones() *roaring.Bitmap
	// ForEachLive calls fn for each live id in ascending order until fn returns false.
	ForEachLive(fn func(id uint32) bool)

	// NewQuery prepares a comparator for an external query vector.
	NewQuery(vec []float32) (Comparator, error)
	// NewQueryByID prepares a comparator from a stored object.
	NewQueryByID(id uint32) (Comparator, error)
	// Distance returns the distance between two live objects.
	Distance(a, b uint32) float32

	// Compact releases tombstoned payloads and returns how many were released.
	Compact() int

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// New creates an empty space. The element type is fixed here, once, and all
// later operations run on the concrete typed store.
func New(dim int, ot ObjectType, dt distance.Type) (Space, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: unknown distance type %d", ErrInvalidConfig, int(dt))
	}
	if dt.IsBitwise() && ot != Uint8 {
		return nil, fmt.Errorf("%w: %s requires %s objects", ErrInvalidConfig, dt, Uint8)
	}
	if ot == Uint8 && dt.IsNormalized() {
		return nil, fmt.Errorf("%w: %s is not defined for %s objects", ErrInvalidConfig, dt, Uint8)
	}

	switch ot {
	case Float32:
		fn, err := distance.Provider(dt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return newStore[float32](dim, ot, dt, float32Codec, fn), nil
	case Float16:
		fn, err := distance.Provider(dt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return newStore[uint16](dim, ot, dt, float16Codec, widen(dim, float16Codec, fn)), nil
	case Uint8:
		if dt.IsBitwise() {
			fn, err := distance.ProviderBytes(dt)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			return newStore[uint8](dim, ot, dt, uint8Codec, func(a, b []uint8) float32 { return fn(a, b) }), nil
		}
		fn, err := distance.Provider(dt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return newStore[uint8](dim, ot, dt, uint8Codec, widen(dim, uint8Codec, fn)), nil
	default:
		return nil, fmt.Errorf("%w: unknown object type %d", ErrInvalidConfig, uint8(ot))
	}
}

// widen lifts a float32 kernel to stored elements by decoding into pooled scratch.
func widen[T element](dim int, c codec[T], fn distance.Func) func(a, b []T) float32 {
	scratch := sync.Pool{
		New: func() any {
			s := make([]float32, 2*dim)
			return &s
		},
	}
	return func(a, b []T) float32 {
		buf := scratch.Get().(*[]float32)
		defer scratch.Put(buf)
		x, y := (*buf)[:dim], (*buf)[dim:]
		c.decode(x, a)
		c.decode(y, b)
		return fn(x, y)
	}
}

type store[T element] struct {
	dim   int
	otype ObjectType
	dtype distance.Type
	codec codec[T]
	dist  func(a, b []T) float32

	// objects[0] is the reserved "no result" slot.
	objects [][]T
	removed *roaring.Bitmap
	live    int
}

func newStore[T element](dim int, ot ObjectType, dt distance.Type, c codec[T], dist func(a, b []T) float32) *store[T] {
	return &store[T]{
		dim:     dim,
		otype:   ot,
		dtype:   dt,
		codec:   c,
		dist:    dist,
		objects: make([][]T, 1, 1024),
		removed: roaring.New(),
	}
}

func (s *store[T]) Dimension() int              { return s.dim }
func (s *store[T]) ObjectType() ObjectType      { return s.otype }
func (s *store[T]) DistanceType() distance.Type { return s.dtype }
func (s *store[T]) CountLive() int              { return s.live }
func (s *store[T]) MaxID() uint32               { return uint32(len(s.objects) - 1) }
func (s *store[T]) Tombstones() *roaring.Bitmap { return s.removed.Clone() }

func (s *store[T]) Validate(vec []float32) error {
	if len(vec) != s.dim {
		return &ErrDimensionMismatch{Expected: s.dim, Actual: len(vec)}
	}
	return nil
}

// encode converts an API vector to its stored form, normalizing when the
// distance type requires unit-length vectors.
func (s *store[T]) encode(vec []float32) []T {
	src := vec
	if s.dtype.IsNormalized() {
		src = slices.Clone(vec)
		distance.NormalizeL2InPlace(src)
	}
	out := make([]T, s.dim)
	s.codec.encode(out, src)
	return out
}

func (s *store[T]) Append(vec []float32) (uint32, error) {
	if err := s.Validate(vec); err != nil {
		return 0, err
	}
	if uint64(len(s.objects)) > math.MaxUint32 {
		return 0, ErrCapacityExceeded
	}
	id := uint32(len(s.objects))
	s.objects = append(s.objects, s.encode(vec))
	s.live++
	return id, nil
}

func (s *store[T]) Exists(id uint32) bool {
	return id != 0 && int(id) < len(s.objects) && s.objects[id] != nil && !s.removed.Contains(id)
}

func (s *store[T]) Get(id uint32) ([]float32, error) {
	if !s.Exists(id) {
		return nil, notFound(id)
	}
	out := make([]float32, s.dim)
	s.codec.decode(out, s.objects[id])
	return out, nil
}

func (s *store[T]) Remove(id uint32) error {
	if !s.Exists(id) {
		return notFound(id)
	}
	s.removed.Add(id)
	s.live--
	return nil
}

func (s *store[T]) ForEachLive(fn func(id uint32) bool) {
	for id := 1; id < len(s.objects); id++ {
		if !s.Exists(uint32(id)) {
			continue
		}
		if !fn(uint32(id)) {
			return
		}
	}
}

func (s *store[T]) NewQuery(vec []float32) (Comparator, error) {
	if err := s.Validate(vec); err != nil {
		return nil, err
	}
	q := s.encode(vec)
	return func(id uint32) float32 {
		return s.dist(q, s.objects[id])
	}, nil
}

func (s *store[T]) NewQueryByID(id uint32) (Comparator, error) {
	if !s.Exists(id) {
		return nil, notFound(id)
	}
	q := s.objects[id]
	return func(other uint32) float32 {
		return s.dist(q, s.objects[other])
	}, nil
}

func (s *store[T]) Distance(a, b uint32) float32 {
	return s.dist(s.objects[a], s.objects[b])
}

func (s *store[T]) Compact() int {
	released := 0
	it := s.removed.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(s.objects) && s.objects[id] != nil {
			s.objects[id] = nil
			released++
		}
	}
	return released
}
