package graphann

import (
	"fmt"
	"math"

	"github.com/hupe1980/graphann/distance"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/persistence"
)

// ObjectType is the element type vectors are stored as.
type ObjectType = objectspace.ObjectType

const (
	// Uint8 stores each element as a byte, rounding and clamping to [0, 255].
	Uint8 = objectspace.Uint8
	// Float32 stores elements verbatim.
	Float32 = objectspace.Float32
	// Float16 stores elements as IEEE 754 half precision.
	Float16 = objectspace.Float16
)

// DistanceType selects the distance function of an index.
type DistanceType = distance.Type

const (
	L1               = distance.L1
	L2               = distance.L2
	Angle            = distance.Angle
	Hamming          = distance.Hamming
	Cosine           = distance.Cosine
	NormalizedAngle  = distance.NormalizedAngle
	NormalizedCosine = distance.NormalizedCosine
	Jaccard          = distance.Jaccard
	SparseJaccard    = distance.SparseJaccard
	NormalizedL2     = distance.NormalizedL2
	Poincare         = distance.Poincare
	Lorentz          = distance.Lorentz
)

// Default property values.
const (
	DefaultCreationEdgeSize = 10
	DefaultSearchEdgeSize   = 40
	DefaultBatchChunkSize   = 100
	DefaultBuildEpsilon     = 0.1
	DefaultSearchEpsilon    = 0.1
	DefaultSearchSize       = 10
)

// Properties is the configuration of an index. It is fixed at Create and
// stored next to the index.
//
// Properties is an immutable builder: every With method returns a modified
// copy. The first invalid value is remembered and reported by Validate.
//
//	props := graphann.NewProperties(128).
//	    WithDistanceType(graphann.Cosine).
//	    WithCreationEdgeSize(20)
type Properties struct {
	dimension        int
	creationEdgeSize int
	searchEdgeSize   int
	objectType       ObjectType
	distanceType     DistanceType
	batchChunkSize   int
	buildEpsilon     float32

	err error
}

// NewProperties returns defaults for vectors of the given dimension:
// Float32 objects, L2 distance, creation edge size 10, search edge size 40.
func NewProperties(dimension int) Properties {
	p := Properties{
		dimension:        dimension,
		creationEdgeSize: DefaultCreationEdgeSize,
		searchEdgeSize:   DefaultSearchEdgeSize,
		objectType:       Float32,
		distanceType:     L2,
		batchChunkSize:   DefaultBatchChunkSize,
		buildEpsilon:     DefaultBuildEpsilon,
	}
	if dimension <= 0 {
		p.err = fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	return p
}

func (p Properties) fail(format string, args ...any) Properties {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
	return p
}

// WithCreationEdgeSize sets the per-node edge cap used while building.
func (p Properties) WithCreationEdgeSize(n int) Properties {
	if n <= 0 || n > math.MaxUint16 {
		return p.fail("creation edge size out of range: %d", n)
	}
	p.creationEdgeSize = n
	return p
}

// WithSearchEdgeSize sets how many edges per node a search explores.
func (p Properties) WithSearchEdgeSize(n int) Properties {
	if n <= 0 {
		return p.fail("search edge size must be positive, got %d", n)
	}
	p.searchEdgeSize = n
	return p
}

// WithObjectType sets the element type vectors are stored as.
func (p Properties) WithObjectType(t ObjectType) Properties {
	if !t.Valid() {
		return p.fail("unknown object type %d", uint8(t))
	}
	p.objectType = t
	return p
}

// WithDistanceType sets the distance function.
func (p Properties) WithDistanceType(t DistanceType) Properties {
	if !t.Valid() {
		return p.fail("unknown distance type %d", int(t))
	}
	p.distanceType = t
	return p
}

// WithBatchChunkSize sets how many vectors InsertBatchCommit inserts
// between builds.
func (p Properties) WithBatchChunkSize(n int) Properties {
	if n <= 0 {
		return p.fail("batch chunk size must be positive, got %d", n)
	}
	p.batchChunkSize = n
	return p
}

// WithBuildEpsilon sets the exploration slack used to find neighbors of
// nodes being built.
func (p Properties) WithBuildEpsilon(eps float32) Properties {
	if eps < 0 || math.IsNaN(float64(eps)) || math.IsInf(float64(eps), 0) {
		return p.fail("build epsilon out of range: %v", eps)
	}
	p.buildEpsilon = eps
	return p
}

func (p Properties) Dimension() int             { return p.dimension }
func (p Properties) CreationEdgeSize() int      { return p.creationEdgeSize }
func (p Properties) SearchEdgeSize() int        { return p.searchEdgeSize }
func (p Properties) ObjectType() ObjectType     { return p.objectType }
func (p Properties) DistanceType() DistanceType { return p.distanceType }
func (p Properties) BatchChunkSize() int        { return p.batchChunkSize }
func (p Properties) BuildEpsilon() float32      { return p.buildEpsilon }

// Validate returns the first invalid setting, or an unsupported
// combination of object and distance type.
func (p Properties) Validate() error {
	if err := p.validate(); err != nil {
		return &Error{Kind: ErrInvalidArgument, Op: "properties", Err: err}
	}
	return nil
}

func (p Properties) validate() error {
	if p.err != nil {
		return p.err
	}
	if p.distanceType.IsBitwise() && p.objectType != Uint8 {
		return fmt.Errorf("%s requires %s objects", p.distanceType, Uint8)
	}
	if p.objectType == Uint8 && p.distanceType.IsNormalized() {
		return fmt.Errorf("%s is not defined for %s objects", p.distanceType, Uint8)
	}
	return nil
}

func (p Properties) toFile(generation string, built bool, c persistence.Compression, tuning *persistence.Tuning) *persistence.PropertyFile {
	return &persistence.PropertyFile{
		FormatVersion:    persistence.FormatVersion,
		Generation:       generation,
		Dimension:        p.dimension,
		CreationEdgeSize: p.creationEdgeSize,
		SearchEdgeSize:   p.searchEdgeSize,
		ObjectType:       p.objectType.String(),
		DistanceType:     p.distanceType.String(),
		BuildEpsilon:     p.buildEpsilon,
		BatchChunkSize:   p.batchChunkSize,
		Compression:      c.String(),
		Built:            built,
		Tuning:           tuning,
	}
}

func propertiesFromFile(f *persistence.PropertyFile) (Properties, error) {
	ot, err := objectspace.ParseObjectType(f.ObjectType)
	if err != nil {
		return Properties{}, fmt.Errorf("%w: %w", persistence.ErrInvalidProperties, err)
	}
	dt, err := distance.ParseType(f.DistanceType)
	if err != nil {
		return Properties{}, fmt.Errorf("%w: %w", persistence.ErrInvalidProperties, err)
	}

	p := NewProperties(f.Dimension).
		WithCreationEdgeSize(f.CreationEdgeSize).
		WithSearchEdgeSize(f.SearchEdgeSize).
		WithObjectType(ot).
		WithDistanceType(dt)
	if f.BatchChunkSize > 0 {
		p = p.WithBatchChunkSize(f.BatchChunkSize)
	}
	if f.BuildEpsilon > 0 {
		p = p.WithBuildEpsilon(f.BuildEpsilon)
	}
	if err := p.validate(); err != nil {
		return Properties{}, fmt.Errorf("%w: %w", persistence.ErrInvalidProperties, err)
	}
	return p, nil
}
