package graphann

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/graphann/distance"
	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/quantization"
	"github.com/hupe1980/graphann/internal/searcher"
	"github.com/hupe1980/graphann/internal/simd"
	"github.com/hupe1980/graphann/persistence"
)

// Quantized index defaults.
const (
	DefaultSubvectorDimension = 1
	DefaultMaxEdges           = 128
	DefaultQuantizedSize      = 20
	DefaultQuantizedEpsilon   = 0.03
	DefaultResultExpansion    = 3.0

	quantizerSeed = 0x9e3779b97f4a7c15
)

// quantizationSupported is the host capability probe. Tests replace it.
var quantizationSupported = simd.QuantizationSupported

// QuantizationSupported reports whether this host can create and open
// quantized indexes.
func QuantizationSupported() bool { return quantizationSupported() }

// openQuantizedIndex opens the data Quantize wrote. Tests replace it.
var openQuantizedIndex = openQuantized

// QuantizationParams configures Quantize.
type QuantizationParams struct {
	// SubvectorDimension is the width of each product-quantized subvector.
	// It must divide the index dimension. Zero means 1.
	SubvectorDimension int
	// MaxEdges caps the out-degree of the quantized graph. Zero means 128.
	MaxEdges int
}

func (p QuantizationParams) withDefaults() QuantizationParams {
	if p.SubvectorDimension == 0 {
		p.SubvectorDimension = DefaultSubvectorDimension
	}
	if p.MaxEdges == 0 {
		p.MaxEdges = DefaultMaxEdges
	}
	return p
}

// QuantizedIndex is an immutable quantized graph index stored in the qg
// directory of its source index.
//
// Searches traverse a bidirectional copy of the source graph using
// product-quantized distances, then re-rank the shortlist exactly.
// QuantizedIndex methods are safe for concurrent use.
type QuantizedIndex struct {
	mu sync.RWMutex

	path   string
	props  Properties
	params QuantizationParams

	space objectspace.Space
	graph *graph.Graph
	pq    *quantization.ProductQuantizer
	// codes holds NumSubvectors bytes per id, id 0 included.
	codes []byte

	opts   options
	logger *Logger
	closed bool
}

// Quantize derives a quantized index from idx and opens it.
//
// idx must be fully built and persisted. On success idx is closed and the
// returned index takes its place; on failure idx is left open and unchanged.
// Quantize fails with ErrUnsupportedHardware before touching idx when the
// host lacks the required vector instructions.
func Quantize(idx *Index, params QuantizationParams, optFns ...Option) (*QuantizedIndex, error) {
	const op = "quantize"
	if !quantizationSupported() {
		return nil, newError(op, ErrUnsupportedHardware, "quantized indexes need AVX2 or NEON, host is %s", simd.Detect())
	}
	params = params.withDefaults()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if err := idx.checkQuantizable(op, params); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := writeQuantized(idx, params); err != nil {
		idx.logger.ErrorContext(context.Background(), "quantize failed", "error", err)
		return nil, translateError(op, err)
	}
	idx.logger.InfoContext(context.Background(), "index quantized",
		"live", idx.space.CountLive(),
		"max_edges", params.MaxEdges,
		"subvector_dimension", params.SubvectorDimension,
		"elapsed", time.Since(start),
	)

	q, err := openQuantizedIndex(idx.path, applyOptions(optFns))
	if err != nil {
		return nil, err
	}
	idx.release()
	return q, nil
}

func (idx *Index) checkQuantizable(op string, params QuantizationParams) error {
	switch {
	case params.SubvectorDimension < 0 || params.MaxEdges < 0:
		return newError(op, ErrInvalidArgument, "negative quantization parameter")
	case idx.props.dimension%params.SubvectorDimension != 0:
		return newError(op, ErrInvalidArgument, "subvector dimension %d does not divide dimension %d",
			params.SubvectorDimension, idx.props.dimension)
	case params.MaxEdges > math.MaxUint16:
		return newError(op, ErrInvalidArgument, "max edges out of range: %d", params.MaxEdges)
	case !quantizableDistance(idx.props.distanceType):
		return newError(op, ErrInvalidArgument, "%s distance cannot be quantized", idx.props.distanceType)
	case idx.stateLocked() != StateBuilt:
		return newError(op, ErrInvalidState, "index is %s, build it first", idx.stateLocked())
	case idx.dirty:
		return newError(op, ErrInvalidState, "index has unpersisted changes, persist it first")
	}
	return nil
}

func quantizableDistance(t DistanceType) bool {
	switch t {
	case Hamming, Jaccard, SparseJaccard, Poincare, Lorentz:
		return false
	default:
		return true
	}
}

// normalizesForCodes reports whether codes are trained on unit vectors.
func normalizesForCodes(t DistanceType) bool {
	return t == Cosine || t == Angle
}

func writeQuantized(idx *Index, params QuantizationParams) error {
	space := idx.space
	dim := idx.props.dimension
	normalize := normalizesForCodes(idx.props.distanceType)

	maxID := space.MaxID()
	vectors := make([][]float32, maxID+1)
	training := make([][]float32, 0, space.CountLive())
	var getErr error
	space.ForEachLive(func(id uint32) bool {
		v, err := space.Get(id)
		if err != nil {
			getErr = err
			return false
		}
		if normalize {
			distance.NormalizeL2InPlace(v)
		}
		vectors[id] = v
		training = append(training, v)
		return true
	})
	if getErr != nil {
		return getErr
	}

	pq, err := quantization.NewProductQuantizer(dim, params.SubvectorDimension, quantization.MaxCentroids)
	if err != nil {
		return err
	}
	if err := pq.Train(context.Background(), training, quantizerSeed); err != nil {
		return err
	}

	m := pq.NumSubvectors()
	codes := make([]byte, int(maxID+1)*m)
	for id, v := range vectors {
		if v == nil {
			continue
		}
		if err := pq.EncodeTo(codes[id*m:(id+1)*m], v); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if _, err := pq.WriteTo(&buf); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, maxID); err != nil {
		return err
	}
	buf.Write(codes)

	qg := idx.graph.Bidirectional(params.MaxEdges)
	edges, err := qg.MarshalBinary()
	if err != nil {
		return err
	}

	pf := &persistence.QuantizedPropertyFile{
		FormatVersion:      persistence.FormatVersion,
		SourceGeneration:   idx.generation.String(),
		Dimension:          dim,
		DistanceType:       idx.props.distanceType.String(),
		SubvectorDimension: params.SubvectorDimension,
		MaxEdges:           params.MaxEdges,
		Centroids:          pq.NumCentroids(),
	}
	c := idx.opts.compression
	return persistence.AtomicSaveToDir(filepath.Join(idx.path, persistence.QuantizedDir), []persistence.NamedWriter{
		persistence.SectionFile(persistence.CodesFile, persistence.SectionQuantizer, buf.Bytes(), c),
		persistence.SectionFile(persistence.GraphFile, persistence.SectionGraph, edges, c),
		persistence.QuantizedPropertiesEntry(pf),
	})
}

// OpenQuantized opens the quantized index stored under path by Quantize.
//
// It fails with ErrUnsupportedHardware on hosts without the required vector
// instructions, with ErrNotFound when path or its quantized data is missing,
// and with ErrInvalidState when the source index was persisted again after
// quantization.
func OpenQuantized(path string, optFns ...Option) (*QuantizedIndex, error) {
	if !quantizationSupported() {
		return nil, newError("open quantized", ErrUnsupportedHardware, "quantized indexes need AVX2 or NEON, host is %s", simd.Detect())
	}
	return openQuantized(path, applyOptions(optFns))
}

func openQuantized(path string, opts options) (*QuantizedIndex, error) {
	const op = "open quantized"
	qdir := filepath.Join(path, persistence.QuantizedDir)
	if _, err := os.Stat(qdir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(op, ErrNotFound, "no quantized index at %s", path)
		}
		return nil, translateError(op, err)
	}

	src, err := openIndex(path, opts)
	if err != nil {
		return nil, err
	}
	defer src.release()
	corrupt := func(err error) error {
		return &Error{Kind: ErrCorruptFormat, Op: op, Err: err}
	}

	qp, err := persistence.ReadQuantizedProperties(qdir)
	if err != nil {
		return nil, corrupt(err)
	}
	if qp.SourceGeneration != src.generation.String() {
		return nil, newError(op, ErrInvalidState, "index at %s changed after quantization, quantize it again", path)
	}
	if qp.Dimension != src.props.dimension || qp.DistanceType != src.props.distanceType.String() {
		return nil, corrupt(fmt.Errorf("quantized properties disagree with the source index"))
	}

	data, err := persistence.LoadSection(filepath.Join(qdir, persistence.CodesFile), persistence.SectionQuantizer)
	if err != nil {
		return nil, corrupt(err)
	}
	pq, codes, err := decodeCodes(data, src.space.MaxID())
	if err != nil {
		return nil, corrupt(err)
	}
	if pq.Dimension() != qp.Dimension || pq.SubvectorDim() != qp.SubvectorDimension {
		return nil, corrupt(fmt.Errorf("codebook shape disagrees with quantized properties"))
	}

	g := graph.New(qp.MaxEdges)
	if opts.seedCount > 0 {
		g.SetSeedCount(opts.seedCount)
	}
	data, err = persistence.LoadSection(filepath.Join(qdir, persistence.GraphFile), persistence.SectionGraph)
	if err != nil {
		return nil, corrupt(err)
	}
	if err := g.Decode(data, src.space.MaxID()); err != nil {
		return nil, corrupt(err)
	}
	for _, id := range g.IndexedIDs() {
		if !src.space.Exists(id) {
			return nil, corrupt(fmt.Errorf("quantized graph node %d has no live object", id))
		}
	}

	q := &QuantizedIndex{
		path:  path,
		props: src.props,
		params: QuantizationParams{
			SubvectorDimension: qp.SubvectorDimension,
			MaxEdges:           qp.MaxEdges,
		},
		space:  src.space,
		graph:  g,
		pq:     pq,
		codes:  codes,
		opts:   opts,
		logger: opts.logger.WithPath(path),
	}
	return q, nil
}

func decodeCodes(data []byte, maxID uint32) (*quantization.ProductQuantizer, []byte, error) {
	r := bytes.NewReader(data)
	pq, err := quantization.ReadProductQuantizer(r)
	if err != nil {
		return nil, nil, err
	}
	var storedMax uint32
	if err := binary.Read(r, binary.LittleEndian, &storedMax); err != nil {
		return nil, nil, fmt.Errorf("codes header: %w", err)
	}
	if storedMax != maxID {
		return nil, nil, fmt.Errorf("codes cover ids up to %d, index has %d", storedMax, maxID)
	}
	codes := make([]byte, int(storedMax+1)*pq.NumSubvectors())
	if _, err := io.ReadFull(r, codes); err != nil {
		return nil, nil, fmt.Errorf("codes: %w", err)
	}
	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("%d trailing bytes after codes", r.Len())
	}
	return pq, codes, nil
}

// Path returns the directory of the source index.
func (q *QuantizedIndex) Path() string { return q.path }

// Properties returns the configuration of the source index.
func (q *QuantizedIndex) Properties() Properties { return q.props }

// Params returns the parameters the index was quantized with.
func (q *QuantizedIndex) Params() QuantizationParams { return q.params }

// QuantizedQuery is a search against a quantized index.
type QuantizedQuery struct {
	Vector []float32
	// Size is the number of results. Zero means 20.
	Size int
	// Epsilon is the exploration slack of the quantized traversal.
	// Zero means 0.03.
	Epsilon float32
	// ResultExpansion over-fetches Size*ResultExpansion candidates by
	// quantized distance before re-ranking them exactly. Zero means 3;
	// values below 1 are rejected.
	ResultExpansion float32
	// Radius drops results farther away. Zero or negative means unbounded.
	Radius float32
}

// Search returns the Size nearest neighbors of q.Vector by exact distance,
// chosen from a shortlist found with quantized distances.
func (q *QuantizedIndex) Search(query QuantizedQuery) ([]SearchResult, error) {
	start := time.Now()
	q.mu.RLock()
	res, err := q.searchLocked(query)
	q.mu.RUnlock()

	q.opts.metricsCollector.RecordSearch(query.Size, time.Since(start), err)
	q.logger.LogSearch(context.Background(), query.Size, len(res), err)
	return res, err
}

func (q *QuantizedIndex) searchLocked(query QuantizedQuery) ([]SearchResult, error) {
	const op = "quantized search"
	if q.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if query.Size < 0 {
		return nil, newError(op, ErrInvalidArgument, "size must not be negative, got %d", query.Size)
	}
	if query.Epsilon < 0 || math.IsNaN(float64(query.Epsilon)) {
		return nil, newError(op, ErrInvalidArgument, "epsilon out of range: %v", query.Epsilon)
	}
	if query.ResultExpansion != 0 && !(query.ResultExpansion >= 1) {
		return nil, newError(op, ErrInvalidArgument, "result expansion must be at least 1, got %v", query.ResultExpansion)
	}
	if query.Size == 0 {
		query.Size = DefaultQuantizedSize
	}
	if query.Epsilon == 0 {
		query.Epsilon = DefaultQuantizedEpsilon
	}
	if query.ResultExpansion == 0 {
		query.ResultExpansion = DefaultResultExpansion
	}

	exact, err := q.space.NewQuery(query.Vector)
	if err != nil {
		return nil, translateError(op, err)
	}
	table, err := q.distanceTable(query.Vector)
	if err != nil {
		return nil, translateError(op, err)
	}
	m := q.pq.NumSubvectors()
	approx := func(id uint32) float32 {
		return float32(math.Sqrt(float64(q.pq.AdcDistance(table, q.codes[int(id)*m:(int(id)+1)*m]))))
	}

	shortlist := int(math.Ceil(float64(query.Size) * float64(query.ResultExpansion)))
	candidates := q.graph.Search(q.space, approx, graph.SearchParams{
		K:       max(shortlist, query.Size),
		Epsilon: query.Epsilon,
		Radius:  -1,
	})

	radius := float32(math.MaxFloat32)
	if query.Radius > 0 {
		radius = query.Radius
	}
	ranked := make([]searcher.Item, 0, len(candidates))
	for _, c := range candidates {
		if d := exact(c.ID); d <= radius {
			ranked = append(ranked, searcher.Item{ID: c.ID, Distance: d})
		}
	}
	searcher.SortItems(ranked)
	if len(ranked) > query.Size {
		ranked = ranked[:query.Size]
	}
	return toResults(ranked), nil
}

func (q *QuantizedIndex) distanceTable(vec []float32) ([]float32, error) {
	if err := q.space.Validate(vec); err != nil {
		return nil, err
	}
	if q.props.distanceType.IsNormalized() || normalizesForCodes(q.props.distanceType) {
		vec = slices.Clone(vec)
		distance.NormalizeL2InPlace(vec)
	}
	return q.pq.BuildDistanceTable(vec)
}

// Get returns a copy of the stored vector of id.
func (q *QuantizedIndex) Get(id uint32) ([]float32, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, &Error{Kind: ErrClosed, Op: "get"}
	}
	vec, err := q.space.Get(id)
	return vec, translateError("get", err)
}

// CountIndexed returns the number of nodes in the quantized graph.
func (q *QuantizedIndex) CountIndexed() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0
	}
	return q.graph.CountIndexed()
}

// QuantizedStats describes a quantized index.
type QuantizedStats struct {
	Dimension          int
	DistanceType       DistanceType
	Nodes              int
	Edges              int
	MaxDegree          int
	AvgDegree          float64
	Subvectors         int
	Centroids          int
	CompressionRatio   float64
	SubvectorDimension int
	MaxEdges           int
	Host               string
}

// Stats returns graph and codebook statistics.
func (q *QuantizedIndex) Stats() (QuantizedStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return QuantizedStats{}, &Error{Kind: ErrClosed, Op: "stats"}
	}
	gs := q.graph.Stats()
	return QuantizedStats{
		Dimension:          q.props.dimension,
		DistanceType:       q.props.distanceType,
		Nodes:              gs.Nodes,
		Edges:              gs.Edges,
		MaxDegree:          gs.MaxDegree,
		AvgDegree:          gs.AvgDegree,
		Subvectors:         q.pq.NumSubvectors(),
		Centroids:          q.pq.NumCentroids(),
		CompressionRatio:   q.pq.CompressionRatio(),
		SubvectorDimension: q.params.SubvectorDimension,
		MaxEdges:           q.params.MaxEdges,
		Host:               simd.Detect().String(),
	}, nil
}

// Close releases the index. Close is idempotent.
func (q *QuantizedIndex) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.space = nil
	q.graph = nil
	q.pq = nil
	q.codes = nil
	return nil
}
