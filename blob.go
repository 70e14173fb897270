package graphann

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/graphann/distance"
	"github.com/hupe1980/graphann/internal/blob"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/simd"
	"github.com/hupe1980/graphann/persistence"
)

// Blob index defaults.
const (
	DefaultBlobSize       = 20
	DefaultBlobEpsilon    = 0.1
	DefaultBlobExpansion  = 3.0
	DefaultExploredBlobs  = 256
	DefaultBlobIterations = 20
	DefaultBlobSubvectors = 1
	blobSeed              = 0x5851f42d4c957f2d
)

// BlobParams fixes the layout of a blob index at CreateBlob.
type BlobParams struct {
	Dimension int
	// Subvectors is the number of product-quantized subvectors each
	// residual is stored as. It must divide Dimension. Zero means 1.
	Subvectors int
	// Blobs is the number of partitions. Zero picks the square root of the
	// training set size at the first build.
	Blobs int
	// ObjectType is Float32 (default), Float16 or Uint8.
	ObjectType ObjectType
}

func (p BlobParams) withDefaults() BlobParams {
	if p.Subvectors == 0 {
		p.Subvectors = DefaultBlobSubvectors
	}
	if p.ObjectType == 0 {
		p.ObjectType = Float32
	}
	return p
}

func (p BlobParams) validate() error {
	const op = "create blob"
	switch {
	case p.Dimension <= 0:
		return newError(op, ErrInvalidArgument, "dimension must be positive, got %d", p.Dimension)
	case p.Subvectors <= 0 || p.Dimension%p.Subvectors != 0:
		return newError(op, ErrInvalidArgument, "%d subvectors do not divide dimension %d", p.Subvectors, p.Dimension)
	case p.Blobs < 0 || p.Blobs > blob.MaxBlobs:
		return newError(op, ErrInvalidArgument, "blob count out of range: %d", p.Blobs)
	}
	switch p.ObjectType {
	case Float32, Float16, Uint8:
	default:
		return newError(op, ErrInvalidArgument, "unsupported object type %s", p.ObjectType)
	}
	return nil
}

// BlobBuildParams configures BlobIndex.Build.
type BlobBuildParams struct {
	// Iterations bounds the k-means iterations. Zero means 20.
	Iterations int
	// SampleSize caps the vectors the partition is trained on. Zero trains
	// on every vector.
	SampleSize int
	// Retrain discards an existing partition and trains a new one.
	Retrain bool
	Threads int
	Seed    uint64
}

// BlobQuery is a search against a blob index.
type BlobQuery struct {
	Vector []float32
	// Size is the number of results. Zero means 20.
	Size int
	// Epsilon is the exploration slack of the search over blob centroids.
	// Zero means 0.1.
	Epsilon float32
	// BlobEpsilon skips routed blobs whose centroid lies farther than
	// (1+BlobEpsilon) times the nearest one. Zero scans every routed blob.
	BlobEpsilon float32
	// ResultExpansion over-fetches Size*ResultExpansion members by quantized
	// distance before re-ranking them exactly. Zero means 3.
	ResultExpansion float32
	// ExploredBlobs is the number of blobs scanned. Zero means 256.
	ExploredBlobs int
	// Edges bounds the edges followed per centroid. Zero follows all.
	Edges int
	// Radius drops results farther away. Zero or negative means unbounded.
	Radius float32
}

// BlobIndex is a blob-partitioned quantized index opened for writing.
//
// Vectors are clustered into blobs and stored as product-quantized residuals
// to their blob centroid. A search routes the query to its nearest blobs,
// shortlists their members by quantized distance and re-ranks the shortlist
// exactly. Only L2 distance is supported. Searches go through
// ReadableBlobIndex; see IntoReadableBlob.
type BlobIndex struct {
	mu sync.RWMutex

	path       string
	params     BlobParams
	generation uuid.UUID

	space objectspace.Space
	model *blob.Index

	opts   options
	logger *Logger

	dirty  bool
	closed bool
}

// CreateBlob materializes an empty blob index at path and opens it. It
// fails with ErrUnsupportedHardware on hosts without the vector
// instructions quantized indexes need.
func CreateBlob(path string, params BlobParams, optFns ...Option) (*BlobIndex, error) {
	const op = "create blob"
	if !quantizationSupported() {
		return nil, newError(op, ErrUnsupportedHardware, "blob indexes need AVX2 or NEON, host is %s", simd.Detect())
	}
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	exists, err := persistence.Exists(path)
	if err != nil {
		return nil, translateError(op, err)
	}
	if exists {
		return nil, newError(op, ErrInvalidState, "index already exists at %s", path)
	}

	space, err := objectspace.New(params.Dimension, params.ObjectType, distance.L2)
	if err != nil {
		return nil, translateError(op, err)
	}
	opts := applyOptions(optFns)
	b := &BlobIndex{
		path:       path,
		params:     params,
		generation: uuid.New(),
		space:      space,
		opts:       opts,
		logger:     opts.logger.WithPath(path),
	}
	if err := b.persistLocked(); err != nil {
		return nil, translateError(op, err)
	}
	return b, nil
}

func openBlob(path string, opts options) (*BlobIndex, error) {
	const op = "open blob"
	if !quantizationSupported() {
		return nil, newError(op, ErrUnsupportedHardware, "blob indexes need AVX2 or NEON, host is %s", simd.Detect())
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(op, ErrNotFound, "no blob index at %s", path)
		}
		return nil, translateError(op, err)
	}
	corrupt := func(err error) error {
		return &Error{Kind: ErrCorruptFormat, Op: op, Err: err}
	}

	pf, err := persistence.ReadBlobProperties(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(op, ErrNotFound, "no blob index at %s", path)
		}
		return nil, corrupt(err)
	}
	ot, err := objectspace.ParseObjectType(pf.ObjectType)
	if err != nil {
		return nil, corrupt(err)
	}
	if pf.DistanceType != distance.L2.String() {
		return nil, corrupt(fmt.Errorf("blob index with %s distance", pf.DistanceType))
	}
	generation, err := uuid.Parse(pf.Generation)
	if err != nil {
		return nil, corrupt(fmt.Errorf("generation: %w", err))
	}
	params := BlobParams{Dimension: pf.Dimension, Subvectors: pf.Subvectors, Blobs: pf.Blobs, ObjectType: ot}
	if err := params.validate(); err != nil {
		return nil, corrupt(err)
	}

	space, err := objectspace.New(params.Dimension, ot, distance.L2)
	if err != nil {
		return nil, corrupt(err)
	}
	data, err := persistence.LoadSection(filepath.Join(path, persistence.ObjectsFile), persistence.SectionObjects)
	if err != nil {
		return nil, corrupt(err)
	}
	if err := space.UnmarshalBinary(data); err != nil {
		return nil, corrupt(err)
	}

	b := &BlobIndex{
		path:       path,
		params:     params,
		generation: generation,
		space:      space,
		opts:       opts,
		logger:     opts.logger.WithPath(path),
	}
	if pf.Trained {
		data, err := persistence.LoadSection(filepath.Join(path, persistence.BlobsFile), persistence.SectionBlobs)
		if err != nil {
			return nil, corrupt(err)
		}
		model, err := blob.Decode(data, params.Dimension, space.MaxID())
		if err != nil {
			return nil, corrupt(err)
		}
		if model.Subvectors() != params.Subvectors {
			return nil, corrupt(fmt.Errorf("%d subvectors stored, %d configured", model.Subvectors(), params.Subvectors))
		}
		b.model = model
	}
	assigned := 0
	if b.model != nil {
		assigned = b.model.Count()
	}
	b.logger.LogOpen(context.Background(), space.CountLive(), assigned, nil)
	return b, nil
}

// OpenBlobWritable loads the blob index at path for writing.
func OpenBlobWritable(path string, optFns ...Option) (*BlobIndex, error) {
	return openBlob(path, applyOptions(optFns))
}

// Path returns the index directory.
func (b *BlobIndex) Path() string { return b.path }

// Params returns the layout the index was created with.
func (b *BlobIndex) Params() BlobParams { return b.params }

// Insert stores vec and returns its id. The vector is assigned to a blob at
// the next Build.
func (b *BlobIndex) Insert(vec []float32) (uint32, error) {
	const op = "blob insert"
	start := time.Now()
	b.mu.Lock()
	id, err := b.insertLocked(op, vec)
	b.mu.Unlock()

	b.opts.metricsCollector.RecordInsert(time.Since(start), err)
	b.logger.LogInsert(context.Background(), id, err)
	return id, err
}

func (b *BlobIndex) insertLocked(op string, vec []float32) (uint32, error) {
	if b.closed {
		return 0, &Error{Kind: ErrClosed, Op: op}
	}
	id, err := b.space.Append(vec)
	if err != nil {
		return 0, translateError(op, err)
	}
	b.dirty = true
	return id, nil
}

// InsertBatch stores all vectors and returns their ids. A vector of the
// wrong dimension rejects the whole batch.
func (b *BlobIndex) InsertBatch(vecs [][]float32) ([]uint32, error) {
	const op = "blob insert batch"
	start := time.Now()
	b.mu.Lock()
	ids, err := b.insertBatchLocked(op, vecs)
	b.mu.Unlock()

	b.opts.metricsCollector.RecordBatchInsert(len(vecs), time.Since(start), err)
	b.logger.LogBatchInsert(context.Background(), len(vecs), err)
	return ids, err
}

func (b *BlobIndex) insertBatchLocked(op string, vecs [][]float32) ([]uint32, error) {
	if b.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if uint64(b.space.MaxID())+uint64(len(vecs)) >= math.MaxUint32 {
		return nil, newError(op, ErrCapacityExceeded, "batch of %d would exceed the id space", len(vecs))
	}
	for i, vec := range vecs {
		if err := b.space.Validate(vec); err != nil {
			return nil, &Error{Kind: ErrDimensionMismatch, Op: op, Err: fmt.Errorf("vector %d: %w", i, err)}
		}
	}
	ids := make([]uint32, 0, len(vecs))
	for _, vec := range vecs {
		id, err := b.insertLocked(op, vec)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Build assigns every unassigned vector to a blob. The first build, or one
// with Retrain set, trains the partition and the residual quantizer on the
// stored vectors first.
func (b *BlobIndex) Build(ctx context.Context, p BlobBuildParams) error {
	const op = "blob build"
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Error{Kind: ErrClosed, Op: op}
	}

	start := time.Now()
	var err error
	pending := b.pendingLocked(p.Retrain)
	if len(pending) > 0 {
		err = b.assignLocked(ctx, pending, p)
	}
	elapsed := time.Since(start)

	b.opts.metricsCollector.RecordBuild(len(pending), elapsed, err)
	b.logger.LogBuild(ctx, len(pending), p.Threads, elapsed, err)
	return translateError(op, err)
}

// pendingLocked lists the live ids Build has to assign.
func (b *BlobIndex) pendingLocked(all bool) []uint32 {
	var pending []uint32
	b.space.ForEachLive(func(id uint32) bool {
		if all || b.model == nil || !b.model.Assigned(id) {
			pending = append(pending, id)
		}
		return true
	})
	return pending
}

func (b *BlobIndex) assignLocked(ctx context.Context, ids []uint32, p BlobBuildParams) error {
	vectors := make([][]float32, len(ids))
	for i, id := range ids {
		v, err := b.space.Get(id)
		if err != nil {
			return err
		}
		vectors[i] = v
	}

	if b.model == nil || p.Retrain {
		iterations := p.Iterations
		if iterations == 0 {
			iterations = DefaultBlobIterations
		}
		seed := p.Seed
		if seed == 0 {
			seed = blobSeed
		}
		model, err := blob.Train(ctx, ids, vectors, blob.Config{
			Blobs:      b.params.Blobs,
			Subvectors: b.params.Subvectors,
			Iterations: iterations,
			SampleSize: p.SampleSize,
			Seed:       seed,
			Threads:    p.Threads,
		})
		if err != nil {
			return err
		}
		b.model = model
		b.dirty = true
		return nil
	}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.model.Add(id, vectors[i]); err != nil {
			return err
		}
		b.dirty = true
	}
	return nil
}

// Persist writes the vectors, the partition and the property file.
func (b *BlobIndex) Persist() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Error{Kind: ErrClosed, Op: "blob persist"}
	}
	return translateError("blob persist", b.persistLocked())
}

func (b *BlobIndex) persistLocked() error {
	if b.dirty {
		b.generation = uuid.New()
	}
	objects, err := b.space.MarshalBinary()
	if err != nil {
		return err
	}
	c := b.opts.compression
	pf := &persistence.BlobPropertyFile{
		FormatVersion: persistence.FormatVersion,
		Kind:          persistence.BlobKind,
		Generation:    b.generation.String(),
		Dimension:     b.params.Dimension,
		ObjectType:    b.params.ObjectType.String(),
		DistanceType:  distance.L2.String(),
		Subvectors:    b.params.Subvectors,
		Blobs:         b.params.Blobs,
		Compression:   c.String(),
		Trained:       b.model != nil,
	}
	files := []persistence.NamedWriter{
		persistence.SectionFile(persistence.ObjectsFile, persistence.SectionObjects, objects, c),
	}
	if b.model != nil {
		blobs, err := b.model.MarshalBinary()
		if err != nil {
			return err
		}
		files = append(files, persistence.SectionFile(persistence.BlobsFile, persistence.SectionBlobs, blobs, c))
	}
	files = append(files, persistence.BlobPropertiesEntry(pf))

	assigned := 0
	if b.model != nil {
		assigned = b.model.Count()
	}
	err = persistence.AtomicSaveToDir(b.path, files)
	b.logger.LogPersist(context.Background(), b.space.CountLive(), assigned, err)
	if err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Get returns the stored vector of id.
func (b *BlobIndex) Get(id uint32) ([]float32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, &Error{Kind: ErrClosed, Op: "get"}
	}
	vec, err := b.space.Get(id)
	return vec, translateError("get", err)
}

// CountInserted returns the number of stored vectors.
func (b *BlobIndex) CountInserted() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	return b.space.CountLive()
}

// CountAssigned returns the number of vectors assigned to a blob.
func (b *BlobIndex) CountAssigned() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.model == nil {
		return 0
	}
	return b.model.Count()
}

// BlobStats describes a blob index.
type BlobStats struct {
	Dimension  int
	ObjectType ObjectType
	Live       int
	Assigned   int
	Blobs      int
	Subvectors int
	// BlobSizes is the member count of every blob.
	BlobSizes  []int
	Generation string
	Host       string
}

// Stats returns partition statistics.
func (b *BlobIndex) Stats() (BlobStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return BlobStats{}, &Error{Kind: ErrClosed, Op: "stats"}
	}
	s := BlobStats{
		Dimension:  b.params.Dimension,
		ObjectType: b.params.ObjectType,
		Live:       b.space.CountLive(),
		Subvectors: b.params.Subvectors,
		Generation: b.generation.String(),
		Host:       simd.Detect().String(),
	}
	if b.model != nil {
		s.Assigned = b.model.Count()
		s.Blobs = b.model.Blobs()
		s.BlobSizes = b.model.BlobSizes()
	}
	return s, nil
}

func (b *BlobIndex) search(q BlobQuery) ([]SearchResult, error) {
	start := time.Now()
	b.mu.RLock()
	res, err := b.searchLocked(q)
	b.mu.RUnlock()

	b.opts.metricsCollector.RecordSearch(q.Size, time.Since(start), err)
	b.logger.LogSearch(context.Background(), q.Size, len(res), err)
	return res, err
}

func (b *BlobIndex) searchLocked(q BlobQuery) ([]SearchResult, error) {
	const op = "blob search"
	switch {
	case b.closed:
		return nil, &Error{Kind: ErrClosed, Op: op}
	case q.Size < 0 || q.ExploredBlobs < 0 || q.Edges < 0:
		return nil, newError(op, ErrInvalidArgument, "size, explored blobs and edges must not be negative")
	case q.Epsilon < 0 || math.IsNaN(float64(q.Epsilon)) || q.BlobEpsilon < 0 || math.IsNaN(float64(q.BlobEpsilon)):
		return nil, newError(op, ErrInvalidArgument, "epsilon out of range: %v/%v", q.Epsilon, q.BlobEpsilon)
	case q.ResultExpansion != 0 && !(q.ResultExpansion >= 1):
		return nil, newError(op, ErrInvalidArgument, "result expansion must be at least 1, got %v", q.ResultExpansion)
	case b.model == nil:
		return nil, newError(op, ErrInvalidState, "blob index is not built")
	}

	exact, err := b.space.NewQuery(q.Vector)
	if err != nil {
		return nil, translateError(op, err)
	}
	p := blob.SearchParams{
		Size:        q.Size,
		Expansion:   q.ResultExpansion,
		Blobs:       q.ExploredBlobs,
		Epsilon:     q.Epsilon,
		BlobEpsilon: q.BlobEpsilon,
		Edges:       q.Edges,
		Radius:      q.Radius,
	}
	if p.Size == 0 {
		p.Size = DefaultBlobSize
	}
	if p.Expansion == 0 {
		p.Expansion = DefaultBlobExpansion
	}
	if p.Blobs == 0 {
		p.Blobs = DefaultExploredBlobs
	}
	if p.Epsilon == 0 {
		p.Epsilon = DefaultBlobEpsilon
	}
	items, err := b.model.Search(q.Vector, exact, p)
	if err != nil {
		return nil, translateError(op, err)
	}
	return toResults(items), nil
}

// Close releases the index. Unpersisted changes are discarded. Close is
// idempotent.
func (b *BlobIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if b.dirty {
		b.logger.Warn("closing blob index with unpersisted changes")
	}
	b.release()
	return nil
}

func (b *BlobIndex) release() {
	b.closed = true
	b.space = nil
	b.model = nil
}

// ReadableBlobIndex is a read-only handle to a blob index.
type ReadableBlobIndex struct {
	b *BlobIndex
}

// OpenBlob loads the blob index at path read-only. It fails with
// ErrUnsupportedHardware on hosts without the required vector instructions
// and with ErrNotFound when path holds no blob index.
func OpenBlob(path string, optFns ...Option) (*ReadableBlobIndex, error) {
	b, err := openBlob(path, applyOptions(optFns))
	if err != nil {
		return nil, err
	}
	return &ReadableBlobIndex{b: b}, nil
}

// IntoReadableBlob persists b, closes it and reopens the directory
// read-only. b must not be used afterwards; on failure b stays open.
func IntoReadableBlob(b *BlobIndex, optFns ...Option) (*ReadableBlobIndex, error) {
	const op = "into readable blob"
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if err := b.persistLocked(); err != nil {
		return nil, translateError(op, err)
	}
	opts := b.opts
	if len(optFns) > 0 {
		opts = applyOptions(optFns)
	}
	r, err := openBlob(b.path, opts)
	if err != nil {
		return nil, err
	}
	b.release()
	return &ReadableBlobIndex{b: r}, nil
}

// IntoWritableBlob closes r and reopens the directory for writing.
func IntoWritableBlob(r *ReadableBlobIndex, optFns ...Option) (*BlobIndex, error) {
	opts := r.b.opts
	if len(optFns) > 0 {
		opts = applyOptions(optFns)
	}
	path := r.b.path
	if err := r.Close(); err != nil {
		return nil, err
	}
	return openBlob(path, opts)
}

// Path returns the index directory.
func (r *ReadableBlobIndex) Path() string { return r.b.Path() }

// Params returns the index layout.
func (r *ReadableBlobIndex) Params() BlobParams { return r.b.Params() }

// Search returns the q.Size nearest neighbors of q.Vector by exact
// distance, chosen from a shortlist of the routed blobs.
func (r *ReadableBlobIndex) Search(q BlobQuery) ([]SearchResult, error) {
	return r.b.search(q)
}

// Get is BlobIndex.Get.
func (r *ReadableBlobIndex) Get(id uint32) ([]float32, error) { return r.b.Get(id) }

// CountInserted is BlobIndex.CountInserted.
func (r *ReadableBlobIndex) CountInserted() int { return r.b.CountInserted() }

// CountAssigned is BlobIndex.CountAssigned.
func (r *ReadableBlobIndex) CountAssigned() int { return r.b.CountAssigned() }

// Stats is BlobIndex.Stats.
func (r *ReadableBlobIndex) Stats() (BlobStats, error) { return r.b.Stats() }

// Close releases the index.
func (r *ReadableBlobIndex) Close() error { return r.b.Close() }
