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

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
	"github.com/hupe1980/graphann/internal/simd"
	"github.com/hupe1980/graphann/persistence"
)

// SearchResult is one neighbor returned by a search.
type SearchResult struct {
	ID       uint32
	Distance float32
}

// State is the build state of an index.
type State int

const (
	// StateEmpty means no live vectors.
	StateEmpty State = iota
	// StatePartiallyBuilt means some live vectors are not indexed yet.
	StatePartiallyBuilt
	// StateBuilt means every live vector is indexed.
	StateBuilt
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePartiallyBuilt:
		return "partially-built"
	case StateBuilt:
		return "built"
	default:
		return "unknown"
	}
}

// WritableIndex is the read-write handle returned by Create and Open.
type WritableIndex = Index

// Index is an on-disk graph ANN index opened for reading and writing.
//
// The vector store and the graph live and die with the Index: both are
// loaded by Open and released by Close. Index methods are safe for
// concurrent use; searches run in parallel, mutations are serialized.
type Index struct {
	mu sync.RWMutex

	path       string
	props      Properties
	tuning     *persistence.Tuning
	generation uuid.UUID

	space objectspace.Space
	graph *graph.Graph

	opts   options
	logger *Logger

	dirty  bool
	closed bool
}

// Create materializes an empty index at path and opens it. The directory
// may exist but must not already hold an index.
//
// Create writes the empty index to disk and reopens it, so a new index takes
// the same path through the code as one that was persisted earlier. On
// failure nothing created by this call is left behind.
func Create(path string, props Properties, optFns ...Option) (*Index, error) {
	const op = "create"
	if err := props.Validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(optFns)

	exists, err := persistence.Exists(path)
	if err != nil {
		return nil, translateError(op, err)
	}
	if exists {
		return nil, newError(op, ErrInvalidState, "index already exists at %s", path)
	}

	_, statErr := os.Stat(path)
	createdDir := errors.Is(statErr, os.ErrNotExist)
	cleanup := func() {
		if createdDir {
			_ = os.RemoveAll(path)
			return
		}
		for _, name := range []string{persistence.PropertiesFile, persistence.ObjectsFile, persistence.GraphFile} {
			_ = os.Remove(filepath.Join(path, name))
		}
	}

	space, err := objectspace.New(props.dimension, props.objectType, props.distanceType)
	if err != nil {
		return nil, translateError(op, err)
	}
	idx := &Index{
		path:       path,
		props:      props,
		generation: uuid.New(),
		space:      space,
		graph:      graph.New(props.creationEdgeSize),
		opts:       opts,
		logger:     opts.logger.WithPath(path),
	}
	if err := idx.persistLocked(); err != nil {
		cleanup()
		return nil, translateError(op, err)
	}
	idx.release()

	opened, err := Open(path, optFns...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return opened, nil
}

// Open loads the index stored at path.
//
// It fails with ErrNotFound when path does not exist and with
// ErrCorruptFormat when the stored files are unreadable or disagree with
// each other.
func Open(path string, optFns ...Option) (*Index, error) {
	idx, err := openIndex(path, applyOptions(optFns))
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func openIndex(path string, opts options) (*Index, error) {
	const op = "open"
	logger := opts.logger.WithPath(path)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(op, ErrNotFound, "no index at %s", path)
		}
		return nil, translateError(op, err)
	}

	idx, err := load(path, opts)
	if err != nil {
		logger.LogOpen(context.Background(), 0, 0, err)
		return nil, err
	}
	logger.LogOpen(context.Background(), idx.space.CountLive(), idx.graph.CountIndexed(), nil)
	opts.metricsCollector.SetLive(idx.space.CountLive())
	return idx, nil
}

func load(path string, opts options) (*Index, error) {
	const op = "open"
	corrupt := func(err error) error {
		return &Error{Kind: ErrCorruptFormat, Op: op, Err: err}
	}

	pf, err := persistence.ReadProperties(path)
	if err != nil {
		return nil, corrupt(err)
	}
	props, err := propertiesFromFile(pf)
	if err != nil {
		return nil, corrupt(err)
	}
	generation, err := uuid.Parse(pf.Generation)
	if err != nil {
		return nil, corrupt(fmt.Errorf("generation: %w", err))
	}

	space, err := objectspace.New(props.dimension, props.objectType, props.distanceType)
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

	g := graph.New(props.creationEdgeSize)
	if opts.seedCount > 0 {
		g.SetSeedCount(opts.seedCount)
	}
	data, err = persistence.LoadSection(filepath.Join(path, persistence.GraphFile), persistence.SectionGraph)
	if err != nil {
		return nil, corrupt(err)
	}
	if err := g.Decode(data, space.MaxID()); err != nil {
		return nil, corrupt(err)
	}
	for _, id := range g.IndexedIDs() {
		if !space.Exists(id) {
			return nil, corrupt(fmt.Errorf("graph node %d has no live object", id))
		}
	}
	if pf.Built && g.CountIndexed() != space.CountLive() {
		return nil, corrupt(fmt.Errorf("index marked built but %d of %d objects are indexed", g.CountIndexed(), space.CountLive()))
	}

	return &Index{
		path:       path,
		props:      props,
		tuning:     pf.Tuning,
		generation: generation,
		space:      space,
		graph:      g,
		opts:       opts,
		logger:     opts.logger.WithPath(path),
	}, nil
}

// Path returns the index directory.
func (idx *Index) Path() string { return idx.path }

// Properties returns the index configuration.
func (idx *Index) Properties() Properties { return idx.props }

// Tuning returns the search coefficients stored by the optimizer, or nil.
func (idx *Index) Tuning() *persistence.Tuning {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.tuning == nil {
		return nil
	}
	t := *idx.tuning
	return &t
}

// Insert stores vec and returns its id. The vector is not searchable until
// the next Build.
func (idx *Index) Insert(vec []float32) (uint32, error) {
	start := time.Now()
	idx.mu.Lock()
	id, err := idx.insertLocked(vec)
	live := idx.liveLocked()
	idx.mu.Unlock()

	idx.opts.metricsCollector.RecordInsert(time.Since(start), err)
	idx.opts.metricsCollector.SetLive(live)
	idx.logger.LogInsert(context.Background(), id, err)
	return id, err
}

func (idx *Index) insertLocked(vec []float32) (uint32, error) {
	const op = "insert"
	if idx.closed {
		return 0, &Error{Kind: ErrClosed, Op: op}
	}
	id, err := idx.space.Append(vec)
	if err != nil {
		return 0, translateError(op, err)
	}
	idx.dirty = true
	return id, nil
}

// InsertBatch stores all vectors and returns their ids in order.
//
// The batch is validated before anything is stored: if any vector has the
// wrong dimension, or the ids would overflow, nothing is inserted.
func (idx *Index) InsertBatch(vecs [][]float32) ([]uint32, error) {
	start := time.Now()
	idx.mu.Lock()
	ids, err := idx.insertBatchLocked(vecs)
	live := idx.liveLocked()
	idx.mu.Unlock()

	idx.opts.metricsCollector.RecordBatchInsert(len(vecs), time.Since(start), err)
	idx.opts.metricsCollector.SetLive(live)
	idx.logger.LogBatchInsert(context.Background(), len(vecs), err)
	return ids, err
}

func (idx *Index) insertBatchLocked(vecs [][]float32) ([]uint32, error) {
	const op = "insert batch"
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if err := idx.validateBatch(op, vecs); err != nil {
		return nil, err
	}

	ids := make([]uint32, len(vecs))
	for i, vec := range vecs {
		id, err := idx.space.Append(vec)
		if err != nil {
			// Unreachable after validation; report rather than hide it.
			return ids[:i], translateError(op, err)
		}
		ids[i] = id
	}
	if len(vecs) > 0 {
		idx.dirty = true
	}
	return ids, nil
}

func (idx *Index) validateBatch(op string, vecs [][]float32) error {
	if uint64(idx.space.MaxID())+uint64(len(vecs)) >= math.MaxUint32 {
		return newError(op, ErrCapacityExceeded, "batch of %d would exceed the id space", len(vecs))
	}
	for i, vec := range vecs {
		if err := idx.space.Validate(vec); err != nil {
			return &Error{Kind: ErrDimensionMismatch, Op: op, Err: fmt.Errorf("vector %d: %w", i, err)}
		}
	}
	return nil
}

// Build indexes every inserted vector that is not indexed yet, using
// numThreads workers. numThreads <= 0 uses GOMAXPROCS.
//
// The resulting graph depends only on the insert order, not on numThreads.
func (idx *Index) Build(numThreads int) error {
	return idx.BuildContext(context.Background(), numThreads)
}

// BuildContext is Build with cancellation between build batches. Nodes
// committed before cancellation stay indexed.
func (idx *Index) BuildContext(ctx context.Context, numThreads int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.buildLocked(ctx, numThreads)
}

func (idx *Index) buildLocked(ctx context.Context, numThreads int) error {
	const op = "build"
	if idx.closed {
		return &Error{Kind: ErrClosed, Op: op}
	}

	start := time.Now()
	pending := idx.graph.Pending(idx.space)
	if len(pending) == 0 {
		return nil
	}
	err := idx.graph.Build(ctx, idx.space, pending, graph.BuildParams{
		Threads: numThreads,
		Epsilon: idx.props.buildEpsilon,
	})
	idx.dirty = true
	elapsed := time.Since(start)

	idx.opts.metricsCollector.RecordBuild(len(pending), elapsed, err)
	idx.logger.LogBuild(ctx, len(pending), numThreads, elapsed, err)
	return translateError(op, err)
}

// Remove deletes id. The id is never reused. Former neighbors of id are
// linked to each other so that the graph stays connected.
func (idx *Index) Remove(id uint32) error {
	start := time.Now()
	idx.mu.Lock()
	err := idx.removeLocked(id)
	live := idx.liveLocked()
	idx.mu.Unlock()

	idx.opts.metricsCollector.RecordRemove(time.Since(start), err)
	idx.opts.metricsCollector.SetLive(live)
	idx.logger.LogRemove(context.Background(), id, err)
	return err
}

func (idx *Index) removeLocked(id uint32) error {
	const op = "remove"
	if idx.closed {
		return &Error{Kind: ErrClosed, Op: op}
	}
	if err := idx.checkPolicy(op); err != nil {
		return err
	}
	if err := idx.space.Remove(id); err != nil {
		return translateError(op, err)
	}
	idx.graph.Remove(idx.space, id)
	idx.dirty = true
	return nil
}

// checkPolicy rejects the operation on a partially built index under
// PolicyStrict.
func (idx *Index) checkPolicy(op string) error {
	if idx.opts.policy == PolicyStrict && idx.pendingLocked() > 0 {
		return newError(op, ErrInvalidState, "%d vectors are not indexed, run Build first", idx.pendingLocked())
	}
	return nil
}

// Get returns a copy of the stored vector. Normalized distance types return
// the normalized vector; Uint8 and Float16 indexes return the quantized
// values.
func (idx *Index) Get(id uint32) ([]float32, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: "get"}
	}
	vec, err := idx.space.Get(id)
	return vec, translateError("get", err)
}

// Search returns the k nearest indexed neighbors of query sorted ascending
// by distance, ties broken by lower id.
//
// epsilon widens the explored region: 0 is greedy, larger values trade
// speed for accuracy. radius drops results farther away; radius <= 0, NaN
// or +Inf means unbounded.
func (idx *Index) Search(query []float32, k int, epsilon, radius float32) ([]SearchResult, error) {
	if k <= 0 {
		return nil, newError("search", ErrInvalidArgument, "k must be positive, got %d", k)
	}
	return idx.SearchQuery(Query{Vector: query, Size: k, Epsilon: epsilon, Radius: radius, exactEpsilon: true})
}

// Query is the full form of a graph search.
type Query struct {
	Vector []float32
	// Size is the number of results. Zero means 10.
	Size int
	// Epsilon is the exploration slack. Zero uses the tuned epsilon if the
	// optimizer stored one, otherwise 0.1.
	Epsilon float32
	// EdgeSize bounds the edges followed per node. Zero uses the tuned or
	// configured search edge size; negative follows every edge.
	EdgeSize int
	// Radius drops results farther away. Zero or negative means unbounded.
	Radius float32
	// Fast selects the tuned low accuracy epsilon when Epsilon is zero.
	Fast bool

	// exactEpsilon keeps a zero Epsilon as greedy search.
	exactEpsilon bool
}

// SearchQuery runs a graph search described by q.
func (idx *Index) SearchQuery(q Query) ([]SearchResult, error) {
	start := time.Now()
	idx.mu.RLock()
	res, err := idx.searchLocked(q)
	idx.mu.RUnlock()

	idx.opts.metricsCollector.RecordSearch(q.Size, time.Since(start), err)
	idx.logger.LogSearch(context.Background(), q.Size, len(res), err)
	return res, err
}

func (idx *Index) searchLocked(q Query) ([]SearchResult, error) {
	const op = "search"
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if q.Size < 0 {
		return nil, newError(op, ErrInvalidArgument, "size must not be negative, got %d", q.Size)
	}
	if q.Epsilon < 0 || math.IsNaN(float64(q.Epsilon)) {
		return nil, newError(op, ErrInvalidArgument, "epsilon out of range: %v", q.Epsilon)
	}
	cmp, err := idx.space.NewQuery(q.Vector)
	if err != nil {
		return nil, translateError(op, err)
	}
	if idx.graph.CountIndexed() == 0 {
		return nil, newError(op, ErrInvalidState, "no indexed vectors, run Build first")
	}
	if err := idx.checkPolicy(op); err != nil {
		return nil, err
	}

	items := idx.graph.Search(idx.space, cmp, idx.searchParams(q))
	return toResults(items), nil
}

func (idx *Index) searchParams(q Query) graph.SearchParams {
	p := graph.SearchParams{
		K:        q.Size,
		Epsilon:  q.Epsilon,
		Radius:   unboundedIfNonPositive(q.Radius),
		EdgeSize: q.EdgeSize,
	}
	if p.K == 0 {
		p.K = DefaultSearchSize
	}
	if p.Epsilon == 0 && !q.exactEpsilon {
		p.Epsilon = DefaultSearchEpsilon
		if idx.tuning != nil {
			p.Epsilon = idx.tuning.Epsilon
			if q.Fast && idx.tuning.FastEpsilon > 0 {
				p.Epsilon = idx.tuning.FastEpsilon
			}
		}
	}
	switch {
	case p.EdgeSize == 0:
		p.EdgeSize = idx.props.searchEdgeSize
		if idx.tuning != nil && idx.tuning.SearchEdgeSize > 0 {
			p.EdgeSize = idx.tuning.SearchEdgeSize
		}
	case p.EdgeSize < 0:
		p.EdgeSize = 0
	}
	return p
}

func unboundedIfNonPositive(r float32) float32 {
	if r <= 0 {
		return -1
	}
	return r
}

// LinearSearch compares query against every live vector and returns the
// exact k nearest. It does not need a built graph.
func (idx *Index) LinearSearch(query []float32, k int) ([]SearchResult, error) {
	const op = "linear search"
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if k <= 0 {
		return nil, newError(op, ErrInvalidArgument, "k must be positive, got %d", k)
	}
	cmp, err := idx.space.NewQuery(query)
	if err != nil {
		return nil, translateError(op, err)
	}
	return toResults(graph.LinearSearch(idx.space, cmp, k, -1)), nil
}

func toResults(items []searcher.Item) []SearchResult {
	out := make([]SearchResult, 0, len(items))
	for _, it := range items {
		if it.ID == 0 {
			continue
		}
		out = append(out, SearchResult{ID: it.ID, Distance: it.Distance})
	}
	return out
}

// Persist writes the vector store, graph and properties to the index
// directory. Files are replaced atomically.
func (idx *Index) Persist() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return &Error{Kind: ErrClosed, Op: "persist"}
	}
	return translateError("persist", idx.persistLocked())
}

func (idx *Index) persistLocked() error {
	if idx.dirty {
		idx.generation = uuid.New()
	}
	objects, err := idx.space.MarshalBinary()
	if err != nil {
		return err
	}
	edges, err := idx.graph.MarshalBinary()
	if err != nil {
		return err
	}
	pf := idx.props.toFile(idx.generation.String(), idx.pendingLocked() == 0, idx.opts.compression, idx.tuning)

	err = persistence.AtomicSaveToDir(idx.path, []persistence.NamedWriter{
		persistence.SectionFile(persistence.ObjectsFile, persistence.SectionObjects, objects, idx.opts.compression),
		persistence.SectionFile(persistence.GraphFile, persistence.SectionGraph, edges, idx.opts.compression),
		persistence.PropertiesEntry(pf),
	})
	idx.logger.LogPersist(context.Background(), idx.space.CountLive(), idx.graph.CountIndexed(), err)
	if err != nil {
		return err
	}
	idx.dirty = false
	return nil
}

// InsertCommit inserts vec, builds and persists.
func (idx *Index) InsertCommit(vec []float32, numThreads int) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, err := idx.insertLocked(vec)
	if err != nil {
		return 0, err
	}
	if err := idx.buildLocked(context.Background(), numThreads); err != nil {
		return id, err
	}
	idx.opts.metricsCollector.SetLive(idx.liveLocked())
	return id, translateError("insert commit", idx.persistLocked())
}

// InsertBatchCommit inserts vecs, building after every BatchChunkSize
// vectors, and persists once at the end. Validation happens up front: a bad
// vector rejects the whole batch.
func (idx *Index) InsertBatchCommit(vecs [][]float32, numThreads int) ([]uint32, error) {
	const op = "insert batch commit"
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if err := idx.validateBatch(op, vecs); err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(vecs))
	chunk := idx.props.batchChunkSize
	for start := 0; start < len(vecs); start += chunk {
		got, err := idx.insertBatchLocked(vecs[start:min(start+chunk, len(vecs))])
		ids = append(ids, got...)
		if err != nil {
			return ids, err
		}
		if err := idx.buildLocked(context.Background(), numThreads); err != nil {
			return ids, err
		}
	}
	idx.opts.metricsCollector.SetLive(idx.liveLocked())
	return ids, translateError(op, idx.persistLocked())
}

// Compact releases the payloads of removed vectors and drops graph edges
// that still point at them. Ids are unchanged.
func (idx *Index) Compact() (released int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return 0, &Error{Kind: ErrClosed, Op: "compact"}
	}
	released = idx.space.Compact()
	stripped := idx.graph.StripDangling(idx.space)
	if released > 0 || stripped > 0 {
		idx.dirty = true
	}
	return released, nil
}

// CountInserted returns the number of live vectors.
func (idx *Index) CountInserted() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveLocked()
}

// CountIndexed returns the number of vectors built into the graph.
func (idx *Index) CountIndexed() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return 0
	}
	return idx.graph.CountIndexed()
}

func (idx *Index) liveLocked() int {
	if idx.closed {
		return 0
	}
	return idx.space.CountLive()
}

func (idx *Index) pendingLocked() int {
	return idx.space.CountLive() - idx.graph.CountIndexed()
}

func (idx *Index) stateLocked() State {
	switch {
	case idx.space.CountLive() == 0:
		return StateEmpty
	case idx.pendingLocked() > 0:
		return StatePartiallyBuilt
	default:
		return StateBuilt
	}
}

// State returns the build state.
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return StateEmpty
	}
	return idx.stateLocked()
}

// Stats describes an index.
type Stats struct {
	Dimension    int
	ObjectType   ObjectType
	DistanceType DistanceType
	State        State

	Live    int
	Indexed int
	Removed int
	MaxID   uint32

	Edges     int
	MaxDegree int
	MinDegree int
	AvgDegree float64
	// Orphans counts indexed nodes no edge points to.
	Orphans int

	Generation string
	Dirty      bool
	// Host describes the CPU features detected at startup.
	Host string
}

// Stats returns counters and graph statistics.
func (idx *Index) Stats() (Stats, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return Stats{}, &Error{Kind: ErrClosed, Op: "stats"}
	}
	gs := idx.graph.Stats()
	return Stats{
		Dimension:    idx.props.dimension,
		ObjectType:   idx.props.objectType,
		DistanceType: idx.props.distanceType,
		State:        idx.stateLocked(),
		Live:         idx.space.CountLive(),
		Indexed:      gs.Nodes,
		Removed:      int(idx.space.Tombstones().GetCardinality()),
		MaxID:        idx.space.MaxID(),
		Edges:        gs.Edges,
		MaxDegree:    gs.MaxDegree,
		MinDegree:    gs.MinDegree,
		AvgDegree:    gs.AvgDegree,
		Orphans:      gs.Orphans,
		Generation:   idx.generation.String(),
		Dirty:        idx.dirty,
		Host:         simd.Detect().String(),
	}, nil
}

// Close releases the index. Unpersisted changes are discarded. Close is
// idempotent; every other method fails with ErrClosed afterwards.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	if idx.dirty {
		idx.logger.Warn("closing index with unpersisted changes")
	}
	idx.release()
	return nil
}

func (idx *Index) release() {
	idx.closed = true
	idx.space = nil
	idx.graph = nil
}
