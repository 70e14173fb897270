package graphann

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/optimize"
	"github.com/hupe1980/graphann/persistence"
)

// OptimizerParams configures ONNG conversion and search coefficient tuning.
type OptimizerParams struct {
	// Outgoing is the number of nearest edges each node keeps in the ONNG.
	Outgoing int
	// Incoming is the number of nearest edges per node mirrored as reverse
	// edges in the ONNG.
	Incoming int
	// Queries is the number of sampled query objects per measurement.
	Queries int
	// Results is the k of every measured query.
	Results int

	// LowAccuracyFrom and LowAccuracyTo bound the recall of the fast
	// coefficients.
	LowAccuracyFrom float64
	LowAccuracyTo   float64
	// HighAccuracyFrom and HighAccuracyTo bound the recall of the default
	// coefficients.
	HighAccuracyFrom float64
	HighAccuracyTo   float64

	// GroundTruthEpsilon is the epsilon of the wide search used as ground
	// truth on large indexes. Small indexes use exact search.
	GroundTruthEpsilon float32
	// Merge weights the fast epsilon when blending it into the default.
	Merge float64

	Threads int
	Seed    uint64
}

// DefaultOptimizerParams returns outgoing 10, incoming 120, 100 queries,
// accuracy bands 0.3-0.5 and 0.8-0.9, ground truth epsilon 0.1 and merge 0.2.
func DefaultOptimizerParams() OptimizerParams {
	return OptimizerParams{
		Outgoing:           10,
		Incoming:           120,
		Queries:            100,
		Results:            10,
		LowAccuracyFrom:    0.3,
		LowAccuracyTo:      0.5,
		HighAccuracyFrom:   0.8,
		HighAccuracyTo:     0.9,
		GroundTruthEpsilon: 0.1,
		Merge:              0.2,
		Seed:               1,
	}
}

func (p OptimizerParams) validate() error {
	const op = "optimizer"
	switch {
	case p.Outgoing <= 0 || p.Incoming < 0:
		return newError(op, ErrInvalidArgument, "edge counts out of range: outgoing %d, incoming %d", p.Outgoing, p.Incoming)
	case p.Outgoing+p.Incoming > 0xFFFF:
		return newError(op, ErrInvalidArgument, "outgoing plus incoming exceeds %d", 0xFFFF)
	case p.Queries <= 0 || p.Results <= 0:
		return newError(op, ErrInvalidArgument, "queries and results must be positive")
	case !band(p.LowAccuracyFrom, p.LowAccuracyTo) || !band(p.HighAccuracyFrom, p.HighAccuracyTo):
		return newError(op, ErrInvalidArgument, "accuracy bands must satisfy 0 <= from <= to <= 1")
	case p.LowAccuracyFrom > p.HighAccuracyFrom:
		return newError(op, ErrInvalidArgument, "low accuracy band lies above the high band")
	case p.Merge < 0 || p.Merge > 1:
		return newError(op, ErrInvalidArgument, "merge out of range: %v", p.Merge)
	case p.GroundTruthEpsilon < 0:
		return newError(op, ErrInvalidArgument, "ground truth epsilon out of range: %v", p.GroundTruthEpsilon)
	}
	return nil
}

func band(from, to float64) bool {
	return from >= 0 && from <= to && to <= 1
}

func (p OptimizerParams) tune() optimize.TuneParams {
	return optimize.TuneParams{
		Queries:      p.Queries,
		Results:      p.Results,
		LowFrom:      p.LowAccuracyFrom,
		LowTo:        p.LowAccuracyTo,
		HighFrom:     p.HighAccuracyFrom,
		HighTo:       p.HighAccuracyTo,
		Merge:        p.Merge,
		TruthEpsilon: p.GroundTruthEpsilon,
		Threads:      p.Threads,
		Seed:         p.Seed,
	}
}

// Optimizer runs offline passes over persisted indexes. Every pass opens the
// index itself, so the index must not be open for writing elsewhere.
type Optimizer struct {
	params OptimizerParams
	opts   options
	logger *Logger
}

// NewOptimizer validates params and returns an Optimizer.
func NewOptimizer(params OptimizerParams, optFns ...Option) (*Optimizer, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(optFns)
	return &Optimizer{params: params, opts: opts, logger: opts.logger}, nil
}

// Params returns the optimizer parameters.
func (o *Optimizer) Params() OptimizerParams { return o.params }

// ConvertToONNG reads the built index at in and writes an ONNG version of it
// with tuned search coefficients to out. in is not modified.
//
// The input must be over-provisioned: its edge cap has to exceed the default
// creation edge size, otherwise the conversion has nothing to prune and is
// rejected with ErrInvalidArgument.
func (o *Optimizer) ConvertToONNG(ctx context.Context, in, out string) error {
	const op = "convert to onng"
	start := time.Now()
	err := o.convertToONNG(ctx, op, in, out)
	o.logger.WithPath(out).LogOptimize(ctx, op, time.Since(start), err, "source", in)
	return err
}

func (o *Optimizer) convertToONNG(ctx context.Context, op, in, out string) error {
	if filepath.Clean(in) == filepath.Clean(out) {
		return newError(op, ErrInvalidArgument, "input and output are the same path %s", in)
	}
	exists, err := persistence.Exists(out)
	if err != nil {
		return translateError(op, err)
	}
	if exists {
		return newError(op, ErrInvalidState, "index already exists at %s", out)
	}

	src, err := openIndex(in, o.opts)
	if err != nil {
		return err
	}
	defer src.Close()

	if src.stateLocked() != StateBuilt {
		return newError(op, ErrInvalidState, "index at %s is %s, build it first", in, src.stateLocked())
	}
	if src.graph.EdgeSize() <= DefaultCreationEdgeSize {
		return newError(op, ErrInvalidArgument, "edge size %d is not above %d, create the index with a larger creation edge size",
			src.graph.EdgeSize(), DefaultCreationEdgeSize)
	}

	onng, t, err := optimize.ConvertONNG(ctx, src.graph, src.space, optimize.ONNGParams{
		Outgoing: o.params.Outgoing,
		Incoming: o.params.Incoming,
		Tune:     o.params.tune(),
	})
	if err != nil {
		return translateError(op, err)
	}

	dst := &Index{
		path:       out,
		props:      src.props,
		tuning:     tuningFile(t),
		generation: uuid.New(),
		space:      src.space,
		graph:      onng,
		opts:       o.opts,
		logger:     o.logger.WithPath(out),
		dirty:      true,
	}
	return translateError(op, dst.persistLocked())
}

// AdjustSearchCoefficients measures the built index at path and stores the
// search edge size and epsilons that reach the high accuracy band. The graph
// is left unchanged, so quantized data derived from it stays valid.
func (o *Optimizer) AdjustSearchCoefficients(ctx context.Context, path string) error {
	const op = "adjust search coefficients"
	start := time.Now()
	t, err := o.adjustSearchCoefficients(ctx, op, path)
	o.logger.WithPath(path).LogOptimize(ctx, op, time.Since(start), err,
		"search_edge_size", t.SearchEdgeSize,
		"epsilon", t.Epsilon,
		"recall", t.Recall,
	)
	return err
}

func (o *Optimizer) adjustSearchCoefficients(ctx context.Context, op, path string) (optimize.Tuning, error) {
	idx, err := openIndex(path, o.opts)
	if err != nil {
		return optimize.Tuning{}, err
	}
	defer idx.Close()

	if idx.stateLocked() != StateBuilt {
		return optimize.Tuning{}, newError(op, ErrInvalidState, "index at %s is %s, build it first", path, idx.stateLocked())
	}
	t, err := optimize.Tune(ctx, idx.graph, idx.space, o.params.tune())
	if err != nil {
		return t, translateError(op, err)
	}
	idx.tuning = tuningFile(t)
	return t, translateError(op, idx.persistLocked())
}

func tuningFile(t optimize.Tuning) *persistence.Tuning {
	return &persistence.Tuning{
		SearchEdgeSize: t.SearchEdgeSize,
		Epsilon:        t.Epsilon,
		FastEpsilon:    t.FastEpsilon,
		Recall:         t.Recall,
	}
}

// EdgeCountParams configures OptimizeEdgeCount.
type EdgeCountParams struct {
	// Queries is the number of sampled query objects. Zero means 100.
	Queries int
	// Results is the k of every measured query. Zero means 10.
	Results int
	// TargetAccuracy is the recall the chosen edge count must reach.
	// Zero means 0.9.
	TargetAccuracy float64
	// SampleSize bounds the objects trial graphs are built over.
	// Zero means 10000.
	SampleSize int
	// MaxEdges is the largest edge count tried. Zero means 100.
	MaxEdges int
	// Epsilon is the search epsilon of the measurement. Zero means 0.1.
	Epsilon float32
	Threads int
	Seed    uint64
}

func (p EdgeCountParams) withDefaults() EdgeCountParams {
	if p.Queries == 0 {
		p.Queries = 100
	}
	if p.Results == 0 {
		p.Results = 10
	}
	if p.TargetAccuracy == 0 {
		p.TargetAccuracy = 0.9
	}
	if p.SampleSize == 0 {
		p.SampleSize = 10000
	}
	if p.MaxEdges == 0 {
		p.MaxEdges = 100
	}
	if p.Epsilon == 0 {
		p.Epsilon = DefaultSearchEpsilon
	}
	if p.Seed == 0 {
		p.Seed = 1
	}
	return p
}

// OptimizeEdgeCount picks the creation edge size of the persisted index at
// path by building trial graphs over a sample of its vectors. The index must
// hold inserted vectors that have not been built yet; the chosen size takes
// effect at the next Build. It returns the chosen edge size.
func (o *Optimizer) OptimizeEdgeCount(ctx context.Context, path string, params EdgeCountParams) (int, error) {
	const op = "optimize edge count"
	start := time.Now()
	edges, err := o.optimizeEdgeCount(ctx, op, path, params.withDefaults())
	o.logger.WithPath(path).LogOptimize(ctx, op, time.Since(start), err, "creation_edge_size", edges)
	return edges, err
}

func (o *Optimizer) optimizeEdgeCount(ctx context.Context, op, path string, p EdgeCountParams) (int, error) {
	switch {
	case p.Queries < 0 || p.Results < 0 || p.SampleSize < 0:
		return 0, newError(op, ErrInvalidArgument, "queries, results and sample size must not be negative")
	case p.TargetAccuracy < 0 || p.TargetAccuracy > 1:
		return 0, newError(op, ErrInvalidArgument, "target accuracy out of range: %v", p.TargetAccuracy)
	case p.MaxEdges < edgeCountStep || p.MaxEdges > 0xFFFF:
		return 0, newError(op, ErrInvalidArgument, "max edges out of range: %d", p.MaxEdges)
	}

	idx, err := openIndex(path, o.opts)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	if idx.graph.CountIndexed() > 0 || idx.space.CountLive() == 0 {
		return 0, newError(op, ErrInvalidState, "index at %s must hold inserted vectors that are not built yet", path)
	}

	edges, _, err := optimize.EdgeCount(ctx, idx.space, optimize.EdgeCountParams{
		SampleSize:     p.SampleSize,
		Queries:        p.Queries,
		Results:        p.Results,
		TargetAccuracy: p.TargetAccuracy,
		MinEdges:       edgeCountStep,
		MaxEdges:       p.MaxEdges,
		Step:           edgeCountStep,
		Epsilon:        p.Epsilon,
		BuildEpsilon:   idx.props.buildEpsilon,
		Threads:        p.Threads,
		Seed:           p.Seed,
	})
	if err != nil {
		return 0, translateError(op, err)
	}

	props := idx.props.WithCreationEdgeSize(edges)
	if err := props.Validate(); err != nil {
		return 0, err
	}
	idx.props = props
	idx.graph = graph.New(edges)
	if o.opts.seedCount > 0 {
		idx.graph.SetSeedCount(o.opts.seedCount)
	}
	idx.dirty = true
	return edges, translateError(op, idx.persistLocked())
}

const edgeCountStep = 5

// RefineParams configures Index.Refine.
type RefineParams struct {
	// Epsilon is the exploration slack of the neighbor searches.
	// Zero means 0.1.
	Epsilon float32
	// ExpectedAccuracy skips the pass when sampled recall already reaches
	// it. Zero always refines.
	ExpectedAccuracy float64
	// EdgeSize is the number of neighbor candidates searched per node.
	// Zero uses the edge cap.
	EdgeSize int
	// BatchSize is the number of nodes refined per round. Zero means 32.
	BatchSize int
	// NodesPerSecond paces the pass. Zero or negative runs unpaced.
	NodesPerSecond float64
	Threads        int
}

// RefineResult reports what Refine did.
type RefineResult struct {
	Nodes      int
	EdgesAdded int
	// Recall is the sampled recall measured before refining, when
	// ExpectedAccuracy was set.
	Recall  float64
	Skipped bool
}

// Refine re-searches the neighborhood of every indexed node and merges
// closer neighbors into the graph. It is an offline maintenance pass that
// holds the write lock for its whole run; pace it with NodesPerSecond.
//
// Refine requires a built index and returns ErrInvalidState otherwise.
// Changes are not persisted.
func (idx *Index) Refine(ctx context.Context, p RefineParams) (RefineResult, error) {
	const op = "refine"
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return RefineResult{}, &Error{Kind: ErrClosed, Op: op}
	}
	if idx.stateLocked() != StateBuilt {
		return RefineResult{}, newError(op, ErrInvalidState, "index is %s, build it first", idx.stateLocked())
	}
	if p.Epsilon < 0 || p.EdgeSize < 0 || p.BatchSize < 0 || p.ExpectedAccuracy < 0 || p.ExpectedAccuracy > 1 {
		return RefineResult{}, newError(op, ErrInvalidArgument, "refine parameters out of range")
	}
	if p.Epsilon == 0 {
		p.Epsilon = DefaultSearchEpsilon
	}
	if p.BatchSize == 0 {
		p.BatchSize = graph.DefaultBatchSize
	}

	var limiter *rate.Limiter
	if p.NodesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.NodesPerSecond), max(p.BatchSize, int(p.NodesPerSecond)))
	}

	start := time.Now()
	res, err := optimize.Refine(ctx, idx.graph, idx.space, optimize.RefineParams{
		Epsilon:          p.Epsilon,
		ExpectedAccuracy: p.ExpectedAccuracy,
		EdgeSize:         p.EdgeSize,
		BatchSize:        p.BatchSize,
		Queries:          DefaultOptimizerParams().Queries,
		Results:          DefaultSearchSize,
		Threads:          p.Threads,
		Seed:             1,
	}, limiter)
	if res.EdgesAdded > 0 {
		idx.dirty = true
	}
	idx.logger.LogOptimize(ctx, op, time.Since(start), err,
		"nodes", res.Nodes,
		"edges_added", res.EdgesAdded,
		"skipped", res.Skipped,
	)
	out := RefineResult{Nodes: res.Nodes, EdgesAdded: res.EdgesAdded, Recall: res.RecallStart, Skipped: res.Skipped}
	return out, translateError(op, err)
}
