package optimize

import (
	"context"
	"errors"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// ErrNoQueries is returned when a pass has no live objects to sample.
var ErrNoQueries = errors.New("optimize: no live objects to sample queries from")

// Sweep epsilons in ascending order. The sweep stops once the upper end of
// the high accuracy band is reached.
var sweepEpsilons = []float32{0, 0.01, 0.02, 0.03, 0.05, 0.08, 0.1, 0.15, 0.2, 0.3, 0.5, 0.8, 1.2}

// Candidate search edge sizes, ascending. Zero follows every edge.
var sweepEdgeSizes = []int{10, 20, 40, 60, 80, 120, 0}

// Point is one measurement of a sweep.
type Point struct {
	Epsilon  float32
	EdgeSize int
	Recall   float64
}

// TuneParams configures Tune.
type TuneParams struct {
	// Queries is the number of sampled query objects.
	Queries int
	// Results is the k used for every query.
	Results int
	// LowFrom and LowTo bound the recall band of the fast coefficients.
	LowFrom, LowTo float64
	// HighFrom and HighTo bound the recall band of the default coefficients.
	HighFrom, HighTo float64
	// Merge weights the fast epsilon when blending it into the default.
	Merge float64
	// TruthEpsilon is passed to GroundTruth.
	TruthEpsilon float32
	Threads      int
	Seed         uint64
}

// Tuning is the result of Tune.
type Tuning struct {
	SearchEdgeSize int
	Epsilon        float32
	FastEpsilon    float32
	Recall         float64
	Sweep          []Point
}

// Tune samples queries from space and measures recall of g over a grid of
// epsilons, then picks the smallest search edge size that keeps the chosen
// epsilon inside the high accuracy band.
func Tune(ctx context.Context, g *graph.Graph, space Space, p TuneParams) (Tuning, error) {
	queries := SampleIDs(space, p.Queries, p.Seed)
	if len(queries) == 0 {
		return Tuning{}, ErrNoQueries
	}
	truth, err := GroundTruth(ctx, g, space, queries, p.Results, p.TruthEpsilon, p.Threads)
	if err != nil {
		return Tuning{}, err
	}
	measure := func(eps float32, edgeSize int) (float64, error) {
		return MeasureRecall(ctx, space, queries, truth, p.Threads, func(cmp objectspace.Comparator) []searcher.Item {
			return g.Search(space, cmp, graph.SearchParams{K: p.Results, Epsilon: eps, Radius: -1, EdgeSize: edgeSize})
		})
	}

	var sweep []Point
	for _, eps := range sweepEpsilons {
		r, err := measure(eps, 0)
		if err != nil {
			return Tuning{}, err
		}
		sweep = append(sweep, Point{Epsilon: eps, Recall: r})
		if r >= p.HighTo {
			break
		}
	}

	high, _ := PickEpsilon(sweep, p.HighFrom, p.HighTo)
	low, _ := PickEpsilon(sweep, p.LowFrom, p.LowTo)
	if low.Epsilon > high.Epsilon {
		low = high
	}
	eps := float32((1-p.Merge)*float64(high.Epsilon) + p.Merge*float64(low.Epsilon))
	full, err := measure(eps, 0)
	if err != nil {
		return Tuning{}, err
	}

	t := Tuning{SearchEdgeSize: 0, Epsilon: eps, FastEpsilon: low.Epsilon, Recall: full, Sweep: sweep}
	for _, es := range sweepEdgeSizes {
		if es == 0 || es >= g.EdgeSize() {
			break
		}
		r, err := measure(eps, es)
		if err != nil {
			return Tuning{}, err
		}
		t.Sweep = append(t.Sweep, Point{Epsilon: eps, EdgeSize: es, Recall: r})
		if r >= min(full, p.HighFrom) {
			t.SearchEdgeSize = es
			t.Recall = r
			break
		}
	}
	if t.SearchEdgeSize == 0 {
		t.SearchEdgeSize = g.EdgeSize()
	}
	return t, nil
}

// PickEpsilon returns the first point whose recall lies in [from, to]. If
// none does, it returns the first point at or above from, and failing that
// the last point. ok reports whether the band was hit.
func PickEpsilon(sweep []Point, from, to float64) (pt Point, ok bool) {
	if len(sweep) == 0 {
		return Point{}, false
	}
	for _, s := range sweep {
		if s.Recall >= from && s.Recall <= to {
			return s, true
		}
	}
	for _, s := range sweep {
		if s.Recall >= from {
			return s, false
		}
	}
	return sweep[len(sweep)-1], false
}
