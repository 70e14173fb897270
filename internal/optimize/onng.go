package optimize

import (
	"context"
	"fmt"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// ONNGParams configures ConvertONNG.
type ONNGParams struct {
	// Outgoing is the number of nearest edges each node keeps.
	Outgoing int
	// Incoming is the number of nearest edges of each node that are
	// mirrored as reverse edges.
	Incoming int
	// Tune configures the coefficient sweep on the converted graph.
	Tune TuneParams
}

// adjustSlack is the recall an ONNG may lose to shortcut removal before the
// unadjusted graph is kept instead.
const adjustSlack = 0.005

// adjustEpsilon is the search epsilon both graphs are compared at.
const adjustEpsilon = 0.1

// ConvertONNG derives an ONNG from the ANNG g, removes shortcut edges where
// that keeps recall and tunes search coefficients for the result. g is not
// modified.
func ConvertONNG(ctx context.Context, g *graph.Graph, space Space, p ONNGParams) (*graph.Graph, Tuning, error) {
	if p.Outgoing <= 0 || p.Incoming < 0 {
		return nil, Tuning{}, fmt.Errorf("optimize: invalid edge counts %d/%d", p.Outgoing, p.Incoming)
	}
	onng := g.Reconstruct(p.Outgoing, p.Incoming)
	adjusted := onng.Clone()
	adjusted.AdjustPaths()

	onng, err := KeepIfRecallHolds(ctx, space, onng, adjusted, p.Tune)
	if err != nil {
		return nil, Tuning{}, err
	}
	t, err := Tune(ctx, onng, space, p.Tune)
	if err != nil {
		return nil, Tuning{}, err
	}
	return onng, t, nil
}

// KeepIfRecallHolds measures base and candidate on the same sampled queries
// and returns candidate unless its recall falls more than adjustSlack below
// that of base.
func KeepIfRecallHolds(ctx context.Context, space Space, base, candidate *graph.Graph, p TuneParams) (*graph.Graph, error) {
	queries := SampleIDs(space, p.Queries, p.Seed)
	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	truth, err := GroundTruth(ctx, base, space, queries, p.Results, p.TruthEpsilon, p.Threads)
	if err != nil {
		return nil, err
	}
	measure := func(g *graph.Graph) (float64, error) {
		return MeasureRecall(ctx, space, queries, truth, p.Threads, func(cmp objectspace.Comparator) []searcher.Item {
			return g.Search(space, cmp, graph.SearchParams{K: p.Results, Epsilon: adjustEpsilon, Radius: -1})
		})
	}
	want, err := measure(base)
	if err != nil {
		return nil, err
	}
	got, err := measure(candidate)
	if err != nil {
		return nil, err
	}
	if got+adjustSlack < want {
		return base, nil
	}
	return candidate, nil
}
