package optimize

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// RefineParams configures Refine.
type RefineParams struct {
	// Epsilon is the exploration slack of the neighbor searches.
	Epsilon float32
	// ExpectedAccuracy skips refinement when sampled recall already reaches
	// it. Zero always refines.
	ExpectedAccuracy float64
	// EdgeSize is the number of neighbor candidates searched per node.
	EdgeSize int
	// BatchSize is the number of nodes per search/commit round.
	BatchSize int
	// Queries and Results drive the recall sample of ExpectedAccuracy.
	Queries int
	Results int
	Threads int
	Seed    uint64
}

// RefineResult reports what Refine did.
type RefineResult struct {
	Nodes       int
	EdgesAdded  int
	RecallStart float64
	Skipped     bool
}

// Refine re-searches the neighborhood of every indexed node of g in batches
// and merges closer neighbors into its edge list. When limiter is not nil,
// each batch waits for one token per node.
func Refine(ctx context.Context, g *graph.Graph, space Space, p RefineParams, limiter *rate.Limiter) (RefineResult, error) {
	var res RefineResult
	if p.ExpectedAccuracy > 0 {
		queries := SampleIDs(space, p.Queries, p.Seed)
		truth, err := ExactNeighbors(ctx, space, queries, nil, p.Results, p.Threads)
		if err != nil {
			return res, err
		}
		r, err := MeasureRecall(ctx, space, queries, truth, p.Threads, func(cmp objectspace.Comparator) []searcher.Item {
			return g.Search(space, cmp, graph.SearchParams{K: p.Results, Epsilon: p.Epsilon, Radius: -1})
		})
		if err != nil {
			return res, err
		}
		res.RecallStart = r
		if r >= p.ExpectedAccuracy {
			res.Skipped = true
			return res, nil
		}
	}

	bp := graph.BuildParams{
		Threads:   p.Threads,
		Epsilon:   p.Epsilon,
		BatchSize: p.BatchSize,
		EdgeSize:  p.EdgeSize,
	}
	if bp.BatchSize <= 0 {
		bp.BatchSize = graph.DefaultBatchSize
	}
	ids := g.IndexedIDs()
	for start := 0; start < len(ids); start += bp.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch := ids[start:min(start+bp.BatchSize, len(ids))]
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(batch)); err != nil {
				return res, err
			}
		}
		added, err := g.Refine(space, batch, bp)
		res.EdgesAdded += added
		if err != nil {
			return res, err
		}
		res.Nodes += len(batch)
	}
	return res, nil
}
