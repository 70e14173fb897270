package optimize

import (
	"context"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// EdgeCountParams configures EdgeCount.
type EdgeCountParams struct {
	// SampleSize is the number of objects a trial graph is built over.
	SampleSize int
	// Queries is the number of sampled query objects.
	Queries int
	// Results is the k used for every query.
	Results int
	// TargetAccuracy is the recall the chosen edge count must reach.
	TargetAccuracy float64
	// MinEdges and MaxEdges bound the candidates, tried in steps of Step.
	MinEdges, MaxEdges, Step int
	// Epsilon is the search epsilon of the measurement.
	Epsilon float32
	// BuildEpsilon is the epsilon used to build trial graphs.
	BuildEpsilon float32
	Threads      int
	Seed         uint64
}

// EdgeCount builds trial graphs over a sample of space with growing edge
// caps and returns the smallest cap whose recall reaches TargetAccuracy.
// If none does, it returns MaxEdges. The measurements are returned too.
func EdgeCount(ctx context.Context, space Space, p EdgeCountParams) (int, []Point, error) {
	sample := SampleIDs(space, p.SampleSize, p.Seed)
	if len(sample) == 0 {
		return 0, nil, ErrNoQueries
	}
	queries := SampleIDs(sampleSpace{Space: space, ids: sample}, p.Queries, p.Seed+1)
	truth, err := ExactNeighbors(ctx, space, queries, sample, p.Results, p.Threads)
	if err != nil {
		return 0, nil, err
	}

	step := max(p.Step, 1)
	var points []Point
	for edges := p.MinEdges; edges <= p.MaxEdges; edges += step {
		g := graph.New(edges)
		if err := g.Build(ctx, space, sample, graph.BuildParams{Threads: p.Threads, Epsilon: p.BuildEpsilon}); err != nil {
			return 0, points, err
		}
		r, err := MeasureRecall(ctx, space, queries, truth, p.Threads, func(cmp objectspace.Comparator) []searcher.Item {
			return g.Search(space, cmp, graph.SearchParams{K: p.Results, Epsilon: p.Epsilon, Radius: -1})
		})
		if err != nil {
			return 0, points, err
		}
		points = append(points, Point{Epsilon: p.Epsilon, EdgeSize: edges, Recall: r})
		if r >= p.TargetAccuracy {
			return edges, points, nil
		}
	}
	return p.MaxEdges, points, nil
}

// sampleSpace restricts iteration to a fixed id set.
type sampleSpace struct {
	Space
	ids []uint32
}

func (s sampleSpace) ForEachLive(fn func(id uint32) bool) {
	for _, id := range s.ids {
		if !fn(id) {
			return
		}
	}
}

func (s sampleSpace) CountLive() int { return len(s.ids) }
