package optimize

import (
	"context"
	"math/rand/v2"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// Space is the object store the passes read.
type Space interface {
	graph.Space
	ForEachLive(fn func(id uint32) bool)
	CountLive() int
}

// SearchFunc answers one sampled query.
type SearchFunc func(cmp objectspace.Comparator) []searcher.Item

// SampleIDs draws up to n distinct live ids with reservoir sampling and
// returns them ascending. The same seed gives the same sample.
func SampleIDs(space Space, n int, seed uint64) []uint32 {
	if n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d))
	out := make([]uint32, 0, n)
	seen := 0
	space.ForEachLive(func(id uint32) bool {
		seen++
		if len(out) < n {
			out = append(out, id)
			return true
		}
		if j := rng.IntN(seen); j < n {
			out[j] = id
		}
		return true
	})
	slices.Sort(out)
	return out
}

// Recall is the fraction of want ids that appear in got.
func Recall(got, want []searcher.Item) float64 {
	if len(want) == 0 {
		return 1
	}
	ids := make(map[uint32]struct{}, len(got))
	for _, it := range got {
		ids[it.ID] = struct{}{}
	}
	hits := 0
	for _, it := range want {
		if _, ok := ids[it.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// ExactNeighbors returns, for every query id, its k exact nearest neighbors
// among candidates. Nil candidates means every live object.
func ExactNeighbors(ctx context.Context, space Space, queries, candidates []uint32, k, threads int) ([][]searcher.Item, error) {
	return runQueries(ctx, space, queries, threads, func(cmp objectspace.Comparator) []searcher.Item {
		if candidates == nil {
			return graph.LinearSearch(space, cmp, k, -1)
		}
		pq := searcher.NewPriorityQueue(true)
		for _, id := range candidates {
			pq.PushBounded(searcher.Item{ID: id, Distance: cmp(id)}, k)
		}
		return pq.Sorted()
	})
}

// ExactTruthLimit is the live count above which GroundTruth falls back to
// a wide graph search when a truth epsilon is configured.
const ExactTruthLimit = 20000

// GroundTruth returns the k nearest neighbors of every query. Up to
// ExactTruthLimit live objects, or when truthEpsilon is zero, they are
// exact; above it g is searched with truthEpsilon over every edge.
func GroundTruth(ctx context.Context, g *graph.Graph, space Space, queries []uint32, k int, truthEpsilon float32, threads int) ([][]searcher.Item, error) {
	if truthEpsilon <= 0 || space.CountLive() <= ExactTruthLimit {
		return ExactNeighbors(ctx, space, queries, nil, k, threads)
	}
	return runQueries(ctx, space, queries, threads, func(cmp objectspace.Comparator) []searcher.Item {
		return g.Search(space, cmp, graph.SearchParams{K: k, Epsilon: truthEpsilon, Radius: -1})
	})
}

// MeasureRecall runs search for every query and returns the mean recall
// against truth.
func MeasureRecall(ctx context.Context, space Space, queries []uint32, truth [][]searcher.Item, threads int, search SearchFunc) (float64, error) {
	if len(queries) == 0 {
		return 1, nil
	}
	got, err := runQueries(ctx, space, queries, threads, search)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i := range queries {
		sum += Recall(got[i], truth[i])
	}
	return sum / float64(len(queries)), nil
}

// runQueries fans queries out over threads workers. Worker w owns slots w,
// w+threads and so on.
func runQueries(ctx context.Context, space Space, queries []uint32, threads int, fn SearchFunc) ([][]searcher.Item, error) {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	out := make([][]searcher.Item, len(queries))
	workers := max(1, min(threads, len(queries)))

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := w; i < len(queries); i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				cmp, err := space.NewQueryByID(queries[i])
				if err != nil {
					return err
				}
				out[i] = fn(cmp)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
