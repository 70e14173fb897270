package graph

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/graphann/internal/searcher"
)

const (
	// DefaultBuildEpsilon is the exploration slack used while searching for
	// neighbors of a node being inserted.
	DefaultBuildEpsilon = 0.1

	// DefaultBatchSize is the number of nodes whose neighbors are searched
	// against the same frozen graph before their edges are committed.
	DefaultBatchSize = 32
)

// BuildParams controls Build and Refine.
type BuildParams struct {
	// Threads is the number of workers searching for neighbors in parallel.
	// Zero uses GOMAXPROCS.
	Threads int
	// Epsilon is the exploration slack for neighbor searches.
	Epsilon float32
	// BatchSize is the number of nodes per search/commit round. The result
	// does not depend on Threads, only on BatchSize.
	BatchSize int
	// EdgeSize is the number of neighbor candidates searched per node.
	// Zero uses the graph edge cap.
	EdgeSize int
}

func (p BuildParams) withDefaults(edgeSize int) BuildParams {
	if p.Threads <= 0 {
		p.Threads = runtime.GOMAXPROCS(0)
	}
	if p.Epsilon <= 0 {
		p.Epsilon = DefaultBuildEpsilon
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.EdgeSize <= 0 {
		p.EdgeSize = edgeSize
	}
	return p
}

// Build inserts ids into the graph. Ids are processed in batches: workers
// search the frozen graph for disjoint slots of the batch, then a single
// committer applies forward and reverse edges in id order. Nodes of the same
// batch see each other through exact pairwise distances.
//
// Build returns early with ctx.Err() when the context is cancelled between
// batches; nodes committed so far stay indexed.
func (g *Graph) Build(ctx context.Context, space Space, ids []uint32, p BuildParams) error {
	p = p.withDefaults(g.edgeSize)
	for start := 0; start < len(ids); start += p.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.BatchSize, len(ids))
		batch := ids[start:end]

		candidates, err := g.searchBatch(space, batch, p, true)
		if err != nil {
			return err
		}
		for i, id := range batch {
			g.commit(id, candidates[i])
		}
		g.refreshSeeds()
	}
	return nil
}

// searchBatch computes neighbor candidates for every node of batch. Worker w
// owns slots w, w+Threads, w+2*Threads and so on, so no two workers write
// the same slot.
func (g *Graph) searchBatch(space Space, batch []uint32, p BuildParams, intraBatch bool) ([][]searcher.Item, error) {
	out := make([][]searcher.Item, len(batch))
	workers := min(p.Threads, len(batch))

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := w; i < len(batch); i += workers {
				cmp, err := space.NewQueryByID(batch[i])
				if err != nil {
					return err
				}
				found := g.Search(space, cmp, SearchParams{K: p.EdgeSize + 1, Epsilon: p.Epsilon})
				if intraBatch {
					for j := 0; j < i; j++ {
						found = append(found, searcher.Item{ID: batch[j], Distance: cmp(batch[j])})
					}
				}
				out[i] = found
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// commit materializes id with its nearest candidates and adds reverse edges.
func (g *Graph) commit(id uint32, candidates []searcher.Item) {
	searcher.SortItems(candidates)
	edges := make([]Edge, 0, g.edgeSize)
	for _, c := range candidates {
		if c.ID == id {
			continue
		}
		if len(edges) > 0 && edges[len(edges)-1].ID == c.ID {
			continue
		}
		edges = append(edges, Edge(c))
		if len(edges) == g.edgeSize {
			break
		}
	}

	g.ensure(id)
	g.nodes[id] = edges
	for _, e := range edges {
		g.incIn(e.ID)
	}
	g.markIndexed(id)
	for _, e := range edges {
		g.AddEdge(e.ID, Edge{ID: id, Distance: e.Distance})
	}
}

// Refine re-searches the neighborhood of already indexed nodes and merges
// any closer neighbors found into their edge lists in both directions.
// It returns the number of edges added.
func (g *Graph) Refine(space Space, ids []uint32, p BuildParams) (int, error) {
	p = p.withDefaults(g.edgeSize)
	added := 0
	for start := 0; start < len(ids); start += p.BatchSize {
		end := min(start+p.BatchSize, len(ids))
		batch := ids[start:end]

		candidates, err := g.searchBatch(space, batch, p, false)
		if err != nil {
			return added, err
		}
		for i, id := range batch {
			if !g.indexed.Contains(id) {
				continue
			}
			for _, c := range candidates[i] {
				if c.ID == id {
					continue
				}
				if g.AddEdge(id, Edge(c)) {
					added++
				}
				if g.AddEdge(c.ID, Edge{ID: id, Distance: c.Distance}) {
					added++
				}
			}
		}
	}
	g.refreshSeeds()
	return added, nil
}
