package graph

import (
	"math"

	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

// SearchParams controls a single graph traversal.
type SearchParams struct {
	// K is the number of results to return.
	K int
	// Epsilon widens the exploration radius to (1+Epsilon) times the
	// current k-th best distance.
	Epsilon float32
	// Radius drops results farther than this. Zero, negative or +Inf means
	// unbounded.
	Radius float32
	// EdgeSize caps how many edges are followed per expanded node.
	// Zero or negative follows every edge.
	EdgeSize int
}

func (p SearchParams) radius() float32 {
	if p.Radius <= 0 || math.IsInf(float64(p.Radius), 1) || math.IsNaN(float64(p.Radius)) {
		return math.MaxFloat32
	}
	return p.Radius
}

// Search runs an epsilon-bounded best-first traversal and returns up to K
// results sorted ascending by (distance, id). The traversal starts from the
// seed tree region of the query, the stride seeds and the orphans.
//
// Tombstoned nodes are never expanded or returned.
func (g *Graph) Search(space Space, dist objectspace.Comparator, p SearchParams) []searcher.Item {
	if p.K <= 0 || g.indexed.IsEmpty() {
		return nil
	}
	radius := p.radius()
	eps := 1 + max(p.Epsilon, 0)

	vs := g.visitedPool.Get(int(space.MaxID()) + 1)
	defer g.visitedPool.Put(vs)

	results := searcher.NewPriorityQueue(true)
	frontier := searcher.NewPriorityQueue(false)

	// explore is the distance beyond which candidates are not expanded.
	explore := float32(math.Inf(1))
	tighten := func() {
		if results.Len() < p.K {
			return
		}
		top, _ := results.Top()
		explore = min(top.Distance, radius) * eps
	}
	consider := func(id uint32) {
		if !vs.Visit(id) || !space.Exists(id) || !g.indexed.Contains(id) {
			return
		}
		d := dist(id)
		if d > explore {
			return
		}
		frontier.Push(searcher.Item{ID: id, Distance: d})
		if d <= radius && results.PushBounded(searcher.Item{ID: id, Distance: d}, p.K) {
			tighten()
		}
	}

	g.seedIndex.get(g, space).lookup(space, dist, consider)
	for _, s := range g.seeds {
		consider(s)
	}
	if !g.orphans.IsEmpty() {
		it := g.orphans.Iterator()
		for it.HasNext() {
			consider(it.Next())
		}
	}

	for frontier.Len() > 0 {
		c, _ := frontier.Pop()
		if c.Distance > explore {
			break
		}
		edges := g.nodes[c.ID]
		if p.EdgeSize > 0 && len(edges) > p.EdgeSize {
			edges = edges[:p.EdgeSize]
		}
		for _, e := range edges {
			consider(e.ID)
		}
	}

	return results.Sorted()
}

// LinearSearch compares the query against every live object and returns the
// exact k nearest, sorted ascending by (distance, id).
func LinearSearch(space interface {
	ForEachLive(fn func(id uint32) bool)
}, dist objectspace.Comparator, k int, radius float32) []searcher.Item {
	if k <= 0 {
		return nil
	}
	r := SearchParams{Radius: radius}.radius()
	results := searcher.NewPriorityQueue(true)
	space.ForEachLive(func(id uint32) bool {
		d := dist(id)
		if d <= r {
			results.PushBounded(searcher.Item{ID: id, Distance: d}, k)
		}
		return true
	})
	return results.Sorted()
}
