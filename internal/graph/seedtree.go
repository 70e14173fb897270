package graph

import (
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/searcher"
)

const (
	// seedLeafSize is the largest number of ids a tree leaf holds.
	seedLeafSize = 16
	// seedLeaves is the number of leaves a lookup draws entry points from.
	seedLeaves = 2
)

// vpNode is a vantage-point tree node. An inner node splits its ids at the
// median distance to its vantage point; a leaf lists ids.
type vpNode struct {
	vantage uint32
	median  float32
	inner   int32 // child holding distances below median; -1 marks a leaf
	outer   int32
	leaf    []uint32
}

// seedTree is a vantage-point tree over the indexed nodes. It routes a
// query to the nodes of its own region, which keeps clusters without edges
// between them reachable.
type seedTree struct {
	nodes []vpNode
	size  int
}

func buildSeedTree(space Space, ids []uint32) *seedTree {
	t := &seedTree{size: len(ids)}
	if len(ids) == 0 {
		return t
	}
	rng := rand.New(rand.NewPCG(uint64(len(ids)), 0x5eed))
	t.split(space, rng, slices.Clone(ids), make([]searcher.Item, len(ids)))
	return t
}

func (t *seedTree) split(space Space, rng *rand.Rand, ids []uint32, scratch []searcher.Item) int32 {
	at := int32(len(t.nodes))
	if len(ids) <= seedLeafSize {
		t.nodes = append(t.nodes, vpNode{inner: -1, outer: -1, leaf: slices.Clone(ids)})
		return at
	}

	pick := rng.IntN(len(ids))
	ids[0], ids[pick] = ids[pick], ids[0]
	vantage, rest := ids[0], ids[1:]
	items := scratch[:len(rest)]
	for i, id := range rest {
		items[i] = searcher.Item{ID: id, Distance: space.Distance(vantage, id)}
	}
	searcher.SortItems(items)
	for i := range items {
		rest[i] = items[i].ID
	}
	mid := len(rest) / 2

	t.nodes = append(t.nodes, vpNode{vantage: vantage, median: items[mid].Distance})
	inner := t.split(space, rng, rest[:mid], scratch)
	outer := t.split(space, rng, rest[mid:], scratch)
	t.nodes[at].inner, t.nodes[at].outer = inner, outer
	return at
}

// lookup calls visit with the vantage points met while descending toward
// the query and with the members of the seedLeaves leaves whose regions lie
// closest to it. Regions are ranked by the lower bound the triangle
// inequality gives for their distance to the query.
func (t *seedTree) lookup(space Space, dist objectspace.Comparator, visit func(id uint32)) {
	if len(t.nodes) == 0 {
		return
	}
	pending := searcher.NewPriorityQueue(false)
	pending.Push(searcher.Item{})
	for leaves := 0; leaves < seedLeaves; {
		it, ok := pending.Pop()
		if !ok {
			return
		}
		n := &t.nodes[it.ID]
		if n.inner < 0 {
			for _, id := range n.leaf {
				visit(id)
			}
			leaves++
			continue
		}

		innerBound, outerBound := it.Distance, it.Distance
		// Removed vantage points may have lost their payload; both sides
		// then keep the parent bound.
		if space.Exists(n.vantage) {
			d := dist(n.vantage)
			visit(n.vantage)
			innerBound = max(innerBound, d-n.median)
			outerBound = max(outerBound, n.median-d)
		}
		pending.Push(searcher.Item{ID: uint32(n.inner), Distance: innerBound})
		pending.Push(searcher.Item{ID: uint32(n.outer), Distance: outerBound})
	}
}

// fits reports whether a tree built over size nodes still describes a graph
// of n indexed nodes well enough. Nodes added since are reached through
// edges and removed ones are skipped by the search.
func (t *seedTree) fits(n int) bool {
	slack := t.size/4 + seedLeafSize
	return n >= t.size-slack && n <= t.size+slack
}

// seedIndex holds the lazily built seed tree of a graph. Searches build it
// on first use; mutations drop it once it has gone stale.
type seedIndex struct {
	mu   sync.Mutex
	tree atomic.Pointer[seedTree]
}

func (s *seedIndex) get(g *Graph, space Space) *seedTree {
	if t := s.tree.Load(); t != nil {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tree.Load(); t != nil {
		return t
	}
	t := buildSeedTree(space, g.indexed.ToArray())
	s.tree.Store(t)
	return t
}

// invalidate drops the tree when it no longer fits n indexed nodes.
func (s *seedIndex) invalidate(n int) {
	if t := s.tree.Load(); t != nil && !t.fits(n) {
		s.tree.Store(nil)
	}
}
