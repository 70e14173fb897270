package graph

import (
	"cmp"
	"slices"
)

// Bidirectional returns a copy of g with edge cap maxEdges in which every
// edge a->b also appears as b->a, as far as the cap allows. Forward edges
// are placed first so that a node keeps its own nearest neighbors when its
// list fills up.
func (g *Graph) Bidirectional(maxEdges int) *Graph {
	c := g.Resize(maxEdges)
	it := g.indexed.Iterator()
	for it.HasNext() {
		a := it.Next()
		for _, e := range g.nodes[a] {
			if c.indexed.Contains(e.ID) {
				c.AddEdge(e.ID, Edge{ID: a, Distance: e.Distance})
			}
		}
	}
	c.refreshSeeds()
	return c
}

// Reconstruct derives an optimized neighborhood graph (ONNG) from g.
//
// Each node keeps its first outgoing edges. Then, for the first incoming
// edges of every node a, the reverse edge b->a is added. The result has an
// edge cap of outgoing+incoming.
func (g *Graph) Reconstruct(outgoing, incoming int) *Graph {
	c := New(max(outgoing+incoming, 1))
	c.seedCount = g.seedCount

	it := g.indexed.Iterator()
	for it.HasNext() {
		c.markIndexed(it.Next())
	}

	it = g.indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		edges := g.nodes[id]
		if len(edges) > outgoing {
			edges = edges[:outgoing]
		}
		c.SetEdges(id, edges)
	}

	it = g.indexed.Iterator()
	for it.HasNext() {
		a := it.Next()
		edges := g.nodes[a]
		if len(edges) > incoming {
			edges = edges[:incoming]
		}
		for _, e := range edges {
			if c.indexed.Contains(e.ID) {
				c.AddEdge(e.ID, Edge{ID: a, Distance: e.Distance})
			}
		}
	}
	c.refreshSeeds()
	return c
}

// AdjustPaths removes shortcut edges. An edge a->c is dropped when a keeps
// a closer neighbor b that itself keeps an edge to c with d(b,c) < d(a,c).
// Edges are decided in ascending distance order, so both hops of a detour
// are final when the edge they replace is judged and c stays reachable
// over strictly shorter edges. It returns the number of edges removed.
func (g *Graph) AdjustPaths() int {
	type ref struct {
		from uint32
		pos  uint16
		dist float32
	}
	var refs []ref
	dropped := make(map[uint32][]bool)
	it := g.indexed.Iterator()
	for it.HasNext() {
		a := it.Next()
		edges := g.nodes[a]
		if len(edges) < 2 {
			continue
		}
		dropped[a] = make([]bool, len(edges))
		// The nearest edge of a node is never a shortcut.
		for i := 1; i < len(edges); i++ {
			refs = append(refs, ref{from: a, pos: uint16(i), dist: edges[i].Distance})
		}
	}
	slices.SortFunc(refs, func(x, y ref) int {
		if c := cmp.Compare(x.dist, y.dist); c != 0 {
			return c
		}
		if c := cmp.Compare(x.from, y.from); c != 0 {
			return c
		}
		return cmp.Compare(x.pos, y.pos)
	})

	kept := func(from uint32, pos int) bool {
		d, ok := dropped[from]
		return !ok || !d[pos]
	}
	removed := 0
	for _, r := range refs {
		if g.detour(r.from, int(r.pos), kept) {
			dropped[r.from][r.pos] = true
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	for a, d := range dropped {
		edges := g.nodes[a]
		next := make([]Edge, 0, len(edges))
		for i, e := range edges {
			if !d[i] {
				next = append(next, e)
			}
		}
		if len(next) != len(edges) {
			g.SetEdges(a, next)
		}
	}
	g.refreshSeeds()
	return removed
}

// detour reports whether the edge at pos of a can be replaced by two kept
// edges a->b and b->c that are both shorter than it.
func (g *Graph) detour(a uint32, pos int, kept func(from uint32, pos int) bool) bool {
	edges := g.nodes[a]
	c := edges[pos]
	for i, b := range edges[:pos] {
		if b.Distance >= c.Distance {
			break
		}
		if !kept(a, i) {
			continue
		}
		for j, bc := range g.nodes[b.ID] {
			if bc.Distance >= c.Distance {
				break
			}
			if bc.ID == c.ID {
				if kept(b.ID, j) {
					return true
				}
				break
			}
		}
	}
	return false
}
