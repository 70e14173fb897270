package graph

import (
	"math"
	"slices"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/visited"
)

const (
	// MinSeedCount is the least number of stride-sampled entry points.
	MinSeedCount = 10
	// maxAutoSeedCount caps the data-sized stride seed count.
	maxAutoSeedCount = 64
)

// Edge is a directed link to a neighbor together with its distance.
type Edge struct {
	ID       uint32
	Distance float32
}

// Space is the part of the object store the graph reads.
// It is satisfied by objectspace.Space.
type Space interface {
	Exists(id uint32) bool
	MaxID() uint32
	NewQueryByID(id uint32) (objectspace.Comparator, error)
	Distance(a, b uint32) float32
}

// Graph is an approximate nearest neighbor graph (ANNG).
//
// Every indexed node holds at most EdgeSize edges sorted ascending by
// distance. Inserting into a full list evicts the farthest edge; among equal
// distances the edge inserted earlier is kept.
//
// Mutating methods must not run concurrently with each other or with
// Search. Search itself is safe for concurrent use.
type Graph struct {
	edgeSize int
	// seedCount fixes the number of stride seeds; zero sizes it to the
	// square root of the indexed node count.
	seedCount int

	nodes    [][]Edge
	indexed  *roaring.Bitmap
	inDegree []uint32
	// orphans are indexed nodes no edge points to. They join the seed set
	// so that eviction never makes a node unreachable.
	orphans *roaring.Bitmap
	seeds   []uint32

	seedIndex   *seedIndex
	visitedPool *visited.Pool
}

// New creates an empty graph with the given per-node edge cap.
func New(edgeSize int) *Graph {
	if edgeSize <= 0 {
		edgeSize = 1
	}
	return &Graph{
		edgeSize: edgeSize,
		nodes:    make([][]Edge, 1),
		indexed:  roaring.New(),
		inDegree: make([]uint32, 1),
		orphans:  roaring.New(),

		seedIndex:   &seedIndex{},
		visitedPool: &visited.Pool{},
	}
}

// EdgeSize returns the per-node edge cap.
func (g *Graph) EdgeSize() int { return g.edgeSize }

// SetSeedCount fixes the number of stride-sampled entry points. Values <= 0
// restore the data-sized default.
func (g *Graph) SetSeedCount(n int) {
	g.seedCount = max(n, 0)
	g.refreshSeeds()
}

// CountIndexed returns the number of nodes with materialized edges.
func (g *Graph) CountIndexed() int {
	return int(g.indexed.GetCardinality())
}

// IsIndexed reports whether id has been built into the graph.
func (g *Graph) IsIndexed(id uint32) bool {
	return g.indexed.Contains(id)
}

// IndexedIDs returns the indexed node ids in ascending order.
func (g *Graph) IndexedIDs() []uint32 {
	return g.indexed.ToArray()
}

// Edges returns the edge list of id. The slice must not be modified.
func (g *Graph) Edges(id uint32) []Edge {
	if int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Seeds returns the current entry points.
func (g *Graph) Seeds() []uint32 {
	return slices.Clone(g.seeds)
}

// Pending returns live ids that have not been indexed yet, ascending.
func (g *Graph) Pending(space interface {
	ForEachLive(fn func(id uint32) bool)
}) []uint32 {
	var out []uint32
	space.ForEachLive(func(id uint32) bool {
		if !g.indexed.Contains(id) {
			out = append(out, id)
		}
		return true
	})
	return out
}

func (g *Graph) ensure(id uint32) {
	if int(id) < len(g.nodes) {
		return
	}
	n := int(id) + 1
	if c := 2 * len(g.nodes); c > n {
		n = c
	}
	nodes := make([][]Edge, n)
	copy(nodes, g.nodes)
	g.nodes = nodes
	deg := make([]uint32, n)
	copy(deg, g.inDegree)
	g.inDegree = deg
}

func (g *Graph) incIn(id uint32) {
	g.ensure(id)
	g.inDegree[id]++
	if g.inDegree[id] == 1 {
		g.orphans.Remove(id)
	}
}

func (g *Graph) decIn(id uint32) {
	if int(id) >= len(g.inDegree) || g.inDegree[id] == 0 {
		return
	}
	g.inDegree[id]--
	if g.inDegree[id] == 0 && g.indexed.Contains(id) {
		g.orphans.Add(id)
	}
}

// AddEdge inserts e into the edge list of from, keeping it sorted and capped.
// It reports whether the edge was stored.
func (g *Graph) AddEdge(from uint32, e Edge) bool {
	if from == e.ID {
		return false
	}
	g.ensure(from)
	edges := g.nodes[from]
	for _, x := range edges {
		if x.ID == e.ID {
			return false
		}
	}

	// Upper bound keeps earlier edges ahead of equal-distance newcomers.
	pos := sort.Search(len(edges), func(i int) bool { return edges[i].Distance > e.Distance })
	if pos >= g.edgeSize {
		return false
	}
	edges = slices.Insert(edges, pos, e)
	if len(edges) > g.edgeSize {
		g.decIn(edges[g.edgeSize].ID)
		edges = edges[:g.edgeSize]
	}
	g.nodes[from] = edges
	g.incIn(e.ID)
	return true
}

// SetEdges replaces the edge list of an indexed node. Edges are sorted by
// (distance, id) and truncated to the edge cap.
func (g *Graph) SetEdges(id uint32, edges []Edge) {
	g.ensure(id)
	for _, e := range g.nodes[id] {
		g.decIn(e.ID)
	}
	edges = slices.Clone(edges)
	sortEdges(edges)
	if len(edges) > g.edgeSize {
		edges = edges[:g.edgeSize]
	}
	g.nodes[id] = edges
	for _, e := range edges {
		g.incIn(e.ID)
	}
}

// markIndexed records id as built. Nodes start as orphans until an edge
// points at them.
func (g *Graph) markIndexed(id uint32) {
	g.ensure(id)
	g.indexed.Add(id)
	if g.inDegree[id] == 0 {
		g.orphans.Add(id)
	}
}

// Remove detaches id from the graph and reconnects its former neighbors to
// each other so that paths through id survive. Edges other nodes hold to id
// stay in place; search skips them and Compact strips them.
func (g *Graph) Remove(space Space, id uint32) {
	if !g.indexed.Contains(id) {
		return
	}
	neighbors := g.nodes[id]
	g.nodes[id] = nil
	g.indexed.Remove(id)
	g.orphans.Remove(id)
	for _, e := range neighbors {
		g.decIn(e.ID)
	}

	for _, a := range neighbors {
		if !space.Exists(a.ID) || !g.indexed.Contains(a.ID) {
			continue
		}
		for _, b := range neighbors {
			if a.ID == b.ID || !space.Exists(b.ID) {
				continue
			}
			g.AddEdge(a.ID, Edge{ID: b.ID, Distance: space.Distance(a.ID, b.ID)})
		}
	}
	g.refreshSeeds()
}

// StripDangling drops edges that point to ids which are no longer live and
// returns the number of edges removed.
func (g *Graph) StripDangling(space Space) int {
	removed := 0
	it := g.indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		edges := g.nodes[id]
		kept := edges[:0]
		for _, e := range edges {
			if space.Exists(e.ID) && g.indexed.Contains(e.ID) {
				kept = append(kept, e)
				continue
			}
			g.decIn(e.ID)
			removed++
		}
		g.nodes[id] = kept
	}
	return removed
}

// refreshSeeds picks indexed nodes evenly spaced by id as stride seeds and
// drops the seed tree once it has gone stale.
func (g *Graph) refreshSeeds() {
	n := g.indexed.GetCardinality()
	g.seedIndex.invalidate(int(n))
	g.seeds = g.seeds[:0]
	if n == 0 {
		return
	}
	count := g.seedCount
	if count == 0 {
		count = min(max(int(math.Sqrt(float64(n))), MinSeedCount), maxAutoSeedCount)
	}
	if n <= uint64(count) {
		g.seeds = append(g.seeds, g.indexed.ToArray()...)
		return
	}
	stride := n / uint64(count)
	for i := 0; i < count; i++ {
		id, err := g.indexed.Select(uint32(uint64(i) * stride))
		if err != nil {
			break
		}
		g.seeds = append(g.seeds, id)
	}
}

// Stats summarizes the out-degree distribution over indexed nodes.
type Stats struct {
	Nodes     int
	Edges     int
	MaxDegree int
	MinDegree int
	AvgDegree float64
	Orphans   int
}

// Stats computes out-degree statistics.
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: g.CountIndexed(), Orphans: int(g.orphans.GetCardinality())}
	if s.Nodes == 0 {
		return s
	}
	s.MinDegree = g.edgeSize
	it := g.indexed.Iterator()
	for it.HasNext() {
		d := len(g.nodes[it.Next()])
		s.Edges += d
		s.MaxDegree = max(s.MaxDegree, d)
		s.MinDegree = min(s.MinDegree, d)
	}
	s.AvgDegree = float64(s.Edges) / float64(s.Nodes)
	return s
}

// Clone returns a deep copy that shares no state with g.
func (g *Graph) Clone() *Graph {
	c := New(g.edgeSize)
	c.seedCount = g.seedCount
	c.nodes = make([][]Edge, len(g.nodes))
	for i, edges := range g.nodes {
		if edges != nil {
			c.nodes[i] = slices.Clone(edges)
		}
	}
	c.indexed = g.indexed.Clone()
	c.inDegree = slices.Clone(g.inDegree)
	c.orphans = g.orphans.Clone()
	c.refreshSeeds()
	return c
}

// Resize returns a copy of g whose edge cap is edgeSize. Lists longer than
// the new cap are truncated.
func (g *Graph) Resize(edgeSize int) *Graph {
	c := New(edgeSize)
	c.seedCount = g.seedCount
	it := g.indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		c.markIndexed(id)
	}
	it = g.indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		c.SetEdges(id, g.nodes[id])
	}
	c.refreshSeeds()
	return c
}

func sortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
