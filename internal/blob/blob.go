package blob

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/hupe1980/graphann/distance"
	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/kmeans"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/quantization"
	"github.com/hupe1980/graphann/internal/searcher"
)

const (
	// MaxBlobs bounds the blob count so blob numbers fit the routing graph.
	MaxBlobs = 1 << 16
	// routeEdges is the edge cap of the graph over blob centroids.
	routeEdges = 16
	// unassigned marks ids without a blob.
	unassigned = -1
)

var (
	// ErrCorrupt is returned when a serialized blob index cannot be decoded.
	ErrCorrupt = errors.New("corrupt blob index")
	// ErrConfig is returned for training parameters out of range.
	ErrConfig = errors.New("invalid blob configuration")
)

// Config controls Train.
type Config struct {
	// Blobs is the number of partitions. Zero picks the square root of the
	// training set size.
	Blobs int
	// Subvectors is the number of product-quantized subvectors per residual.
	// It must divide the dimension.
	Subvectors int
	// Iterations bounds the k-means iterations of both clusterings.
	Iterations int
	// SampleSize caps the vectors used for training. Zero trains on all.
	SampleSize int
	Seed       uint64
	Threads    int
}

// AutoBlobs is the blob count Train picks for n vectors when Config.Blobs
// is zero.
func AutoBlobs(n int) int {
	return min(max(int(math.Sqrt(float64(n))), 1), MaxBlobs)
}

// Index is a trained blob partition with the residual codes of its members.
// Add must not run concurrently with Search; Search is safe for concurrent
// use.
type Index struct {
	dim       int
	centroids []float32
	pq        *quantization.ProductQuantizer

	// blobOf maps ids to blob numbers; members lists the ids per blob.
	blobOf  []int32
	members [][]uint32
	codes   []byte

	routes objectspace.Space
	graph  *graph.Graph
}

// Train clusters vectors into blobs, trains the residual quantizer and adds
// every vector. ids[i] is the id of vectors[i].
func Train(ctx context.Context, ids []uint32, vectors [][]float32, cfg Config) (*Index, error) {
	if len(vectors) == 0 || len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: %d ids for %d vectors", ErrConfig, len(ids), len(vectors))
	}
	dim := len(vectors[0])
	if cfg.Subvectors <= 0 || dim%cfg.Subvectors != 0 {
		return nil, fmt.Errorf("%w: %d subvectors for dimension %d", ErrConfig, cfg.Subvectors, dim)
	}
	if cfg.Blobs < 0 || cfg.Blobs > MaxBlobs {
		return nil, fmt.Errorf("%w: blob count %d", ErrConfig, cfg.Blobs)
	}

	sample := vectors
	if cfg.SampleSize > 0 && len(vectors) > cfg.SampleSize {
		sample = draw(vectors, cfg.SampleSize, cfg.Seed)
	}
	blobs := cfg.Blobs
	if blobs == 0 {
		blobs = AutoBlobs(len(sample))
	}
	centroids, err := kmeans.Train(ctx, sample, 0, dim, kmeans.Config{
		K:       blobs,
		MaxIter: cfg.Iterations,
		Seed:    cfg.Seed,
		Workers: cfg.Threads,
	})
	if err != nil {
		return nil, err
	}

	residuals := make([][]float32, len(sample))
	for i, v := range sample {
		c := kmeans.Nearest(v, centroids, dim)
		residuals[i] = residual(v, centroids[c*dim:(c+1)*dim])
	}
	pq, err := quantization.NewProductQuantizer(dim, dim/cfg.Subvectors, quantization.MaxCentroids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := pq.Train(ctx, residuals, cfg.Seed); err != nil {
		return nil, err
	}

	idx, err := assemble(dim, centroids, pq)
	if err != nil {
		return nil, err
	}
	if err := idx.graph.Build(ctx, idx.routes, idx.graph.Pending(idx.routes), graph.BuildParams{Threads: cfg.Threads}); err != nil {
		return nil, err
	}
	for i, id := range ids {
		if err := idx.Add(id, vectors[i]); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// assemble stores the centroids as routing objects. The routing graph over
// them starts empty.
func assemble(dim int, centroids []float32, pq *quantization.ProductQuantizer) (*Index, error) {
	routes, err := objectspace.New(dim, objectspace.Float32, distance.L2)
	if err != nil {
		return nil, err
	}
	blobs := len(centroids) / dim
	for b := range blobs {
		if _, err := routes.Append(centroids[b*dim : (b+1)*dim]); err != nil {
			return nil, err
		}
	}
	return &Index{
		dim:       dim,
		centroids: centroids,
		pq:        pq,
		members:   make([][]uint32, blobs),
		routes:    routes,
		graph:     graph.New(routeEdges),
	}, nil
}

func draw(vectors [][]float32, n int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc908))
	picked := rng.Perm(len(vectors))[:n]
	slices.Sort(picked)
	out := make([][]float32, n)
	for i, p := range picked {
		out[i] = vectors[p]
	}
	return out
}

func residual(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - centroid[i]
	}
	return out
}

// Add assigns vec to its nearest blob and stores its residual code. Ids may
// arrive in any order; adding an id twice is an error.
func (x *Index) Add(id uint32, vec []float32) error {
	if id == 0 || len(vec) != x.dim {
		return fmt.Errorf("%w: id %d with dimension %d", ErrConfig, id, len(vec))
	}
	x.grow(id)
	if x.blobOf[id] != unassigned {
		return fmt.Errorf("%w: id %d already assigned", ErrConfig, id)
	}
	c := kmeans.Nearest(vec, x.centroids, x.dim)
	m := x.pq.NumSubvectors()
	if err := x.pq.EncodeTo(x.codes[int(id)*m:(int(id)+1)*m], residual(vec, x.centroid(c))); err != nil {
		return err
	}
	x.blobOf[id] = int32(c)
	members := x.members[c]
	at, _ := slices.BinarySearch(members, id)
	x.members[c] = slices.Insert(members, at, id)
	return nil
}

func (x *Index) grow(id uint32) {
	for uint32(len(x.blobOf)) <= id {
		x.blobOf = append(x.blobOf, unassigned)
	}
	if need := len(x.blobOf) * x.pq.NumSubvectors(); len(x.codes) < need {
		x.codes = append(x.codes, make([]byte, need-len(x.codes))...)
	}
}

func (x *Index) centroid(b int) []float32 {
	return x.centroids[b*x.dim : (b+1)*x.dim]
}

// Assigned reports whether id belongs to a blob.
func (x *Index) Assigned(id uint32) bool {
	return int(id) < len(x.blobOf) && x.blobOf[id] != unassigned
}

// Blobs returns the number of blobs.
func (x *Index) Blobs() int { return len(x.members) }

// Subvectors returns the number of code bytes per object.
func (x *Index) Subvectors() int { return x.pq.NumSubvectors() }

// Count returns the number of assigned ids.
func (x *Index) Count() int {
	n := 0
	for _, m := range x.members {
		n += len(m)
	}
	return n
}

// BlobSizes returns the member count of every blob.
func (x *Index) BlobSizes() []int {
	out := make([]int, len(x.members))
	for b, m := range x.members {
		out[b] = len(m)
	}
	return out
}

// SearchParams controls Search.
type SearchParams struct {
	// Size is the number of results.
	Size int
	// Expansion over-fetches Size*Expansion members by quantized distance
	// before the exact re-rank.
	Expansion float32
	// Blobs is the number of blobs scanned.
	Blobs int
	// Epsilon is the exploration slack of the centroid graph search.
	Epsilon float32
	// BlobEpsilon skips blobs whose centroid lies farther than
	// (1+BlobEpsilon) times the nearest centroid. Zero scans every routed
	// blob.
	BlobEpsilon float32
	// Edges bounds the edges followed per centroid. Zero follows all.
	Edges int
	// Radius drops results farther than it. Zero or negative is unbounded.
	Radius float32
}

// Search returns the Size nearest members of the routed blobs by exact
// distance, sorted ascending by (distance, id).
func (x *Index) Search(query []float32, exact objectspace.Comparator, p SearchParams) ([]searcher.Item, error) {
	if p.Size <= 0 || x.Count() == 0 {
		return nil, nil
	}
	route, err := x.routes.NewQuery(query)
	if err != nil {
		return nil, err
	}
	blobs := x.graph.Search(x.routes, route, graph.SearchParams{
		K:        max(p.Blobs, 1),
		Epsilon:  p.Epsilon,
		Radius:   -1,
		EdgeSize: p.Edges,
	})
	if p.BlobEpsilon > 0 && len(blobs) > 0 {
		limit := blobs[0].Distance * (1 + p.BlobEpsilon)
		cut := len(blobs)
		for i, b := range blobs {
			if b.Distance > limit {
				cut = i
				break
			}
		}
		blobs = blobs[:cut]
	}

	shortlist := max(int(math.Ceil(float64(p.Size)*float64(max(p.Expansion, 1)))), p.Size)
	approx := searcher.NewPriorityQueue(true)
	m := x.pq.NumSubvectors()
	for _, b := range blobs {
		c := int(b.ID) - 1
		table, err := x.pq.BuildDistanceTable(residual(query, x.centroid(c)))
		if err != nil {
			return nil, err
		}
		for _, id := range x.members[c] {
			d := x.pq.AdcDistance(table, x.codes[int(id)*m:(int(id)+1)*m])
			approx.PushBounded(searcher.Item{ID: id, Distance: d}, shortlist)
		}
	}

	radius := float32(math.MaxFloat32)
	if p.Radius > 0 {
		radius = p.Radius
	}
	out := searcher.NewPriorityQueue(true)
	for _, it := range approx.Sorted() {
		if d := exact(it.ID); d <= radius {
			out.PushBounded(searcher.Item{ID: it.ID, Distance: d}, p.Size)
		}
	}
	return out.Sorted(), nil
}
