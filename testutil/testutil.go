package testutil

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/hupe1980/graphann/distance"
)

// SearchResult is an (id, distance) pair as returned by the indexes.
type SearchResult struct {
	ID       uint32
	Distance float32
}

// RNG is a seeded, goroutine-safe source of test vectors. The same seed
// always yields the same sequence.
type RNG struct {
	mu   sync.Mutex
	seed int64
	src  *rand.Rand
}

// NewRNG returns an RNG seeded with seed.
func NewRNG(seed int64) *RNG {
	return &RNG{seed: seed, src: newSource(seed)}
}

func newSource(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Reset rewinds the RNG to its seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src = newSource(r.seed)
}

// FillUniform fills dst with values in [0, 1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.src.Float32()
	}
}

// UniformVectors returns num vectors with elements in [0, 1).
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	return r.generate(num, dim, func(src *rand.Rand) float32 { return src.Float32() })
}

// UniformRangeVectors returns num vectors with elements in [-1, 1).
func (r *RNG) UniformRangeVectors(num, dim int) [][]float32 {
	return r.generate(num, dim, func(src *rand.Rand) float32 { return 2*src.Float32() - 1 })
}

// ByteVectors returns num vectors of whole numbers in [0, 256), for Uint8
// indexes and the bitwise distances.
func (r *RNG) ByteVectors(num, dim int) [][]float32 {
	return r.generate(num, dim, func(src *rand.Rand) float32 { return float32(src.IntN(256)) })
}

// UnitVectors returns num L2-normalized vectors with Gaussian directions.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	out := r.generate(num, dim, func(src *rand.Rand) float32 { return float32(src.NormFloat64()) })
	for _, v := range out {
		if !distance.NormalizeL2InPlace(v) {
			v[0] = 1
		}
	}
	return out
}

// ClusteredVectors returns num vectors spread around clusters unit-length
// centroids with Gaussian noise of the given standard deviation. Vector i
// belongs to cluster i % clusters.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)
	i := 0
	return r.generate(num, dim, func(src *rand.Rand) float32 {
		c := centroids[(i/dim)%clusters][i%dim]
		i++
		return c + float32(src.NormFloat64())*spread
	})
}

// generate fills num vectors of length dim from next, backed by a single
// allocation.
func (r *RNG) generate(num, dim int, next func(*rand.Rand) float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	backing := make([]float32, num*dim)
	for i := range backing {
		backing[i] = next(r.src)
	}
	out := make([][]float32, num)
	for i := range out {
		out[i] = backing[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return out
}

// ExactTopK returns the k nearest vectors of dataset to query under fn.
// Ids are 1-based positions in dataset, matching the ids an index assigns
// when dataset is inserted in order. Ties are broken by lower id.
func ExactTopK(query []float32, dataset [][]float32, k int, fn distance.Func) []SearchResult {
	out := make([]SearchResult, len(dataset))
	for i, v := range dataset {
		out[i] = SearchResult{ID: uint32(i + 1), Distance: fn(query, v)}
	}
	slices.SortFunc(out, func(a, b SearchResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return int(a.ID) - int(b.ID)
		}
	})
	return out[:min(k, len(out))]
}

// ComputeRecall returns the fraction of the first min(len) ground truth ids
// that appear among the same number of approximate results. Two empty
// lists have recall 1.
func ComputeRecall(groundTruth, approximate []SearchResult) float64 {
	if len(groundTruth) == 0 && len(approximate) == 0 {
		return 1
	}
	k := min(len(groundTruth), len(approximate))
	if k == 0 {
		return 0
	}
	truth := make(map[uint32]struct{}, k)
	for _, r := range groundTruth[:k] {
		truth[r.ID] = struct{}{}
	}
	hits := 0
	for _, r := range approximate[:k] {
		if _, ok := truth[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
