package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/graphann/distance"
)

// ErrNoData is returned when there is nothing to cluster.
var ErrNoData = errors.New("kmeans: no training vectors")

// Config controls Train.
type Config struct {
	// K is the number of centroids. It is lowered to the number of vectors
	// when fewer are given.
	K int
	// MaxIter bounds the Lloyd iterations.
	MaxIter int
	// Seed makes training reproducible.
	Seed uint64
	// Workers bounds the parallel assignment step. Zero uses GOMAXPROCS.
	Workers int
}

// Train clusters vectors with k-means++ seeding followed by Lloyd's
// algorithm under squared L2. It returns the flattened centroids (k * dim).
//
// Each vector is a view; only vec[lo:hi] takes part, so subspaces of a
// product quantizer can be trained without copying.
func Train(ctx context.Context, vectors [][]float32, lo, hi int, cfg Config) ([]float32, error) {
	if len(vectors) == 0 || hi <= lo {
		return nil, ErrNoData
	}
	dim := hi - lo
	k := min(cfg.K, len(vectors))
	if k <= 0 {
		return nil, errors.New("kmeans: k must be positive")
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 20
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	centroids := seedPlusPlus(vectors, lo, hi, k, rng)

	assignments := make([]int, len(vectors))
	for i := range assignments {
		assignments[i] = -1
	}
	for range cfg.MaxIter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed, err := assign(ctx, vectors, lo, hi, centroids, dim, assignments, workers)
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
		update(vectors, lo, hi, centroids, dim, k, assignments, rng)
	}
	return centroids, nil
}

// seedPlusPlus picks k initial centroids, each sampled proportionally to its
// squared distance from the centroids chosen so far.
func seedPlusPlus(vectors [][]float32, lo, hi, k int, rng *rand.Rand) []float32 {
	dim := hi - lo
	centroids := make([]float32, k*dim)
	copy(centroids[:dim], vectors[rng.IntN(len(vectors))][lo:hi])

	minDist := make([]float32, len(vectors))
	var sum float32
	for i, vec := range vectors {
		minDist[i] = distance.SquaredL2(vec[lo:hi], centroids[:dim])
		sum += minDist[i]
	}

	for c := 1; c < k; c++ {
		chosen := rng.IntN(len(vectors))
		if sum > 0 {
			target := rng.Float32() * sum
			var acc float32
			for i, d := range minDist {
				acc += d
				if acc >= target {
					chosen = i
					break
				}
			}
		}
		center := centroids[c*dim : (c+1)*dim]
		copy(center, vectors[chosen][lo:hi])

		sum = 0
		for i, vec := range vectors {
			if d := distance.SquaredL2(vec[lo:hi], center); d < minDist[i] {
				minDist[i] = d
			}
			sum += minDist[i]
		}
	}
	return centroids
}

func assign(ctx context.Context, vectors [][]float32, lo, hi int, centroids []float32, dim int, assignments []int, workers int) (bool, error) {
	var changed atomic.Bool
	chunk := (len(vectors) + workers - 1) / workers

	eg, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(vectors); start += chunk {
		end := min(start+chunk, len(vectors))
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			local := false
			for i := start; i < end; i++ {
				c := Nearest(vectors[i][lo:hi], centroids, dim)
				if assignments[i] != c {
					assignments[i] = c
					local = true
				}
			}
			if local {
				changed.Store(true)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}
	return changed.Load(), nil
}

func update(vectors [][]float32, lo, hi int, centroids []float32, dim, k int, assignments []int, rng *rand.Rand) {
	counts := make([]int, k)
	sums := make([]float32, k*dim)
	for i, vec := range vectors {
		c := assignments[i]
		counts[c]++
		s := sums[c*dim : (c+1)*dim]
		for j, v := range vec[lo:hi] {
			s[j] += v
		}
	}
	for c := range k {
		center := centroids[c*dim : (c+1)*dim]
		if counts[c] == 0 {
			// Empty cluster: restart from a random vector.
			copy(center, vectors[rng.IntN(len(vectors))][lo:hi])
			continue
		}
		inv := 1 / float32(counts[c])
		for j := range center {
			center[j] = sums[c*dim+j] * inv
		}
	}
}

// Nearest returns the index of the centroid closest to vec under squared L2.
func Nearest(vec, centroids []float32, dim int) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for c := 0; c*dim < len(centroids); c++ {
		if d := distance.SquaredL2(vec, centroids[c*dim:(c+1)*dim]); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}
