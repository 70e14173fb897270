package graphann_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann"
	"github.com/hupe1980/graphann/persistence"
	"github.com/hupe1980/graphann/testutil"
)

func newBlobIndex(t *testing.T, params graphann.BlobParams) (*graphann.BlobIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs")
	b, err := graphann.CreateBlob(path, params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

// nearestIDs ranks vectors by squared L2 distance to q; ids start at 1.
func nearestIDs(vectors [][]float32, q []float32, k int) []uint32 {
	type cand struct {
		id uint32
		d  float32
	}
	cands := make([]cand, len(vectors))
	for i, v := range vectors {
		var d float32
		for j := range v {
			x := v[j] - q[j]
			d += x * x
		}
		cands[i] = cand{id: uint32(i + 1), d: d}
	}
	slices.SortFunc(cands, func(a, b cand) int {
		switch {
		case a.d < b.d:
			return -1
		case a.d > b.d:
			return 1
		}
		return int(a.id) - int(b.id)
	})
	out := make([]uint32, k)
	for i := range out {
		out[i] = cands[i].id
	}
	return out
}

func TestBlobIndex_Lifecycle(t *testing.T) {
	forceQuantization(t, true)
	rng := testutil.NewRNG(12)
	vectors := rng.ClusteredVectors(800, 8, 10, 0.05)

	b, path := newBlobIndex(t, graphann.BlobParams{Dimension: 8, Subvectors: 4, Blobs: 12})
	ids, err := b.InsertBatch(vectors[:700])
	require.NoError(t, err)
	require.Len(t, ids, 700)
	assert.Equal(t, uint32(1), ids[0])

	r, err := graphann.IntoReadableBlob(b)
	require.NoError(t, err)
	assert.Equal(t, path, r.Path())
	_, err = r.Search(graphann.BlobQuery{Vector: vectors[0]})
	assert.ErrorIs(t, err, graphann.ErrInvalidState, "not built yet")

	b, err = graphann.IntoWritableBlob(r)
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{Seed: 1, Threads: 2}))
	assert.Equal(t, 700, b.CountAssigned())

	// Later inserts join the trained partition.
	for _, v := range vectors[700:] {
		_, err := b.Insert(v)
		require.NoError(t, err)
	}
	assert.Equal(t, 700, b.CountAssigned())
	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{}))
	assert.Equal(t, 800, b.CountAssigned())

	stats, err := b.Stats()
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Blobs)
	assert.Equal(t, 4, stats.Subvectors)
	assert.Equal(t, 800, stats.Live)
	sum := 0
	for _, n := range stats.BlobSizes {
		sum += n
	}
	assert.Equal(t, 800, sum)

	readable, err := graphann.IntoReadableBlob(b)
	require.NoError(t, err)
	require.NoError(t, readable.Close())

	reopened, err := graphann.OpenBlob(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 800, reopened.CountAssigned())
	assert.Equal(t, graphann.Float32, reopened.Params().ObjectType)

	queries := testutil.NewRNG(13).ClusteredVectors(20, 8, 10, 0.05)
	var hits int
	for _, q := range queries {
		res, err := reopened.Search(graphann.BlobQuery{Vector: q, Size: 10, ExploredBlobs: 12})
		require.NoError(t, err)
		require.Len(t, res, 10)
		want := nearestIDs(vectors, q, 10)
		assert.Equal(t, want[0], res[0].ID)
		for _, hit := range res {
			if slices.Contains(want, hit.ID) {
				hits++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(10*len(queries)), 0.9)

	got, err := reopened.Get(5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, vectors[4], got, 1e-6)
}

func TestBlobIndex_Defaults(t *testing.T) {
	forceQuantization(t, true)
	vectors := testutil.NewRNG(14).UniformVectors(100, 4)

	b, _ := newBlobIndex(t, graphann.BlobParams{Dimension: 4})
	_, err := b.InsertBatch(vectors)
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{Seed: 3}))

	stats, err := b.Stats()
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Blobs)
	assert.Equal(t, graphann.DefaultBlobSubvectors, stats.Subvectors)

	r, err := graphann.IntoReadableBlob(b)
	require.NoError(t, err)
	defer r.Close()
	res, err := r.Search(graphann.BlobQuery{Vector: vectors[30]})
	require.NoError(t, err)
	require.Len(t, res, graphann.DefaultBlobSize)
	assert.Equal(t, uint32(31), res[0].ID)

	res, err = r.Search(graphann.BlobQuery{Vector: vectors[30], Size: 5, Radius: 1e-6})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(31), res[0].ID)
}

func TestBlobIndex_Retrain(t *testing.T) {
	forceQuantization(t, true)
	vectors := testutil.NewRNG(15).UniformVectors(200, 4)

	b, _ := newBlobIndex(t, graphann.BlobParams{Dimension: 4, Subvectors: 2, Blobs: 4})
	_, err := b.InsertBatch(vectors[:50])
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{Seed: 1}))
	_, err = b.InsertBatch(vectors[50:])
	require.NoError(t, err)

	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{Seed: 2, Retrain: true}))
	assert.Equal(t, 200, b.CountAssigned())
}

func TestBlobIndex_Rejects(t *testing.T) {
	forceQuantization(t, true)
	dir := t.TempDir()

	for name, p := range map[string]graphann.BlobParams{
		"dimension":   {Dimension: 0},
		"subvectors":  {Dimension: 6, Subvectors: 4},
		"blobs":       {Dimension: 4, Blobs: -1},
		"object type": {Dimension: 4, ObjectType: graphann.ObjectType(9)},
	} {
		_, err := graphann.CreateBlob(filepath.Join(dir, name), p)
		assert.ErrorIs(t, err, graphann.ErrInvalidArgument, name)
	}

	b, path := newBlobIndex(t, graphann.BlobParams{Dimension: 2})
	_, err := graphann.CreateBlob(path, graphann.BlobParams{Dimension: 2})
	assert.ErrorIs(t, err, graphann.ErrInvalidState)

	_, err = b.Insert([]float32{1})
	assert.ErrorIs(t, err, graphann.ErrDimensionMismatch)
	_, err = b.InsertBatch([][]float32{{1, 2}, {3}})
	assert.ErrorIs(t, err, graphann.ErrDimensionMismatch)
	assert.Zero(t, b.CountInserted(), "a rejected batch stores nothing")

	_, err = b.InsertBatch(testutil.NewRNG(1).UniformVectors(20, 2))
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Build(cancelled, graphann.BlobBuildParams{}), context.Canceled)
	assert.Zero(t, b.CountAssigned())

	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{}))
	r, err := graphann.IntoReadableBlob(b)
	require.NoError(t, err)
	defer r.Close()
	for name, q := range map[string]graphann.BlobQuery{
		"size":      {Vector: []float32{0, 0}, Size: -1},
		"epsilon":   {Vector: []float32{0, 0}, Epsilon: -1},
		"expansion": {Vector: []float32{0, 0}, ResultExpansion: 0.5},
		"blobs":     {Vector: []float32{0, 0}, ExploredBlobs: -1},
	} {
		_, err := r.Search(q)
		assert.ErrorIs(t, err, graphann.ErrInvalidArgument, name)
	}
	_, err = r.Search(graphann.BlobQuery{Vector: []float32{0}})
	assert.ErrorIs(t, err, graphann.ErrDimensionMismatch)
}

func TestBlobIndex_Closed(t *testing.T) {
	forceQuantization(t, true)
	b, _ := newBlobIndex(t, graphann.BlobParams{Dimension: 2})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Insert([]float32{1, 2})
	assert.ErrorIs(t, err, graphann.ErrClosed)
	assert.ErrorIs(t, b.Build(context.Background(), graphann.BlobBuildParams{}), graphann.ErrClosed)
	assert.ErrorIs(t, b.Persist(), graphann.ErrClosed)
	_, err = b.Stats()
	assert.ErrorIs(t, err, graphann.ErrClosed)
	_, err = graphann.IntoReadableBlob(b)
	assert.ErrorIs(t, err, graphann.ErrClosed)
}

func TestBlobIndex_UnsupportedHardware(t *testing.T) {
	forceQuantization(t, true)
	_, path := newBlobIndex(t, graphann.BlobParams{Dimension: 2})

	forceQuantization(t, false)
	_, err := graphann.CreateBlob(filepath.Join(t.TempDir(), "other"), graphann.BlobParams{Dimension: 2})
	assert.ErrorIs(t, err, graphann.ErrUnsupportedHardware)
	_, err = graphann.OpenBlob(path)
	assert.ErrorIs(t, err, graphann.ErrUnsupportedHardware)
}

func TestOpenBlob_Corrupt(t *testing.T) {
	forceQuantization(t, true)

	_, err := graphann.OpenBlob(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, graphann.ErrNotFound)

	_, graphPath := newIndex(t, graphann.NewProperties(2))
	_, err = graphann.OpenBlob(graphPath)
	assert.ErrorIs(t, err, graphann.ErrCorruptFormat, "graph index is not a blob index")

	b, path := newBlobIndex(t, graphann.BlobParams{Dimension: 2})
	_, err = b.InsertBatch(testutil.NewRNG(2).UniformVectors(30, 2))
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background(), graphann.BlobBuildParams{}))
	require.NoError(t, b.Persist())
	require.NoError(t, b.Close())

	blobs := filepath.Join(path, persistence.BlobsFile)
	require.NoError(t, os.WriteFile(blobs, []byte("not a section"), 0o644))
	_, err = graphann.OpenBlob(path)
	assert.ErrorIs(t, err, graphann.ErrCorruptFormat)

	require.NoError(t, os.Remove(blobs))
	_, err = graphann.OpenBlob(path)
	assert.ErrorIs(t, err, graphann.ErrCorruptFormat, "trained index without its partition")
}
