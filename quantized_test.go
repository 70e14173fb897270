package graphann_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann"
	"github.com/hupe1980/graphann/persistence"
	"github.com/hupe1980/graphann/testutil"
)

func forceQuantization(t *testing.T, supported bool) {
	t.Helper()
	restore := graphann.SetQuantizationSupported(func() bool { return supported })
	t.Cleanup(restore)
}

func builtIndex(t *testing.T, props graphann.Properties, vectors [][]float32) (*graphann.Index, string) {
	t.Helper()
	idx, path := newIndex(t, props)
	_, err := idx.InsertBatchCommit(vectors, 2)
	require.NoError(t, err)
	return idx, path
}

func TestQuantize_MatchesGraphSearch(t *testing.T) {
	forceQuantization(t, true)
	rng := testutil.NewRNG(7)
	vectors := rng.UniformVectors(64, 3)
	queries := rng.UniformVectors(10, 3)

	idx, path := builtIndex(t, graphann.NewProperties(3), vectors)
	want := make([][]graphann.SearchResult, len(queries))
	for i, q := range queries {
		var err error
		want[i], err = idx.Search(q, 1, 0.1, 0)
		require.NoError(t, err)
	}

	qidx, err := graphann.Quantize(idx, graphann.QuantizationParams{MaxEdges: 50})
	require.NoError(t, err)
	defer qidx.Close()

	_, err = idx.Search(queries[0], 1, 0.1, 0)
	assert.ErrorIs(t, err, graphann.ErrClosed, "quantize takes over the source index")

	assert.Equal(t, path, qidx.Path())
	assert.Equal(t, 64, qidx.CountIndexed())
	assert.Equal(t, graphann.QuantizationParams{SubvectorDimension: 1, MaxEdges: 50}, qidx.Params())

	for i, q := range queries {
		res, err := qidx.Search(graphann.QuantizedQuery{Vector: q, Size: 2, ResultExpansion: 3})
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, want[i][0].ID, res[0].ID)
		assert.InDelta(t, want[i][0].Distance, res[0].Distance, 1e-5)
		assert.LessOrEqual(t, res[0].Distance, res[1].Distance)
	}

	stats, err := qidx.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Subvectors)
	assert.Equal(t, 64, stats.Nodes)
	assert.LessOrEqual(t, stats.MaxDegree, 50)
	assert.Greater(t, stats.CompressionRatio, 1.0)
}

func TestQuantize_Reopen(t *testing.T) {
	forceQuantization(t, true)
	rng := testutil.NewRNG(9)
	vectors := rng.UniformVectors(120, 8)

	idx, path := builtIndex(t, graphann.NewProperties(8).WithDistanceType(graphann.Cosine), vectors)
	qidx, err := graphann.Quantize(idx, graphann.QuantizationParams{SubvectorDimension: 2, MaxEdges: 30})
	require.NoError(t, err)
	before, err := qidx.Search(graphann.QuantizedQuery{Vector: vectors[3], Size: 5})
	require.NoError(t, err)
	require.NoError(t, qidx.Close())
	require.NoError(t, qidx.Close())

	_, err = qidx.Search(graphann.QuantizedQuery{Vector: vectors[3]})
	assert.ErrorIs(t, err, graphann.ErrClosed)

	reopened, err := graphann.OpenQuantized(path)
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.Search(graphann.QuantizedQuery{Vector: vectors[3], Size: 5})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, after, 5)
	assert.Equal(t, uint32(4), after[0].ID)

	got, err := reopened.Get(4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, vectors[3], got, 1e-6)

	within, err := reopened.Search(graphann.QuantizedQuery{Vector: vectors[3], Size: 5, Radius: after[1].Distance})
	require.NoError(t, err)
	for _, r := range within {
		assert.LessOrEqual(t, r.Distance, after[1].Distance)
	}

	// The source index stays usable next to the quantized one.
	src, err := graphann.Open(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 120, src.CountIndexed())
}

func TestQuantize_StaleGeneration(t *testing.T) {
	forceQuantization(t, true)
	rng := testutil.NewRNG(10)
	idx, path := builtIndex(t, graphann.NewProperties(4), rng.UniformVectors(40, 4))

	qidx, err := graphann.Quantize(idx, graphann.QuantizationParams{})
	require.NoError(t, err)
	require.NoError(t, qidx.Close())

	src, err := graphann.Open(path)
	require.NoError(t, err)
	_, err = src.InsertCommit([]float32{1, 2, 3, 4}, 1)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	_, err = graphann.OpenQuantized(path)
	assert.ErrorIs(t, err, graphann.ErrInvalidState)
}

func TestQuantize_SourceStaysOpenWhenOpenFails(t *testing.T) {
	forceQuantization(t, true)
	vectors := testutil.NewRNG(4).UniformVectors(32, 2)
	idx, path := builtIndex(t, graphann.NewProperties(2), vectors)

	restore := graphann.SetOpenQuantized(func(string) (*graphann.QuantizedIndex, error) {
		return nil, &graphann.Error{Kind: graphann.ErrCorruptFormat, Op: "open quantized"}
	})
	_, err := graphann.Quantize(idx, graphann.QuantizationParams{})
	restore()
	assert.ErrorIs(t, err, graphann.ErrCorruptFormat)

	assert.Equal(t, graphann.StateBuilt, idx.State())
	res, err := idx.Search(vectors[5], 1, 0.1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(6), res[0].ID)

	require.NoError(t, idx.Close())
	qidx, err := graphann.OpenQuantized(path)
	require.NoError(t, err)
	assert.NoError(t, qidx.Close())
}

func TestQuantize_UnsupportedHardware(t *testing.T) {
	forceQuantization(t, false)
	idx, path := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}})

	_, err := graphann.Quantize(idx, graphann.QuantizationParams{})
	assert.ErrorIs(t, err, graphann.ErrUnsupportedHardware)
	assert.Equal(t, 2, idx.CountInserted(), "input stays open")

	_, err = graphann.OpenQuantized(path)
	assert.ErrorIs(t, err, graphann.ErrUnsupportedHardware)

	_, err = os.Stat(filepath.Join(path, persistence.QuantizedDir))
	assert.True(t, os.IsNotExist(err))
}

func TestQuantize_Rejects(t *testing.T) {
	forceQuantization(t, true)

	t.Run("subvector dimension", func(t *testing.T) {
		idx, _ := builtIndex(t, graphann.NewProperties(3), [][]float32{{0, 0, 0}, {1, 1, 1}})
		_, err := graphann.Quantize(idx, graphann.QuantizationParams{SubvectorDimension: 2})
		assert.ErrorIs(t, err, graphann.ErrInvalidArgument)
		assert.Equal(t, graphann.StateBuilt, idx.State())
	})

	t.Run("negative", func(t *testing.T) {
		idx, _ := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}})
		_, err := graphann.Quantize(idx, graphann.QuantizationParams{MaxEdges: -1})
		assert.ErrorIs(t, err, graphann.ErrInvalidArgument)
	})

	t.Run("distance", func(t *testing.T) {
		props := graphann.NewProperties(8).WithObjectType(graphann.Uint8).WithDistanceType(graphann.Hamming)
		idx, _ := builtIndex(t, props, testutil.NewRNG(1).ByteVectors(10, 8))
		_, err := graphann.Quantize(idx, graphann.QuantizationParams{})
		assert.ErrorIs(t, err, graphann.ErrInvalidArgument)
	})

	t.Run("not built", func(t *testing.T) {
		idx, _ := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}})
		_, err := idx.Insert([]float32{2, 2})
		require.NoError(t, err)
		_, err = graphann.Quantize(idx, graphann.QuantizationParams{})
		assert.ErrorIs(t, err, graphann.ErrInvalidState)
	})

	t.Run("not persisted", func(t *testing.T) {
		idx, _ := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}, {2, 2}})
		require.NoError(t, idx.Remove(2))
		_, err := graphann.Quantize(idx, graphann.QuantizationParams{})
		assert.ErrorIs(t, err, graphann.ErrInvalidState)
	})

	t.Run("closed", func(t *testing.T) {
		idx, _ := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}})
		require.NoError(t, idx.Close())
		_, err := graphann.Quantize(idx, graphann.QuantizationParams{})
		assert.ErrorIs(t, err, graphann.ErrClosed)
	})

	t.Run("missing", func(t *testing.T) {
		_, path := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}})
		_, err := graphann.OpenQuantized(path)
		assert.ErrorIs(t, err, graphann.ErrNotFound)
	})
}

func TestQuantizedSearch_Arguments(t *testing.T) {
	forceQuantization(t, true)
	idx, _ := builtIndex(t, graphann.NewProperties(2), [][]float32{{0, 0}, {1, 1}, {2, 2}})
	qidx, err := graphann.Quantize(idx, graphann.QuantizationParams{})
	require.NoError(t, err)
	defer qidx.Close()

	_, err = qidx.Search(graphann.QuantizedQuery{Vector: []float32{0}})
	assert.ErrorIs(t, err, graphann.ErrDimensionMismatch)
	_, err = qidx.Search(graphann.QuantizedQuery{Vector: []float32{0, 0}, Size: -1})
	assert.ErrorIs(t, err, graphann.ErrInvalidArgument)
	_, err = qidx.Search(graphann.QuantizedQuery{Vector: []float32{0, 0}, ResultExpansion: 0.5})
	assert.ErrorIs(t, err, graphann.ErrInvalidArgument)

	res, err := qidx.Search(graphann.QuantizedQuery{Vector: []float32{0, 0}})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, uint32(1), res[0].ID)
}
