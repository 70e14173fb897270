package graphann_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann"
	"github.com/hupe1980/graphann/testutil"
)

func TestReadableIndex_Conversions(t *testing.T) {
	rng := testutil.NewRNG(17)
	vectors := rng.UniformVectors(80, 4)
	idx, path := newIndex(t, graphann.NewProperties(4))
	_, err := idx.InsertBatch(vectors)
	require.NoError(t, err)
	require.NoError(t, idx.Build(2))

	r, err := graphann.IntoReadable(idx)
	require.NoError(t, err)
	_, err = idx.Insert(vectors[0])
	assert.ErrorIs(t, err, graphann.ErrClosed, "the writable handle is consumed")

	assert.Equal(t, path, r.Path())
	assert.Equal(t, 4, r.Properties().Dimension())
	assert.Equal(t, 80, r.CountInserted())
	assert.Equal(t, 80, r.CountIndexed())
	assert.Equal(t, graphann.StateBuilt, r.State())

	res, err := r.Search(vectors[10], 1, 0.2, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	exact, err := r.LinearSearch(vectors[10], 1)
	require.NoError(t, err)
	assert.Equal(t, exact[0].ID, res[0].ID)

	res, err = r.SearchQuery(graphann.Query{Vector: vectors[10], Size: 3})
	require.NoError(t, err)
	assert.Len(t, res, 3)

	got, err := r.Get(11)
	require.NoError(t, err)
	assert.Equal(t, vectors[10], got)

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, 80, stats.Live)

	w, err := graphann.IntoWritable(r)
	require.NoError(t, err)
	defer w.Close()
	_, err = r.Get(11)
	assert.ErrorIs(t, err, graphann.ErrClosed)

	id, err := w.Insert([]float32{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(81), id)
}

func TestIntoReadable_Closed(t *testing.T) {
	idx, _ := newIndex(t, graphann.NewProperties(2))
	require.NoError(t, idx.Close())
	_, err := graphann.IntoReadable(idx)
	assert.ErrorIs(t, err, graphann.ErrClosed)
}
