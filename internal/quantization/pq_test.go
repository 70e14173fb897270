package quantization

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann/distance"
)

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestNewProductQuantizerValidation(t *testing.T) {
	_, err := NewProductQuantizer(0, 1, 16)
	assert.Error(t, err)
	_, err = NewProductQuantizer(10, 3, 16)
	assert.Error(t, err)
	_, err = NewProductQuantizer(8, 2, 0)
	assert.Error(t, err)
	_, err = NewProductQuantizer(8, 2, 257)
	assert.Error(t, err)

	pq, err := NewProductQuantizer(8, 2, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, pq.NumSubvectors())
	assert.InDelta(t, 8.0, pq.CompressionRatio(), 1e-9)
}

func TestEncodeBeforeTrain(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 4)
	require.NoError(t, err)
	_, err = pq.Encode([]float32{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = pq.BuildDistanceTable([]float32{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestExactWhenCentroidsCoverData(t *testing.T) {
	vecs := randomVectors(32, 4, 1)
	pq, err := NewProductQuantizer(4, 1, 64)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), vecs, 7))
	assert.Equal(t, 32, pq.NumCentroids())

	for _, v := range vecs {
		codes, err := pq.Encode(v)
		require.NoError(t, err)
		dec, err := pq.Decode(codes)
		require.NoError(t, err)
		assert.InDeltaSlice(t, v, dec, 1e-5)
	}
}

func TestAdcMatchesDecodedDistance(t *testing.T) {
	vecs := randomVectors(200, 8, 2)
	pq, err := NewProductQuantizer(8, 2, 16)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), vecs, 11))

	query := randomVectors(1, 8, 3)[0]
	table, err := pq.BuildDistanceTable(query)
	require.NoError(t, err)

	for _, v := range vecs[:20] {
		codes, err := pq.Encode(v)
		require.NoError(t, err)
		dec, err := pq.Decode(codes)
		require.NoError(t, err)
		assert.InDelta(t, distance.SquaredL2(query, dec), pq.AdcDistance(table, codes), 1e-4)
	}
}

func TestTrainDimensionMismatch(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 4)
	require.NoError(t, err)
	err = pq.Train(context.Background(), [][]float32{{1, 2, 3}}, 1)
	assert.Error(t, err)
	err = pq.Train(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestSerializeRoundTrip(t *testing.T) {
	vecs := randomVectors(50, 6, 4)
	pq, err := NewProductQuantizer(6, 3, 8)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), vecs, 5))

	var buf bytes.Buffer
	_, err = pq.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadProductQuantizer(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	for _, v := range vecs[:5] {
		a, _ := pq.Encode(v)
		b, err := got.Encode(v)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}

	_, err = ReadProductQuantizer(bytes.NewReader(buf.Bytes()[:20]))
	assert.ErrorIs(t, err, ErrCorrupt)
}
