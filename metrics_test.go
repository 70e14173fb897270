package graphann_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann"
)

func TestBasicMetricsCollector(t *testing.T) {
	m := &graphann.BasicMetricsCollector{}
	idx, _ := newIndex(t, graphann.NewProperties(2), graphann.WithMetricsCollector(m))

	_, err := idx.Insert([]float32{0, 0})
	require.NoError(t, err)
	_, err = idx.Insert([]float32{0})
	require.Error(t, err)
	_, err = idx.InsertBatch([][]float32{{1, 1}, {2, 2}})
	require.NoError(t, err)
	require.NoError(t, idx.Build(1))
	_, err = idx.Search([]float32{0, 0}, 2, 0.1, 0)
	require.NoError(t, err)
	_, err = idx.Search([]float32{0, 0}, 0, 0.1, 0)
	require.Error(t, err)
	require.NoError(t, idx.Remove(3))

	s := m.GetStats()
	assert.Equal(t, int64(2), s.InsertCount)
	assert.Equal(t, int64(1), s.InsertErrors)
	assert.Equal(t, int64(1), s.BatchInsertCount)
	assert.Equal(t, int64(2), s.BatchInsertItems)
	assert.Equal(t, int64(1), s.SearchCount)
	assert.Equal(t, int64(1), s.RemoveCount)
	assert.Equal(t, int64(1), s.BuildCount)
	assert.Equal(t, int64(3), s.BuildNodes)
	assert.Equal(t, int64(2), s.Live)
}

func TestNoopMetricsCollector(t *testing.T) {
	var mc graphann.MetricsCollector = graphann.NoopMetricsCollector{}
	mc.RecordSearch(1, 0, nil)
	mc.SetLive(1)

	idx, _ := newIndex(t, graphann.NewProperties(2), graphann.WithMetricsCollector(nil))
	_, err := idx.Insert([]float32{1, 2})
	require.NoError(t, err)
}
