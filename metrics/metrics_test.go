package metrics_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann"
	"github.com/hupe1980/graphann/metrics"
)

var _ graphann.MetricsCollector = (*metrics.PrometheusCollector)(nil)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewPrometheusCollector(reg, metrics.Options{ConstLabels: prometheus.Labels{"index": "test"}})

	c.RecordInsert(time.Millisecond, nil)
	c.RecordInsert(time.Millisecond, errors.New("boom"))
	c.RecordBatchInsert(5, time.Millisecond, nil)
	c.RecordSearch(10, time.Millisecond, nil)
	c.RecordRemove(time.Millisecond, nil)
	c.RecordBuild(7, time.Millisecond, nil)
	c.SetLive(42)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := byName(families)
	for _, name := range []string{
		"graphann_operation_duration_seconds",
		"graphann_operations_total",
		"graphann_batch_insert_vectors_total",
		"graphann_search_k",
		"graphann_build_nodes_total",
		"graphann_live_vectors",
	} {
		assert.Contains(t, names, name)
	}

	ops := names["graphann_operations_total"]
	require.NotNil(t, ops)
	assert.Len(t, ops.GetMetric(), 6, "one series per op and status")

	live := names["graphann_live_vectors"]
	require.NotNil(t, live)
	require.Len(t, live.GetMetric(), 1)
	assert.Equal(t, 42.0, live.GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, "index", live.GetMetric()[0].GetLabel()[0].GetName())

	batch := names["graphann_batch_insert_vectors_total"]
	require.NotNil(t, batch)
	assert.Equal(t, 5.0, batch.GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusCollector_WithIndex(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewPrometheusCollector(reg, metrics.Options{Namespace: "ann"})

	path := filepath.Join(t.TempDir(), "idx")
	idx, err := graphann.Create(path, graphann.NewProperties(3), graphann.WithMetricsCollector(c))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.InsertBatch([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	require.NoError(t, idx.Build(2))
	_, err = idx.Search([]float32{1, 2, 3}, 1, 0.1, 0)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	live := byName(families)["ann_live_vectors"]
	require.NotNil(t, live)
	assert.Equal(t, 2.0, live.GetMetric()[0].GetGauge().GetValue())

	built := byName(families)["ann_build_nodes_total"]
	require.NotNil(t, built)
	assert.Equal(t, 2.0, built.GetMetric()[0].GetCounter().GetValue())
}

func byName(families []*dto.MetricFamily) map[string]*dto.MetricFamily {
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}
