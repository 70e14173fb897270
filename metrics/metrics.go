// Package metrics exports index operations to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Options configures a PrometheusCollector.
type Options struct {
	// Namespace prefixes every metric name. Empty means "graphann".
	Namespace string
	// ConstLabels are attached to every metric, e.g. the index name.
	ConstLabels prometheus.Labels
	// Buckets are the latency histogram buckets in seconds.
	// Nil uses prometheus.DefBuckets.
	Buckets []float64
}

// PrometheusCollector implements graphann.MetricsCollector.
type PrometheusCollector struct {
	latency     *prometheus.HistogramVec
	operations  *prometheus.CounterVec
	batchItems  prometheus.Counter
	searchK     prometheus.Histogram
	builtNodes  prometheus.Counter
	liveVectors prometheus.Gauge
}

// NewPrometheusCollector creates the collector and registers its metrics on
// reg. A nil reg uses prometheus.DefaultRegisterer. It panics if a metric
// with the same name is already registered.
func NewPrometheusCollector(reg prometheus.Registerer, opts Options) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if opts.Namespace == "" {
		opts.Namespace = "graphann"
	}
	if opts.Buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Latency of index operations.",
			ConstLabels: opts.ConstLabels,
			Buckets:     opts.Buckets,
		}, []string{"op", "status"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "operations_total",
			Help:        "Index operations by type and outcome.",
			ConstLabels: opts.ConstLabels,
		}, []string{"op", "status"}),
		batchItems: f.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "batch_insert_vectors_total",
			Help:        "Vectors submitted through batch inserts.",
			ConstLabels: opts.ConstLabels,
		}),
		searchK: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "search_k",
			Help:        "Number of neighbors requested per search.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		builtNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "build_nodes_total",
			Help:        "Nodes indexed by build passes.",
			ConstLabels: opts.ConstLabels,
		}),
		liveVectors: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "live_vectors",
			Help:        "Live vectors in the index.",
			ConstLabels: opts.ConstLabels,
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *PrometheusCollector) observe(op string, d time.Duration, err error) {
	s := status(err)
	c.latency.WithLabelValues(op, s).Observe(d.Seconds())
	c.operations.WithLabelValues(op, s).Inc()
}

// RecordInsert records a single insert.
func (c *PrometheusCollector) RecordInsert(d time.Duration, err error) {
	c.observe("insert", d, err)
}

// RecordBatchInsert records a batch insert of count vectors.
func (c *PrometheusCollector) RecordBatchInsert(count int, d time.Duration, err error) {
	c.observe("batch_insert", d, err)
	if err == nil {
		c.batchItems.Add(float64(count))
	}
}

// RecordSearch records a search for k neighbors.
func (c *PrometheusCollector) RecordSearch(k int, d time.Duration, err error) {
	c.observe("search", d, err)
	c.searchK.Observe(float64(k))
}

// RecordRemove records a remove.
func (c *PrometheusCollector) RecordRemove(d time.Duration, err error) {
	c.observe("remove", d, err)
}

// RecordBuild records a build pass over nodes.
func (c *PrometheusCollector) RecordBuild(nodes int, d time.Duration, err error) {
	c.observe("build", d, err)
	if err == nil {
		c.builtNodes.Add(float64(nodes))
	}
}

// SetLive sets the live vector gauge.
func (c *PrometheusCollector) SetLive(n int) {
	c.liveVectors.Set(float64(n))
}
