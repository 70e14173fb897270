package graphann

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives one call per index operation. The metrics
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordInsert is called after each single insert.
	RecordInsert(duration time.Duration, err error)

	// RecordBatchInsert is called after each batch insert. count is the
	// number of vectors in the batch.
	RecordBatchInsert(count int, duration time.Duration, err error)

	// RecordSearch is called after each search. k is the number of neighbors
	// requested.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordRemove is called after each remove.
	RecordRemove(duration time.Duration, err error)

	// RecordBuild is called after each build pass. nodes is the number of
	// nodes indexed by the pass.
	RecordBuild(nodes int, duration time.Duration, err error)

	// SetLive reports the current number of live vectors.
	SetLive(n int)
}

// NoopMetricsCollector ignores every call. It is the default.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)           {}
func (NoopMetricsCollector) RecordBatchInsert(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)           {}
func (NoopMetricsCollector) RecordBuild(int, time.Duration, error)       {}
func (NoopMetricsCollector) SetLive(int)                                 {}

// BasicMetricsCollector keeps counters in memory. The zero value is ready to
// use and safe for concurrent use.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	BatchInsertCount atomic.Int64
	BatchInsertItems atomic.Int64
	BatchInsertFails atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	RemoveCount      atomic.Int64
	RemoveErrors     atomic.Int64
	BuildCount       atomic.Int64
	BuildNodes       atomic.Int64
	BuildErrors      atomic.Int64
	Live             atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBatchInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchInsert(count int, duration time.Duration, err error) {
	b.BatchInsertCount.Add(1)
	if err != nil {
		b.BatchInsertFails.Add(1)
		return
	}
	b.BatchInsertItems.Add(int64(count))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(nodes int, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildNodes.Add(int64(nodes))
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// SetLive implements MetricsCollector.
func (b *BasicMetricsCollector) SetLive(n int) {
	b.Live.Store(int64(n))
}

// GetStats returns a point-in-time copy of the counters with average
// latencies in nanoseconds.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:      b.InsertCount.Load(),
		InsertErrors:     b.InsertErrors.Load(),
		InsertAvgNanos:   avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		BatchInsertCount: b.BatchInsertCount.Load(),
		BatchInsertItems: b.BatchInsertItems.Load(),
		BatchInsertFails: b.BatchInsertFails.Load(),
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		RemoveCount:      b.RemoveCount.Load(),
		RemoveErrors:     b.RemoveErrors.Load(),
		BuildCount:       b.BuildCount.Load(),
		BuildNodes:       b.BuildNodes.Load(),
		BuildErrors:      b.BuildErrors.Load(),
		Live:             b.Live.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is returned by BasicMetricsCollector.GetStats.
type BasicMetricsStats struct {
	InsertCount      int64
	InsertErrors     int64
	InsertAvgNanos   int64
	BatchInsertCount int64
	BatchInsertItems int64
	BatchInsertFails int64
	SearchCount      int64
	SearchErrors     int64
	SearchAvgNanos   int64
	RemoveCount      int64
	RemoveErrors     int64
	BuildCount       int64
	BuildNodes       int64
	BuildErrors      int64
	Live             int64
}
