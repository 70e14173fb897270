package graphann

import (
	"log/slog"

	"github.com/hupe1980/graphann/persistence"
)

// SearchPolicy decides what Search and Remove do while some live vectors
// are not yet indexed.
type SearchPolicy int

const (
	// PolicyStrict rejects Search and Remove with ErrInvalidState until
	// Build has indexed every live vector.
	PolicyStrict SearchPolicy = iota
	// PolicyPartial searches the indexed nodes only.
	PolicyPartial
)

func (p SearchPolicy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyPartial:
		return "partial"
	default:
		return "unknown"
	}
}

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	policy           SearchPolicy
	compression      persistence.Compression
	seedCount        int
}

// Option configures Create, Open and the other constructors.
type Option func(*options)

// WithMetricsCollector sends per-operation measurements to mc. A nil mc
// restores the no-op collector.
//
//	m := &graphann.BasicMetricsCollector{}
//	idx, _ := graphann.Open(path, graphann.WithMetricsCollector(m))
//	_, _ = idx.Search(query, 10, 0.1, -1)
//	fmt.Println(m.GetStats().SearchCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger routes operation logs to logger. A nil logger silences them.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithSearchPolicy selects how a partially built index answers Search and
// Remove. The default is PolicyStrict.
func WithSearchPolicy(p SearchPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithCompression selects the block compression of persisted sections.
// Readers detect the compression from the file, so it may differ between
// persists of the same index.
func WithCompression(c persistence.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithSeedCount fixes how many evenly spaced entry points a graph search
// starts from in addition to the seed tree. Values <= 0 keep the default,
// the square root of the indexed count clamped to [10, 64].
func WithSeedCount(n int) Option {
	return func(o *options) {
		o.seedCount = n
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		policy:           PolicyStrict,
		compression:      persistence.CompressionNone,
	}
	for _, apply := range optFns {
		if apply != nil {
			apply(&o)
		}
	}
	return o
}
