package graphann

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with index-specific helpers so that every
// operation logs with the same field names.
type Logger struct {
	*slog.Logger
}

// NewLogger returns a Logger writing to handler. A nil handler logs text at
// Info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(slog.LevelInfo)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger returns a Logger writing JSON records at level or above to
// stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger returns a Logger writing key=value records at level or above
// to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}
}

// NoopLogger returns a Logger that drops every record. It is the default.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithPath adds the index path to every record.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// LogInsert records a single insert.
func (l *Logger) LogInsert(ctx context.Context, id uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "error", err)
		return
	}
	l.DebugContext(ctx, "insert completed", "id", id)
}

// LogBatchInsert records a batch insert of count vectors.
func (l *Logger) LogBatchInsert(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch insert rejected", "count", count, "error", err)
		return
	}
	l.DebugContext(ctx, "batch insert completed", "count", count)
}

// LogSearch records a search for k neighbors that returned found results.
func (l *Logger) LogSearch(ctx context.Context, k, found int, err error) {
	if err != nil {
		l.DebugContext(ctx, "search failed", "k", k, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed", "k", k, "results", found)
}

// LogRemove records the removal of id.
func (l *Logger) LogRemove(ctx context.Context, id uint32, err error) {
	if err != nil {
		l.DebugContext(ctx, "remove failed", "id", id, "error", err)
		return
	}
	l.DebugContext(ctx, "remove completed", "id", id)
}

// LogBuild logs a build pass.
func (l *Logger) LogBuild(ctx context.Context, nodes, threads int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"nodes", nodes,
			"threads", threads,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "build completed",
		"nodes", nodes,
		"threads", threads,
		"elapsed", elapsed,
	)
}

// LogPersist records a persist with the live and indexed counts written.
func (l *Logger) LogPersist(ctx context.Context, live, indexed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "persist failed", "error", err)
		return
	}
	l.InfoContext(ctx, "index persisted",
		"live", live,
		"indexed", indexed,
	)
}

// LogOpen logs opening an index directory.
func (l *Logger) LogOpen(ctx context.Context, live, indexed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed", "error", err)
		return
	}
	l.InfoContext(ctx, "index opened",
		"live", live,
		"indexed", indexed,
	)
}

// LogOptimize logs an offline optimizer pass. attrs are appended on success.
func (l *Logger) LogOptimize(ctx context.Context, pass string, elapsed time.Duration, err error, attrs ...any) {
	if err != nil {
		l.ErrorContext(ctx, "optimize failed", "pass", pass, "error", err)
		return
	}
	l.InfoContext(ctx, "optimize completed", append([]any{"pass", pass, "elapsed", elapsed}, attrs...)...)
}
