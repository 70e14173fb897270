package graphann

import (
	"errors"
	"fmt"
	"os"

	"github.com/hupe1980/graphann/internal/blob"
	"github.com/hupe1980/graphann/internal/graph"
	"github.com/hupe1980/graphann/internal/objectspace"
	"github.com/hupe1980/graphann/internal/quantization"
	"github.com/hupe1980/graphann/persistence"
)

// Error kinds. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	// ErrDimensionMismatch is returned when a vector length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFound is returned for unknown or removed ids and missing index paths.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current index state, e.g. searching before build.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupportedHardware is returned when the host lacks the vector
	// instructions quantized indexes need.
	ErrUnsupportedHardware = errors.New("unsupported hardware")
	// ErrCorruptFormat is returned when persisted files cannot be decoded.
	ErrCorruptFormat = errors.New("corrupt format")
	// ErrCapacityExceeded is returned when ids or sizes overflow.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidArgument is returned for out-of-range parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by every method of a closed index.
	ErrClosed = errors.New("index closed")
)

// Error carries the kind of a failure, the operation that failed and the
// underlying cause.
//
// errors.Is matches Kind; errors.Unwrap returns Err.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("graphann: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("graphann: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// translateError normalizes errors from the internal packages into *Error.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	if e, ok := err.(*Error); ok {
		return e
	}

	kind := classify(err)
	if kind == err {
		return &Error{Kind: kind, Op: op}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func classify(err error) error {
	for _, kind := range []error{
		ErrDimensionMismatch, ErrNotFound, ErrInvalidState, ErrUnsupportedHardware,
		ErrCorruptFormat, ErrCapacityExceeded, ErrInvalidArgument, ErrClosed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	var dm *objectspace.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return ErrDimensionMismatch
	}
	if errors.Is(err, objectspace.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if errors.Is(err, objectspace.ErrCapacityExceeded) {
		return ErrCapacityExceeded
	}
	if errors.Is(err, objectspace.ErrInvalidConfig) || errors.Is(err, blob.ErrConfig) {
		return ErrInvalidArgument
	}

	var cm *persistence.ChecksumMismatchError
	if errors.As(err, &cm) ||
		errors.Is(err, objectspace.ErrCorrupt) ||
		errors.Is(err, graph.ErrCorrupt) ||
		errors.Is(err, blob.ErrCorrupt) ||
		errors.Is(err, quantization.ErrCorrupt) ||
		errors.Is(err, persistence.ErrInvalidMagic) ||
		errors.Is(err, persistence.ErrInvalidVersion) ||
		errors.Is(err, persistence.ErrSectionKind) ||
		errors.Is(err, persistence.ErrTruncated) ||
		errors.Is(err, persistence.ErrSectionSize) ||
		errors.Is(err, persistence.ErrInvalidProperties) {
		return ErrCorruptFormat
	}

	// I/O failures and cancellation keep their cause reachable through Unwrap.
	return ErrInvalidState
}
