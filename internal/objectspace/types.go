package objectspace

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectType is the element type of stored payloads.
//
// The numeric values are part of the on-disk property format and must not change.
type ObjectType uint8

const (
	Uint8   ObjectType = 1
	Float32 ObjectType = 2
	Float16 ObjectType = 3
)

func (t ObjectType) String() string {
	switch t {
	case Uint8:
		return "Uint8"
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Size returns the number of bytes per element.
func (t ObjectType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// Valid reports whether t is a supported object type.
func (t ObjectType) Valid() bool {
	return t.Size() > 0
}

// ParseObjectType parses the name produced by ObjectType.String (case-insensitive).
func ParseObjectType(s string) (ObjectType, error) {
	for _, t := range []ObjectType{Uint8, Float32, Float16} {
		if strings.EqualFold(t.String(), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}

var (
	// ErrNotFound is returned for ids that were never assigned or are tombstoned.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidConfig is returned for unsupported dimension/type/distance combinations.
	ErrInvalidConfig = errors.New("invalid object space configuration")

	// ErrCapacityExceeded is returned when the id space is exhausted.
	ErrCapacityExceeded = errors.New("object id space exhausted")

	// ErrCorrupt is returned when a serialized object space cannot be decoded.
	ErrCorrupt = errors.New("corrupt object space")
)

// ErrDimensionMismatch is returned when a vector does not have the configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func notFound(id uint32) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}
