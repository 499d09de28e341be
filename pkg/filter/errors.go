package filter

import "fmt"

// NormalizeError is returned by NewNormalized when a filter set can never
// form a valid group.
type NormalizeError int

const (
	// ErrDuplicateDataSize: two different required lengths.
	ErrDuplicateDataSize NormalizeError = iota + 1
	// ErrConflictingMemcmp: one byte range required to hold two different patterns.
	ErrConflictingMemcmp
	// ErrEmpty: nothing left after dropping no-ops.
	ErrEmpty
)

func (e NormalizeError) Error() string {
	switch e {
	case ErrDuplicateDataSize:
		return "duplicate data size"
	case ErrConflictingMemcmp:
		return "non equal memcmp into one range"
	case ErrEmpty:
		return "empty filter vec"
	default:
		return fmt.Sprintf("NormalizeError(%d)", int(e))
	}
}
