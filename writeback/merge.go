package writeback

import (
	"errors"
	"fmt"
)

// ErrSchemaMismatch is returned when a persisted or patch document carries a
// schema version different from the one this build understands.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// SchemaVersion tags a persisted document with the layout it was written
// with. Versions are compared for equality only. A mismatch is a fatal
// configuration error, never silently migrated.
type SchemaVersion uint32

// EnsureMatches returns ErrSchemaMismatch if other is not equal to v.
func (v SchemaVersion) EnsureMatches(other SchemaVersion) error {
	if v != other {
		return fmt.Errorf("%w: expected %d, got %d", ErrSchemaMismatch,
			v, other)
	}

	return nil
}

// Merger is implemented by composite documents that merge a patch into
// themselves field by field.
type Merger[T any] interface {
	Merge(patch T) error
}

// MergeField merges an optional field of a patch into dst. A nil patch keeps
// the old value. If both values are present and the type implements
// Merger[*T] the merge recurses into it, otherwise the patch value replaces
// the old one.
func MergeField[T any](dst **T, patch *T) error {
	if patch == nil {
		return nil
	}

	if *dst != nil {
		if m, ok := any(*dst).(Merger[*T]); ok {
			return m.Merge(patch)
		}
	}

	v := *patch
	*dst = &v

	return nil
}

// CloneField returns a shallow copy of an optional leaf field.
func CloneField[T any](v *T) *T {
	if v == nil {
		return nil
	}

	c := *v

	return &c
}
