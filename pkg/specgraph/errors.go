package specgraph

import (
	"errors"
	"fmt"
)

// ValidationError reports a schema or referential-integrity violation in a
// change set. Validation failures are terminal: the pipeline never retries
// them.
type ValidationError struct {
	EntityID string // Entity the violation was found on, if any
	Field    string // Offending field, if the violation is field-level
	Reason   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.EntityID != "" && e.Field != "":
		return fmt.Sprintf("validation failed for entity %q field %q: %s", e.EntityID, e.Field, e.Reason)
	case e.EntityID != "":
		return fmt.Sprintf("validation failed for entity %q: %s", e.EntityID, e.Reason)
	default:
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
}

// VersionConflict reports an optimistic-concurrency collision: the caller's
// expected entity revision no longer matches the current one. Callers may
// retry once after recomputing their touched set against the fresh graph.
type VersionConflict struct {
	EntityID string
	Expected int64
	Actual   int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on entity %q: expected revision %d, found %d",
		e.EntityID, e.Expected, e.Actual)
}

// IsValidationError checks if an error is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsVersionConflict checks if an error is (or wraps) a VersionConflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflict
	return errors.As(err, &vc)
}
