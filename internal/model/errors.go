package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError rejects an entity, relationship, or pair before any store
// I/O. Field names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// EndpointNotFoundError reports an operation that referenced a company node
// that does not exist. Relationship merges match endpoints, never create
// them; maintenance patches likewise refuse to touch absent nodes.
type EndpointNotFoundError struct {
	SourcePermID  int64
	TargetPermID  int64
	MissingSource bool
	MissingTarget bool
}

func (e *EndpointNotFoundError) Error() string {
	// Single-node form, used by maintenance operations.
	if e.TargetPermID == 0 {
		return "company not found: permid " + strconv.FormatInt(e.SourcePermID, 10)
	}

	var missing []string
	if e.MissingSource {
		missing = append(missing, "source "+strconv.FormatInt(e.SourcePermID, 10))
	}
	if e.MissingTarget {
		missing = append(missing, "target "+strconv.FormatInt(e.TargetPermID, 10))
	}
	if len(missing) == 0 {
		missing = append(missing,
			"source "+strconv.FormatInt(e.SourcePermID, 10),
			"target "+strconv.FormatInt(e.TargetPermID, 10))
	}
	return "relationship endpoint not found: " + strings.Join(missing, ", ")
}

// TransientStoreError marks a store failure worth retrying: connectivity
// loss, timeouts, leader switches, pool exhaustion. The retry layer treats
// this kind (and only error kinds classified transient) as retryable.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	if e.Err == nil {
		return "transient store error: " + e.Op
	}
	return fmt.Sprintf("transient store error: %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// ConstraintError reports a store-side constraint violation, typically a
// uniqueness race with a concurrent transaction. Not retryable by default.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Err == nil {
		return "constraint violation: " + e.Constraint
	}
	return fmt.Sprintf("constraint violation: %s: %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }
