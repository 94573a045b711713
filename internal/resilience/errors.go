package resilience

import (
	"errors"
	"fmt"
)

// ValidationError signals malformed input to an engine operation. It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError for the given field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError signals an unknown resource ID. Cross-organization access
// is reported identically so callers cannot probe for existence.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFound creates a NotFoundError for the given resource and ID.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidTransitionError signals a lifecycle rule violation. The conflict's
// status is unchanged when this error is returned.
type InvalidTransitionError struct {
	ConflictID string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for conflict %s: %s -> %s", e.ConflictID, e.From, e.To)
}

// ConcurrentModificationError signals a lost race on a single conflict.
// The caller should re-read and retry the whole operation.
type ConcurrentModificationError struct {
	ConflictID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("conflict %s was modified concurrently", e.ConflictID)
}

// DependencyFailure wraps a record-store or repository I/O failure. The run
// aborts and the caller may retry the entire analysis, since conflict
// upserts are idempotent by natural key.
type DependencyFailure struct {
	Op  string
	Err error
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("dependency failure in %s: %v", e.Op, e.Err)
}

func (e *DependencyFailure) Unwrap() error {
	return e.Err
}

// NewDependencyFailure wraps err as a DependencyFailure for the named op.
func NewDependencyFailure(op string, err error) *DependencyFailure {
	return &DependencyFailure{Op: op, Err: err}
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidTransition reports whether err carries an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsConcurrentModification reports whether err carries a
// ConcurrentModificationError.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDependencyFailure reports whether err carries a DependencyFailure.
func IsDependencyFailure(err error) bool {
	var df *DependencyFailure
	return errors.As(err, &df)
}
