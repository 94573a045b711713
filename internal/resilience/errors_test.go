package resilience

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"validation", NewValidation("field", "bad"), IsValidation},
		{"not found", NewNotFound("conflict", "c1"), IsNotFound},
		{"invalid transition", &InvalidTransitionError{ConflictID: "c1", From: "resolved", To: "assigned"}, IsInvalidTransition},
		{"concurrent modification", &ConcurrentModificationError{ConflictID: "c1"}, IsConcurrentModification},
		{"dependency failure", NewDependencyFailure("store", errors.New("boom")), IsDependencyFailure},
	}

	preds := map[string]func(error) bool{
		"validation":              IsValidation,
		"not found":               IsNotFound,
		"invalid transition":      IsInvalidTransition,
		"concurrent modification": IsConcurrentModification,
		"dependency failure":      IsDependencyFailure,
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, pred := range preds {
				want := name == tt.name
				assert.Equal(t, want, pred(tt.err), "predicate %s on %s", name, tt.name)
			}
		})
	}
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	err := eris.Wrap(NewNotFound("conflict", "c1"), "lifecycle: assign")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
}

func TestDependencyFailure_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewDependencyFailure("store", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "store")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestValidationError_Message(t *testing.T) {
	assert.Equal(t, "validation: assigneeId: must not be empty", NewValidation("assigneeId", "must not be empty").Error())
	assert.Equal(t, "validation: empty batch", NewValidation("", "empty batch").Error())
}
