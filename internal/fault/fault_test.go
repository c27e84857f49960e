// ABOUTME: Tests for the typed error taxonomy
// ABOUTME: Verifies errors.Is matching, HTTP status mapping, and message redaction

package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"not found", NotFound("agent %q not found", "a1"), ErrNotFound},
		{"precondition", Precondition("agent is not online (status: %s)", "offline"), ErrPrecondition},
		{"validation", Validation("unknown task type %q", "bogus"), ErrValidation},
		{"conflict", Conflict("task already failed"), ErrConflict},
		{"unauthorized", Unauthorized("invalid agent token"), ErrUnauthorized},
		{"internal", Internal(errors.New("disk full"), "creating task"), ErrInternal},
		{"ownership", Ownership("t1", "a2"), ErrTaskOwnership},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			wrapped := fmt.Errorf("handler: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
		})
	}
}

func TestOwnershipIsAlsoPrecondition(t *testing.T) {
	err := Ownership("t1", "a2")
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusPreconditionFailed, HTTPStatus(Precondition("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Ownership("t", "a")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Unauthorized("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Internal(nil, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "not_found", Code(NotFound("x")))
	assert.Equal(t, "task_ownership", Code(Ownership("t", "a")))
	assert.Equal(t, "precondition_failed", Code(Precondition("x")))
	assert.Equal(t, "validation_error", Code(Validation("x")))
	assert.Equal(t, "conflict", Code(Conflict("x")))
	assert.Equal(t, "unauthorized", Code(Unauthorized("x")))
	assert.Equal(t, "internal_error", Code(errors.New("plain")))
}

func TestMessageHidesInternalCause(t *testing.T) {
	err := Internal(errors.New("database is locked"), "updating task")
	assert.Equal(t, "internal error", Message(err))
	assert.Contains(t, err.Error(), "database is locked")

	assert.Equal(t, "agent is not online (status: offline)",
		Message(Precondition("agent is not online (status: %s)", "offline")))
	assert.Equal(t, "internal error", Message(errors.New("raw")))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(cause, "x")
	assert.ErrorIs(t, err, cause)
}
