// ABOUTME: Typed error taxonomy shared by the registry, queue, reconciler, and dispatch layers
// ABOUTME: Maps each error kind to a stable code and HTTP status for API responses

package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")

	// ErrTaskOwnership is a precondition failure raised when an agent reports
	// on a task it does not own.
	ErrTaskOwnership = fmt.Errorf("%w: task does not belong to agent", ErrPrecondition)
)

// Error is a classified error with a caller-facing message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == ErrInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches the error's kind as well as any kind it wraps.
func (e *Error) Is(target error) bool {
	return e.Kind == target || errors.Is(e.Kind, target)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown agent, task, or deployment.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// Precondition reports a request that is well formed but not allowed in the current state.
func Precondition(format string, args ...any) error {
	return newError(ErrPrecondition, format, args...)
}

// Validation reports a malformed request.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// Conflict reports a write that contradicts already-settled state.
func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(format string, args ...any) error {
	return newError(ErrUnauthorized, format, args...)
}

// Ownership reports a task/agent mismatch on result reporting.
func Ownership(taskID, agentID string) error {
	return newError(ErrTaskOwnership, "task %s does not belong to agent %s", taskID, agentID)
}

// Internal wraps an unexpected failure such as a storage error.
func Internal(err error, msg string) error {
	return &Error{Kind: ErrInternal, Message: msg, Err: err}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTaskOwnership):
		return "task_ownership"
	case errors.Is(err, ErrPrecondition):
		return "precondition_failed"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the response status an API handler should use.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTaskOwnership):
		return http.StatusBadRequest
	case errors.Is(err, ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-safe message for err. Internal causes are hidden.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if errors.Is(fe.Kind, ErrInternal) {
			return "internal error"
		}
		return fe.Message
	}
	return "internal error"
}
