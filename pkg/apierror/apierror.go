// Package apierror defines the coded errors surfaced by the gateway. Every
// failure a caller can observe carries an HTTP status and a stable
// machine-readable code.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeSuccess             = "common.success"
	CodeValidation          = "common.validation"
	CodeInternal            = "common.internal_error"
	CodeTokenInvalid        = "agent.token_invalid"
	CodeTokenExpired        = "agent.token_expired"
	CodeForbidden           = "agent.forbidden"
	CodeScopeDenied         = "agent.scope_denied"
	CodePolicyDenied        = "agent.policy_denied"
	CodeActionUnknown       = "agent.action_unknown"
	CodeActionInvalid       = "agent.action_invalid"
	CodeDraftNotFound       = "agent.draft_not_found"
	CodeDraftAlreadyFinal   = "agent.draft_already_final"
	CodePreflightRequired   = "agent.preflight_required"
	CodePreflightMismatch   = "agent.preflight_mismatch"
	CodePreflightNotFound   = "agent.preflight_not_found"
	CodePreconditionFailed  = "agent.precondition_failed"
	CodeIdempotencyRequired = "agent.idempotency_required"
	CodeIdempotencyReplay   = "agent.idempotency_replay"
	CodeAutoExecuteDisabled = "agent.auto_execute_disabled"
	CodeAutoExecuteDenied   = "agent.auto_execute_denied"
	CodeAutoExecuteExpired  = "agent.auto_execute_expired"
	CodeRateLimited         = "agent.rate_limited"
	CodeNotFound            = "agent.not_found"
)

// Error is a failure with an HTTP status and a stable code.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Validation is a 400 common.validation error.
func Validation(message string) *Error {
	return New(http.StatusBadRequest, CodeValidation, message)
}

// TokenInvalid is a 401 agent.token_invalid error.
func TokenInvalid(message string) *Error {
	return New(http.StatusUnauthorized, CodeTokenInvalid, message)
}

// TokenExpired is a 401 agent.token_expired error.
func TokenExpired(message string) *Error {
	return New(http.StatusUnauthorized, CodeTokenExpired, message)
}

// Forbidden is a 403 agent.forbidden error.
func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

// ScopeDenied is a 403 agent.scope_denied error.
func ScopeDenied(message string) *Error {
	return New(http.StatusForbidden, CodeScopeDenied, message)
}

// PolicyDenied is a 403 agent.policy_denied error.
func PolicyDenied(message string) *Error {
	return New(http.StatusForbidden, CodePolicyDenied, message)
}

// ActionUnknown is a 400 agent.action_unknown error.
func ActionUnknown(message string) *Error {
	return New(http.StatusBadRequest, CodeActionUnknown, message)
}

// ActionInvalid is a 400 agent.action_invalid error.
func ActionInvalid(message string) *Error {
	return New(http.StatusBadRequest, CodeActionInvalid, message)
}

// NotFound is a 404 agent.not_found error.
func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

// DraftNotFound is a 404 agent.draft_not_found error.
func DraftNotFound(message string) *Error {
	return New(http.StatusNotFound, CodeDraftNotFound, message)
}

// RateLimited is a 429 agent.rate_limited error.
func RateLimited(message string) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimited, message)
}

// BadRequest is a 400 error with an arbitrary code, used for the
// action-state and preflight failures.
func BadRequest(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

// Internal is the opaque 500 error. The cause is never exposed.
func Internal() *Error {
	return New(http.StatusInternalServerError, CodeInternal, "Internal server error")
}

// From resolves err to a coded Error. Errors without a code anywhere in
// their chain become Internal; ok is false in that case so callers can log
// the cause.
func From(err error) (e *Error, ok bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return Internal(), false
}

// Is reports whether err carries code.
func Is(err error, code string) bool {
	var coded *Error
	return errors.As(err, &coded) && coded.Code == code
}
