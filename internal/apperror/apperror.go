// Package apperror defines the error taxonomy shared by every layer.
//
// ERROR KINDS:
// Each failure belongs to exactly one kind (a sentinel error). Callers branch on
// the kind with errors.Is, and on the precise outcome with the stable Code:
//
//	ErrValidation    malformed or missing input               → 400
//	ErrConflict      duplicate username / email               → 409
//	ErrNotFound      no such user / bot                       → 404
//	ErrAuth          bad credentials, unverified account      → 401
//	ErrForbidden     authenticated but not allowed (is ErrAuth) → 403
//	ErrExpiredToken  invalid or expired verification token    → 400
//	ErrDependency    email dispatch or store unavailable      → 503
//
// The HTTP mapping lives in the handler package; nothing here knows about HTTP.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrAuth         = errors.New("unauthorized")
	ErrForbidden    = fmt.Errorf("%w: forbidden", ErrAuth)
	ErrExpiredToken = errors.New("invalid or expired token")
	ErrDependency   = errors.New("dependency unavailable")
)

// Stable outcome codes. These are part of the API contract: clients match on
// them, so existing values never change meaning.
const (
	CodeInvalidInput          = "invalid_input"
	CodeMissingFields         = "missing_fields"
	CodeUsernameTaken         = "username_taken"
	CodeEmailTaken            = "email_taken"
	CodeInvalidOrExpiredToken = "invalid_or_expired_token"
	CodeUserNotFound          = "user_not_found"
	CodeAlreadyVerified       = "already_verified"
	CodeInvalidCredentials    = "invalid_credentials"
	CodeEmailNotVerified      = "email_not_verified"
	CodeOwnerNotVerified      = "owner_not_verified"
	CodeNotAuthorized         = "not_authorized"
	CodeUnauthenticated       = "unauthenticated"
	CodeNotFound              = "not_found"
	CodeInvalidURL            = "invalid_url"
	CodeInvalidLogo           = "invalid_logo"
	CodeEmailDispatchFailed   = "email_dispatch_failed"
	CodeStoreUnavailable      = "store_unavailable"
)

// AppError is a typed application error.
//
// Err is the kind (one of the sentinels above), Code the precise outcome and
// Message the human-readable text returned to API callers. Field names the
// offending input for validation errors. cause keeps the underlying error
// (for example the SMTP failure) reachable via errors.As without exposing it
// in Message.
type AppError struct {
	Err     error
	Code    string
	Message string
	Field   string
	cause   error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the underlying cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.cause}
}

// WithCause returns a copy of e that also wraps cause.
func (e *AppError) WithCause(cause error) *AppError {
	c := *e
	c.cause = cause
	return &c
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// UserNotFound reports that no account is registered for an email address.
func UserNotFound() *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Code:    CodeUserNotFound,
		Message: "no account is registered with that email",
	}
}

// ValidationFailed reports bad input on a single field.
func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Code:    CodeInvalidInput,
		Message: message,
		Field:   field,
	}
}

// Invalid is ValidationFailed with a specific outcome code.
func Invalid(code, field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Code:    code,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness violation.
func Conflict(code, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Code:    code,
		Message: message,
	}
}

// Unauthorized reports a failed authentication. The message must never say
// which half of a credential pair was wrong.
func Unauthorized(code, message string) *AppError {
	return &AppError{
		Err:     ErrAuth,
		Code:    code,
		Message: message,
	}
}

// Forbidden reports that the caller is known but may not perform the action.
// errors.Is(err, ErrAuth) also holds for these.
func Forbidden(code, message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Code:    code,
		Message: message,
	}
}

// InvalidToken reports a verification token or code that is tampered,
// superseded, unknown or past its expiry.
func InvalidToken(message string) *AppError {
	return &AppError{
		Err:     ErrExpiredToken,
		Code:    CodeInvalidOrExpiredToken,
		Message: message,
	}
}

// Dependency reports a failed collaborator (mail server, object store, database).
func Dependency(code, message string, cause error) *AppError {
	return &AppError{
		Err:     ErrDependency,
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// CodeOf returns the outcome code carried anywhere in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
