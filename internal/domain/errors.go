// Package domain provides the error taxonomy and paging contract shared by the
// identity and prescription packages.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrProfileNotFound = errors.New("profile not found")
	ErrAlreadyConsumed = errors.New("prescription already consumed")
	ErrInternal        = errors.New("internal failure")

	// ErrUnauthenticated covers rejected credentials at login and tokens
	// whose user is gone.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	// ErrPageOutOfRange is a validation failure raised by strict paging.
	ErrPageOutOfRange = fmt.Errorf("%w: page out of range", ErrValidation)
)

// Error is a classified failure carrying a caller-facing message.
// The cause, when set, is kept for errors.Is but never rendered.
type Error struct {
	Kind    error
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed or out-of-range input.
func Validationf(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// NotFoundf reports an absent entity, or one the caller may not see.
func NotFoundf(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// Conflictf reports a uniqueness violation.
func Conflictf(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

// ProfileNotFoundf reports a principal lacking the profile an operation needs.
func ProfileNotFoundf(format string, args ...any) error {
	return newError(ErrProfileNotFound, format, args...)
}

// AlreadyConsumedf reports a consume on a prescription that is not pending.
func AlreadyConsumedf(format string, args ...any) error {
	return newError(ErrAlreadyConsumed, format, args...)
}

// Unauthenticatedf reports rejected credentials.
func Unauthenticatedf(format string, args ...any) error {
	return newError(ErrUnauthenticated, format, args...)
}

// Forbiddenf reports a caller acting on a resource it does not own.
func Forbiddenf(format string, args ...any) error {
	return newError(ErrForbidden, format, args...)
}

// Internal hides cause behind a generic InternalFailure.
func Internal(cause error) error {
	return &Error{Kind: ErrInternal, Message: "internal server error", cause: cause}
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	var de *Error
	return errors.As(err, &de)
}
