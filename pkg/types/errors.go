package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures surfaced to the HTTP and socket boundaries.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindForbidden  ErrorKind = "forbidden"
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
)

// AppError is a typed failure with a stable reason code.
type AppError struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NotFound(reason, message string) error {
	return &AppError{Kind: KindNotFound, Reason: reason, Message: message}
}

func Forbidden(reason, message string) error {
	return &AppError{Kind: KindForbidden, Reason: reason, Message: message}
}

func Validation(reason, message string) error {
	return &AppError{Kind: KindValidation, Reason: reason, Message: message}
}

func Conflict(reason, message string) error {
	return &AppError{Kind: KindConflict, Reason: reason, Message: message}
}

// Internal wraps an unexpected failure, usually from persistence.
func Internal(err error, message string) error {
	return &AppError{Kind: KindInternal, Reason: "internal_error", Message: message, Err: err}
}

// AsAppError extracts the AppError from err, wrapping anything else as internal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if appErr, ok := errors.Cause(err).(*AppError); ok {
		return appErr
	}
	return &AppError{Kind: KindInternal, Reason: "internal_error", Message: "internal server error", Err: err}
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	return AsAppError(err).Kind
}

// Common errors.
var (
	ErrClassNotFound  = NotFound("class_not_found", "class not found")
	ErrUserNotFound   = NotFound("user_not_found", "user not found")
	ErrClassInactive  = Validation("class_inactive", "this class is not currently active")
	ErrNotInClass     = Forbidden("not_in_class", "you are not in this class")
	ErrNotAMember     = Forbidden("not_a_member", "you are not a member of this class")
	ErrBanned         = Forbidden("banned", "you are banned from this class")
	ErrNotAuthorized  = Forbidden("insufficient_permissions", "you do not have permission to do that")
	ErrAlreadyInClass = Validation("already_in_class", "you are already in that class")
)
