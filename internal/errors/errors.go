// Package errors defines the typed errors shared across the task service.
// Callers branch on the error kind instead of matching message strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindProvider          Kind = "provider_error"
	KindTimeout           Kind = "timeout"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func StoreUnavailable(msg string, cause error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: msg, Cause: cause}
}

func Provider(msg string, cause error) *Error {
	return &Error{Kind: KindProvider, Message: msg, Cause: cause}
}

func Timeout(msg string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: msg, Cause: cause}
}

// KindOf returns the kind carried by err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func isKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsValidation(err error) bool        { return isKind(err, KindValidation) }
func IsNotFound(err error) bool          { return isKind(err, KindNotFound) }
func IsInvalidTransition(err error) bool { return isKind(err, KindInvalidTransition) }
func IsStoreUnavailable(err error) bool  { return isKind(err, KindStoreUnavailable) }
func IsProvider(err error) bool          { return isKind(err, KindProvider) }
func IsTimeout(err error) bool           { return isKind(err, KindTimeout) }
