// Package taskerr classifies pipeline failures: whether a failure is
// retryable, and the one-line message that should be surfaced to the
// user.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy.
type Kind int

const (
	KindBadRequest Kind = iota
	KindSourceUnavailable
	KindInvalidMedia
	KindEncoderError
	KindUploadError
	KindTransient
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindInvalidMedia:
		return "InvalidMedia"
	case KindEncoderError:
		return "EncoderError"
	case KindUploadError:
		return "UploadError"
	case KindTransient:
		return "Transient"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Retryable reports whether a failure of this kind should be retried with
// backoff rather than short-circuiting to a terminal status.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindUploadError:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline failure. UserMessage is the one-line cause
// shown on the status message; Cause is the underlying error for logs.
type Error struct {
	Kind        Kind
	UserMessage string
	Cause       error
}

func New(kind Kind, userMessage string, cause error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.UserMessage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this specific failure should be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// As attempts to extract a *taskerr.Error from err, matching the taskerr.Kind
// back to the caller. Falls back to classifying unknown errors as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}

	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped
	}

	return &Error{Kind: KindInternal, UserMessage: "an unexpected error occurred", Cause: err}
}
