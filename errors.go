package legalcore

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way callers across components need to
// react to it: retry, surface, or treat as a terminal failure.
type Kind string

const (
	KindInvalidInput            Kind = "InvalidInput"
	KindNotFound                Kind = "NotFound"
	KindConflict                Kind = "Conflict"
	KindResourceExhausted       Kind = "ResourceExhausted"
	KindTransient               Kind = "Transient"
	KindFatal                   Kind = "Fatal"
	KindInvalidStructuredOutput Kind = "InvalidStructuredOutput"
	KindCancelled               Kind = "Cancelled"
	KindDeadlineExceeded        Kind = "DeadlineExceeded"
)

// Error wraps an underlying cause with a Kind and a caller-facing message.
// TraceID is optional and is not part of Error's message; the HTTP
// error mapping in cmd/server does not include it in responses.
type Error struct {
	Kind    Kind
	Message string
	TraceID string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under kind, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of returns the Kind of err, or "" if err does not carry one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether a failed operation should be retried
// internally rather than surfaced to the caller.
func IsRetryable(err error) bool {
	return Of(err) == KindTransient
}

// Sentinel errors for conditions that do not need a dynamic message.
var (
	ErrDocumentNotFound  = New(KindNotFound, "document not found")
	ErrSessionNotFound   = New(KindNotFound, "chat session not found")
	ErrReviewNotFound    = New(KindNotFound, "contract review not found")
	ErrEmptyInput        = New(KindInvalidInput, "input text is empty")
	ErrDimensionMismatch = New(KindInvalidInput, "embedding dimension mismatch")
)
