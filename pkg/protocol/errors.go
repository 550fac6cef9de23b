package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is an ICNP protocol error code.
type ErrorCode string

const (
	CodeInvalidIntent            ErrorCode = "ICNP-001"
	CodeCapabilityMismatch       ErrorCode = "ICNP-002"
	CodeConstraintsUnsatisfiable ErrorCode = "ICNP-003"
	CodeUnauthorisedAction       ErrorCode = "ICNP-004"
	CodeTokenInvalid             ErrorCode = "ICNP-005"
	CodeInternalError            ErrorCode = "ICNP-006"
)

// ErrorPayload is the payload of a type=error envelope.
type ErrorPayload struct {
	Code             ErrorCode `json:"code"`
	RelatedMessageID string    `json:"related_message_id,omitempty"`
	Retryable        bool      `json:"retryable"`
	Details          string    `json:"details,omitempty"`
}

// Error is the error type produced by every rejecting operation in the
// core. It carries the taxonomy code so callers can build error envelopes
// without string matching.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errf builds a non-retryable protocol error.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryf builds a retryable protocol error, used for transient
// collaborator failures.
func Retryf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Retryable: true, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a protocol error around a collaborator failure. Context
// deadline overruns are retryable.
func Wrap(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause, Retryable: retryable(cause)}
}

func retryable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// CodeOf extracts the protocol code from err, or CodeInternalError when
// err is not a protocol error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}

// IsRetryable reports whether err should be retried by the sender.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ToPayload converts err into an error-envelope payload referencing the
// message that triggered it.
func ToPayload(err error, relatedMessageID string) ErrorPayload {
	var pe *Error
	if errors.As(err, &pe) {
		return ErrorPayload{
			Code:             pe.Code,
			RelatedMessageID: relatedMessageID,
			Retryable:        pe.Retryable,
			Details:          pe.Message,
		}
	}
	return ErrorPayload{
		Code:             CodeInternalError,
		RelatedMessageID: relatedMessageID,
		Retryable:        true,
		Details:          err.Error(),
	}
}
