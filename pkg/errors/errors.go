package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for transport mapping.
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeUpstreamTransient ErrorCode = "UPSTREAM_TRANSIENT"
	CodeUpstreamFatal     ErrorCode = "UPSTREAM_FATAL"
	CodeConversion        ErrorCode = "CONVERSION_FAILED"
	CodeStreamCancelled   ErrorCode = "STREAM_CANCELLED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError is the error type crossing layer boundaries. Status carries the
// upstream HTTP status for upstream errors, 0 otherwise.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidRequestError creates a client-input error.
func NewInvalidRequestError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewUpstreamTransientError creates a retriable upstream error.
func NewUpstreamTransientError(message string, status int, cause error) *AppError {
	return &AppError{
		Code:    CodeUpstreamTransient,
		Message: message,
		Status:  status,
		Err:     cause,
	}
}

// NewUpstreamFatalError creates a non-retriable upstream error. Message must
// already be redacted and bounded; it is propagated to the client.
func NewUpstreamFatalError(message string, status int) *AppError {
	return &AppError{
		Code:    CodeUpstreamFatal,
		Message: message,
		Status:  status,
	}
}

// NewConversionError creates a dialect-conversion error.
func NewConversionError(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeConversion,
		Message: message,
		Err:     cause,
	}
}

// NewStreamCancelledError marks a client disconnect mid-stream.
func NewStreamCancelledError(cause error) *AppError {
	return &AppError{
		Code:    CodeStreamCancelled,
		Message: "client closed the stream",
		Err:     cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause creates an internal error wrapping a cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// CodeOf extracts the ErrorCode, defaulting to CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// StatusOf extracts the upstream HTTP status, 0 when none was recorded.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// IsInvalidRequest reports whether err is a client-input error.
func IsInvalidRequest(err error) bool {
	return CodeOf(err) == CodeInvalidRequest
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsUpstreamTransient reports whether err is worth retrying.
func IsUpstreamTransient(err error) bool {
	return CodeOf(err) == CodeUpstreamTransient
}

// IsStreamCancelled reports whether err came from a client disconnect.
func IsStreamCancelled(err error) bool {
	return CodeOf(err) == CodeStreamCancelled
}
