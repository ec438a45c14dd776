package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Rate limiting and backend error codes
const (
	ErrRateExceeded       ErrorCode = "RATE_EXCEEDED"
	ErrTransient          ErrorCode = "TRANSIENT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Workflow error codes
const (
	ErrExhausted         ErrorCode = "EXHAUSTED"
	ErrValidation        ErrorCode = "VALIDATION"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrShuttingDown      ErrorCode = "SHUTTING_DOWN"
	ErrQueueFull         ErrorCode = "QUEUE_FULL"
)

// Store and API error codes
const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records how long the caller should wait before trying again.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// =============================================================================
// Constructors
// =============================================================================

// NewRateExceededError 限流拒绝，retryAfter 为最早可重试的等待时间
func NewRateExceededError(message string, retryAfter time.Duration) *Error {
	return NewError(ErrRateExceeded, message).WithRetryable(true).WithRetryAfter(retryAfter)
}

// NewTransientError 暂时性错误，可被重试策略吸收
func NewTransientError(message string, cause error) *Error {
	return NewError(ErrTransient, message).WithCause(cause).WithRetryable(true)
}

// NewValidationError 不可重试的校验错误
func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message)
}

// NewTimeoutError 超时
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message)
}

// NewCancelledError 外部取消
func NewCancelledError(message string) *Error {
	return NewError(ErrCancelled, message)
}

// NewNotFoundError 资源不存在
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message)
}
