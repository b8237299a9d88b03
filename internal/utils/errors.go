// internal/utils/errors.go
package utils

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode categorizes failures across the harvesting pipeline. The API
// layer maps these codes onto the error envelope verbatim.
type ErrorCode string

const (
	ErrCodeProxyNotFound      ErrorCode = "PROXY_NOT_FOUND"
	ErrCodeProxyPoolEmpty     ErrorCode = "PROXY_POOL_EMPTY"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeConfig             ErrorCode = "CONFIG_ERROR"
	ErrCodeScrapingTimeout    ErrorCode = "SCRAPING_TIMEOUT"
	ErrCodeNetwork            ErrorCode = "NETWORK_ERROR"
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION_ERROR"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY_ERROR"
	ErrCodeQueueFull          ErrorCode = "QUEUE_FULL"
	ErrCodeJobNotFound        ErrorCode = "JOB_NOT_FOUND"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// StructuredError carries a code, HTTP mapping, and optional details so
// failures can cross component boundaries without losing classification.
type StructuredError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Retryable  bool                   `json:"retryable"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *StructuredError) Unwrap() error { return e.Cause }

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *StructuredError) WithDetail(key string, value interface{}) *StructuredError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a StructuredError with defaults derived from the code.
func NewError(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:       code,
		Message:    message,
		StatusCode: statusForCode(code),
		Timestamp:  time.Now().UTC(),
		Retryable:  retryableForCode(code),
	}
}

// WrapError wraps a cause in a StructuredError.
func WrapError(code ErrorCode, message string, cause error) *StructuredError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// AsStructured extracts a StructuredError from err, or wraps err as an
// internal error when it carries no classification.
func AsStructured(err error) *StructuredError {
	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}
	return WrapError(ErrCodeInternal, err.Error(), err)
}

// CodeOf returns the error code carried by err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the error represents a transient condition.
func IsRetryable(err error) bool {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

func statusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeProxyNotFound, ErrCodeJobNotFound:
		return http.StatusNotFound
	case ErrCodeProxyPoolEmpty:
		return http.StatusNotFound
	case ErrCodeValidation, ErrCodeConfig:
		return http.StatusBadRequest
	case ErrCodeRateLimit, ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case ErrCodeScrapingTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeNetwork:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func retryableForCode(code ErrorCode) bool {
	switch code {
	case ErrCodeNetwork, ErrCodeScrapingTimeout, ErrCodeRateLimit,
		ErrCodeDatabaseConnection, ErrCodeQueueFull:
		return true
	}
	return false
}
