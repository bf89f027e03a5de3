// Package errors carries the error taxonomy shared by the HTTP surface, the
// signaling gateway and the ingest proxy. Every AppError maps to one HTTP
// status; WebSocket replies and proxy logs reuse its code.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// malformed RTMP handshake or connect command
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"
	// stream key or token that maps to no session or identity
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	// transcoder failed to spawn or exited non-zero
	ErrCodeProcess ErrorCode = "PROCESS_ERROR"
	// ports, files, registry backend or upstream unavailable
	ErrCodeResource ErrorCode = "RESOURCE_ERROR"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches a detail rendered in HTTP error bodies and logs.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return WrapError(nil, code, message, httpStatus)
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// NewNotFoundError builds "<resource> not found".
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, resource+" not found", http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewProtocolError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeProtocol, message, http.StatusBadRequest)
}

func NewAuthenticationError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeAuthentication, message, http.StatusUnauthorized)
}

// NewProcessError maps to 502: the failing party is the transcoder, not the caller.
func NewProcessError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeProcess, message, http.StatusBadGateway)
}

func NewResourceError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeResource, message, http.StatusServiceUnavailable)
}

// GetAppError returns the outermost AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
