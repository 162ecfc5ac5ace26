package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code returned to API clients.
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

	ErrCodeMalformedPacket       ErrorCode = "MALFORMED_PACKET"
	ErrCodeUnknownPacketType     ErrorCode = "UNKNOWN_PACKET_TYPE"
	ErrCodeDecryptionFailed      ErrorCode = "DECRYPTION_FAILED"
	ErrCodeFloorCapacityExceeded ErrorCode = "FLOOR_CAPACITY_EXCEEDED"
	ErrCodeRequestTimeout        ErrorCode = "REQUEST_TIMEOUT"
)

// AppError carries an error code, an HTTP status and optional context
// through the handler chain.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair that is rendered in the response
// details.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
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

// NewFloorCapacityError rejects a screen share that does not fit the
// channel's concurrency or bandwidth budget.
func NewFloorCapacityError(cause error) *AppError {
	return WrapError(cause, ErrCodeFloorCapacityExceeded, "screen-share capacity exceeded", http.StatusConflict)
}

func NewRequestTimeoutError(cause error) *AppError {
	return WrapError(cause, ErrCodeRequestTimeout, "share request was not decided in time", http.StatusRequestTimeout)
}

func NewMalformedPacketError(cause error) *AppError {
	return WrapError(cause, ErrCodeMalformedPacket, "malformed packet", http.StatusBadRequest)
}

func NewUnknownPacketTypeError(cause error) *AppError {
	return WrapError(cause, ErrCodeUnknownPacketType, "unknown packet type", http.StatusBadRequest)
}

func NewDecryptionFailedError(cause error) *AppError {
	return WrapError(cause, ErrCodeDecryptionFailed, "packet failed authentication", http.StatusBadRequest)
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError returns the first AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
