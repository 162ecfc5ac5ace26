package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("original error")
	err := WrapError(cause, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.Same(t, cause, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, cause)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestRelayConstructors(t *testing.T) {
	cause := errors.New("budget")
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"floor capacity", NewFloorCapacityError(cause), ErrCodeFloorCapacityExceeded, http.StatusConflict},
		{"request timeout", NewRequestTimeoutError(cause), ErrCodeRequestTimeout, http.StatusRequestTimeout},
		{"malformed", NewMalformedPacketError(cause), ErrCodeMalformedPacket, http.StatusBadRequest},
		{"unknown type", NewUnknownPacketTypeError(cause), ErrCodeUnknownPacketType, http.StatusBadRequest},
		{"decryption", NewDecryptionFailedError(cause), ErrCodeDecryptionFailed, http.StatusBadRequest},
		{"not found", NewNotFoundError("channel"), ErrCodeNotFound, http.StatusNotFound},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestGetAppError_UnwrapsChain(t *testing.T) {
	appErr := NewForbiddenError("no")
	wrapped := fmt.Errorf("handler: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
	assert.True(t, IsAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsAppError(errors.New("plain")))
}
