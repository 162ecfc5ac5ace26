package middleware

import (
	stderrors "errors"
	"net/http"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/errors"
	"voxrelay/pkg/packet"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// toAppError maps relay sentinel errors onto API errors. Unknown errors
// return nil.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrFloorCapacityExceeded):
		return errors.NewFloorCapacityError(err)
	case stderrors.Is(err, domain.ErrRequestTimeout):
		return errors.NewRequestTimeoutError(err)
	case stderrors.Is(err, domain.ErrPermissionDenied):
		return errors.WrapError(err, errors.ErrCodeForbidden, "permission denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrAlreadySharing):
		return errors.WrapError(err, errors.ErrCodeConflict, "requester already has an active share", http.StatusConflict)
	case stderrors.Is(err, domain.ErrUnknownTier):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "unknown share tier", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrChannelNotFound),
		stderrors.Is(err, domain.ErrShareNotFound),
		stderrors.Is(err, domain.ErrRequestNotFound),
		stderrors.Is(err, domain.ErrNotMember):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, packet.ErrUnknownPacketType):
		return errors.NewUnknownPacketTypeError(err)
	case stderrors.Is(err, packet.ErrDecryptionFailed):
		return errors.NewDecryptionFailedError(err)
	case stderrors.Is(err, packet.ErrMalformedPacket):
		return errors.NewMalformedPacketError(err)
	}
	return nil
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := toAppError(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
				"error", err,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
