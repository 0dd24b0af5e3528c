package middleware

import (
	"errors"
	"net/http"

	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last handler error as a Matrix error body.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	if l == nil {
		l = logger.GetGlobalLogger()
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := Classify(err)
		if status >= http.StatusInternalServerError {
			l.Ctx(c.Request.Context()).Logger.Error("request failed", zap.Error(err))
		}
		c.JSON(status, httpdto.NewMatrixError(code, err.Error()))
	}
}

// Classify maps an error to its HTTP status and Matrix error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, sentinal_errors.ErrInvalidInput):
		return http.StatusBadRequest, "M_BAD_JSON"
	case errors.Is(err, sentinal_errors.ErrConflict), errors.Is(err, sentinal_errors.ErrAlreadyExists):
		return http.StatusBadRequest, "M_INVALID_PARAM"
	case errors.Is(err, sentinal_errors.ErrUnauthorized):
		return http.StatusUnauthorized, "M_UNKNOWN_TOKEN"
	case errors.Is(err, sentinal_errors.ErrForbidden):
		return http.StatusForbidden, "M_FORBIDDEN"
	case errors.Is(err, sentinal_errors.ErrNotFound):
		return http.StatusNotFound, "M_NOT_FOUND"
	case errors.Is(err, sentinal_errors.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "M_TOO_LARGE"
	case errors.Is(err, sentinal_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "M_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "M_UNKNOWN"
	}
}
