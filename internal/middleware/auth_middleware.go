package middleware

import (
	"context"
	"net/http"
	"strings"

	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/pkg/logger"

	"github.com/gin-gonic/gin"
)

type sessionCtxKey struct{}

// Device identifies the authenticated caller of a request.
type Device struct {
	UserID    string
	DeviceID  string
	SessionID string
}

func WithDevice(ctx context.Context, d Device) context.Context {
	ctx = context.WithValue(ctx, sessionCtxKey{}, d)
	ctx = context.WithValue(ctx, logger.UserIdKey, d.UserID)
	return context.WithValue(ctx, logger.DeviceIdKey, d.DeviceID)
}

func DeviceFromContext(ctx context.Context) (Device, bool) {
	d, ok := ctx.Value(sessionCtxKey{}).(Device)
	return d, ok
}

func AuthMiddleware(service *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewMatrixError("M_MISSING_TOKEN", "missing access token"))
			return
		}
		claims, err := service.ParseAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewMatrixError("M_UNKNOWN_TOKEN", "unknown access token"))
			return
		}
		session, err := service.ValidateSession(c.Request.Context(), claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewMatrixError("M_UNKNOWN_TOKEN", "session revoked"))
			return
		}

		ctx := WithDevice(c.Request.Context(), Device{
			UserID:    session.UserID,
			DeviceID:  session.DeviceID,
			SessionID: session.ID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractToken reads the bearer header, falling back to the access_token
// query parameter.
func extractToken(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return c.Query("access_token")
}
