package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", sentinal_errors.ErrInvalidInput), http.StatusBadRequest, "M_BAD_JSON"},
		{sentinal_errors.ErrConflict, http.StatusBadRequest, "M_INVALID_PARAM"},
		{sentinal_errors.ErrUnauthorized, http.StatusUnauthorized, "M_UNKNOWN_TOKEN"},
		{sentinal_errors.ErrNotFound, http.StatusNotFound, "M_NOT_FOUND"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "M_UNKNOWN"},
	}
	for _, tc := range cases {
		status, code := Classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func newEngine(auth *services.AuthService) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(), ErrorHandler(nil))
	r.GET("/whoami", AuthMiddleware(auth), func(c *gin.Context) {
		d, ok := DeviceFromContext(c.Request.Context())
		if !ok {
			_ = c.Error(sentinal_errors.ErrUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": d.UserID, "device_id": d.DeviceID})
	})
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("lookup: %w", sentinal_errors.ErrNotFound))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("example.org", "secret", time.Hour)
	login, err := auth.Login(t.Context(), services.LoginInput{User: "alice", Password: "correct horse", DeviceID: "DEV"})
	require.NoError(t, err)
	r := newEngine(auth)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?access_token="+login.AccessToken, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"@alice:example.org","device_id":"DEV"}`, w.Body.String())

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body httpdto.MatrixError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "M_UNKNOWN_TOKEN", body.ErrCode)
}

func TestErrorHandlerRendersMatrixError(t *testing.T) {
	r := newEngine(services.NewAuthService("example.org", "secret", time.Hour))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body httpdto.MatrixError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "M_NOT_FOUND", body.ErrCode)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
