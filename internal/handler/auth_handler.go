// Package handler provides the Matrix client-server endpoints of the
// simulated homeserver.
package handler

import (
	"net/http"

	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/middleware"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

const loginTypePassword = "m.login.password"

// AuthHandler handles login and logout.
type AuthHandler struct {
	service    *services.AuthService
	homeserver *homeserver.Server
}

func NewAuthHandler(service *services.AuthService, hs *homeserver.Server) *AuthHandler {
	return &AuthHandler{service: service, homeserver: hs}
}

// Login authenticates a user, registering it on first use, and creates the device.
func (h *AuthHandler) Login(c *gin.Context) {
	var req httpdto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewMatrixError("M_BAD_JSON", "invalid request"))
		return
	}
	if req.Type != "" && req.Type != loginTypePassword {
		c.JSON(http.StatusBadRequest, httpdto.NewMatrixError("M_UNKNOWN", "unsupported login type"))
		return
	}

	res, err := h.service.Login(c.Request.Context(), services.LoginInput{
		User:        req.Identifier.User,
		Password:    req.Password,
		DeviceID:    req.DeviceID,
		DisplayName: req.InitialDeviceDisplayName,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.homeserver.RegisterDevice(res.UserID, res.DeviceID)

	c.JSON(http.StatusOK, httpdto.LoginResponse{
		UserID:      res.UserID,
		DeviceID:    res.DeviceID,
		AccessToken: res.AccessToken,
		ExpiresInMs: res.ExpiresIn * 1000,
	})
}

// Logout revokes the access token and deletes the device with its keys.
func (h *AuthHandler) Logout(c *gin.Context) {
	device, ok := middleware.DeviceFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewMatrixError("M_MISSING_TOKEN", "unauthorized"))
		return
	}
	if err := h.service.Logout(c.Request.Context(), device.SessionID); err != nil {
		_ = c.Error(err)
		return
	}
	h.homeserver.DeleteDevice(c.Request.Context(), device.UserID, device.DeviceID)
	c.JSON(http.StatusOK, httpdto.EmptyResponse{})
}
