package handler

import (
	"net/http"

	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/middleware"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/internal/transport/schema"

	"github.com/gin-gonic/gin"
)

type SyncHandler struct {
	homeserver *homeserver.Server
	validator  *schema.Validator
}

func NewSyncHandler(hs *homeserver.Server, validator *schema.Validator) *SyncHandler {
	return &SyncHandler{homeserver: hs, validator: validator}
}

// SendToDevice handles PUT /sendToDevice/:eventType/:txnId.
func (h *SyncHandler) SendToDevice(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	var body httpdto.ToDeviceBody
	if !bindValidated(c, h.validator, outbox.KindToDevice, &body) {
		return
	}
	err := h.homeserver.SendToDevice(c.Request.Context(), device.UserID, device.DeviceID, c.Param("eventType"), c.Param("txnId"), body)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.EmptyResponse{})
}

// Sync returns the encryption-relevant part of a sync response. It never
// long-polls.
func (h *SyncHandler) Sync(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	resp, err := h.homeserver.Sync(c.Request.Context(), device.UserID, device.DeviceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
