package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/middleware"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/internal/transport/schema"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/gin-gonic/gin"
)

type KeysHandler struct {
	homeserver *homeserver.Server
	validator  *schema.Validator
}

func NewKeysHandler(hs *homeserver.Server, validator *schema.Validator) *KeysHandler {
	return &KeysHandler{homeserver: hs, validator: validator}
}

// bindValidated checks the raw body against the request schema of kind and
// decodes it into v. On failure the error is recorded on c.
func bindValidated(c *gin.Context, validator *schema.Validator, kind outbox.Kind, v any) bool {
	body, err := c.GetRawData()
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: read body: %v", sentinal_errors.ErrInvalidInput, err))
		return false
	}
	if err := validator.ValidateRequest(kind, body); err != nil {
		_ = c.Error(err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", sentinal_errors.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *KeysHandler) Upload(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	var req httpdto.KeysUploadRequest
	if !bindValidated(c, h.validator, outbox.KindKeysUpload, &req) {
		return
	}
	resp, err := h.homeserver.UploadKeys(c.Request.Context(), device.UserID, device.DeviceID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *KeysHandler) Query(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	var req httpdto.KeysQueryRequest
	if !bindValidated(c, h.validator, outbox.KindKeysQuery, &req) {
		return
	}
	c.JSON(http.StatusOK, h.homeserver.QueryKeys(c.Request.Context(), device.UserID, req))
}

func (h *KeysHandler) Claim(c *gin.Context) {
	var req httpdto.KeysClaimRequest
	if !bindValidated(c, h.validator, outbox.KindKeysClaim, &req) {
		return
	}
	resp, err := h.homeserver.ClaimKeys(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *KeysHandler) UploadSigningKeys(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	var req httpdto.SigningKeysUploadRequest
	if !bindValidated(c, h.validator, outbox.KindSigningKeysUpload, &req) {
		return
	}
	if err := h.homeserver.UploadSigningKeys(c.Request.Context(), device.UserID, req); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.EmptyResponse{})
}

func (h *KeysHandler) UploadSignatures(c *gin.Context) {
	device, _ := middleware.DeviceFromContext(c.Request.Context())
	var req httpdto.SignatureUploadRequest
	if !bindValidated(c, h.validator, outbox.KindSignatureUpload, &req) {
		return
	}
	c.JSON(http.StatusOK, h.homeserver.UploadSignatures(c.Request.Context(), device.UserID, req))
}
