package httpdto

import (
	"encoding/json"

	"sentinal-e2ee/internal/domain/encryption"
)

// KeysUploadRequest is used for POST /_matrix/client/v3/keys/upload
type KeysUploadRequest struct {
	DeviceKeys   *encryption.DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]encryption.OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]encryption.OneTimeKey `json:"fallback_keys,omitempty"`
}

// KeysUploadResponse reports how many unclaimed one-time keys the server holds per algorithm
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// KeysQueryRequest is used for POST /_matrix/client/v3/keys/query.
// An empty device list means every device of the user.
type KeysQueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// KeysQueryResponse carries device keys and cross-signing keys per user
type KeysQueryResponse struct {
	Failures        map[string]json.RawMessage                  `json:"failures,omitempty"`
	DeviceKeys      map[string]map[string]encryption.DeviceKeys `json:"device_keys"`
	MasterKeys      map[string]encryption.CrossSigningKey       `json:"master_keys,omitempty"`
	SelfSigningKeys map[string]encryption.CrossSigningKey       `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[string]encryption.CrossSigningKey       `json:"user_signing_keys,omitempty"`
}

// KeysClaimRequest is used for POST /_matrix/client/v3/keys/claim: user -> device -> algorithm
type KeysClaimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	Timeout     int                          `json:"timeout,omitempty"`
}

// KeysClaimResponse maps user -> device -> "signed_curve25519:<id>" -> key
type KeysClaimResponse struct {
	Failures    map[string]json.RawMessage                             `json:"failures,omitempty"`
	OneTimeKeys map[string]map[string]map[string]encryption.OneTimeKey `json:"one_time_keys"`
}

// SigningKeysUploadRequest is used for POST /_matrix/client/v3/keys/device_signing/upload
type SigningKeysUploadRequest struct {
	MasterKey      *encryption.CrossSigningKey `json:"master_key,omitempty"`
	SelfSigningKey *encryption.CrossSigningKey `json:"self_signing_key,omitempty"`
	UserSigningKey *encryption.CrossSigningKey `json:"user_signing_key,omitempty"`
}

// SignatureUploadRequest is used for POST /_matrix/client/v3/keys/signatures/upload.
// It maps user -> device id or cross-signing public key -> the signed object.
type SignatureUploadRequest map[string]map[string]json.RawMessage

// SignatureUploadResponse lists objects whose signatures were rejected
type SignatureUploadResponse struct {
	Failures map[string]map[string]SignatureFailure `json:"failures,omitempty"`
}

type SignatureFailure struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// EmptyResponse is the body of endpoints that return nothing of interest
type EmptyResponse struct{}
