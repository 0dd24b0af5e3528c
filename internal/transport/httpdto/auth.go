package httpdto

// LoginRequest is used for POST /_matrix/client/v3/login.
// The simulated homeserver registers unknown users on first login.
type LoginRequest struct {
	Type                     string         `json:"type"`
	Identifier               UserIdentifier `json:"identifier" binding:"required"`
	Password                 string         `json:"password" binding:"required"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user" binding:"required"`
}

// LoginResponse is returned after a successful login
type LoginResponse struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
	ExpiresInMs int64  `json:"expires_in_ms"`
}
