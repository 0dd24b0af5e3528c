package encryption

import "encoding/json"

// Event types exchanged over to-device messages and in rooms.
const (
	EventRoomEncrypted   = "m.room.encrypted"
	EventRoomKey         = "m.room_key"
	EventRoomKeyWithheld = "m.room_key.withheld"
	EventRoomKeyBundle   = "io.element.msc4268.room_key_bundle"
	EventDummy           = "m.dummy"
)

// ToDeviceEvent is a to-device event as delivered by sync.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// OlmCiphertext is one per-recipient Olm message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEncryptedContent is the content of an Olm encrypted to-device event,
// keyed by recipient Curve25519 key.
type OlmEncryptedContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// OlmPayload is the plaintext inside an Olm message.
type OlmPayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// MegolmEncryptedContent is the content of an encrypted room event.
type MegolmEncryptedContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
	Ciphertext string `json:"ciphertext"`
}

// MegolmPayload is the plaintext inside a Megolm message.
type MegolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  string          `json:"room_id"`
}

// RoomEvent is the subset of a room event the machine needs to decrypt it.
type RoomEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	EventID string          `json:"event_id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	Content json.RawMessage `json:"content"`
}

// RoomKeyContent carries a group session key to one device.
type RoomKeyContent struct {
	Algorithm     string `json:"algorithm"`
	RoomID        string `json:"room_id"`
	SessionID     string `json:"session_id"`
	SessionKey    string `json:"session_key"`
	Generation    uint32 `json:"generation"`
	SharedHistory bool   `json:"shared_history"`
}

// RoomKeyWithheldContent tells a device why it did not get a key.
type RoomKeyWithheldContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     string       `json:"room_id,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	SenderKey  string       `json:"sender_key"`
	Code       WithheldCode `json:"code"`
	Reason     string       `json:"reason,omitempty"`
	FromDevice string       `json:"from_device,omitempty"`
}

// RoomKeyBundleContent announces an uploaded history bundle.
type RoomKeyBundleContent struct {
	RoomID string        `json:"room_id"`
	File   EncryptedFile `json:"file"`
}
