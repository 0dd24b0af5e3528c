package machine

import (
	"encoding/json"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/services"
)

// DeviceLists mirrors the device_lists section of a sync response.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// SyncChanges is the encryption-relevant part of one sync response.
type SyncChanges struct {
	ToDeviceEvents []encryption.ToDeviceEvent
	DeviceLists    DeviceLists

	// OneTimeKeyCounts is device_one_time_keys_count; nil means not reported.
	OneTimeKeyCounts map[string]int

	// UnusedFallbackKeys is device_unused_fallback_key_types; nil means not reported.
	UnusedFallbackKeys []string
}

type ProcessedKind string

const (
	ProcessedDecrypted       ProcessedKind = "decrypted"
	ProcessedPlainText       ProcessedKind = "plaintext"
	ProcessedUnableToDecrypt ProcessedKind = "unable_to_decrypt"
	ProcessedInvalid         ProcessedKind = "invalid"
)

// ProcessedToDeviceEvent is the outcome for one to-device event of a sync.
type ProcessedToDeviceEvent struct {
	Kind  ProcessedKind            `json:"kind"`
	Event encryption.ToDeviceEvent `json:"event"`

	// Type and Content hold the inner event once decrypted.
	Type      string                      `json:"type,omitempty"`
	Content   json.RawMessage             `json:"content,omitempty"`
	Decrypted *services.DecryptedToDevice `json:"-"`
	Err       error                       `json:"-"`
}
