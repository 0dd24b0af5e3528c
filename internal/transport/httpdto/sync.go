package httpdto

import "sentinal-e2ee/internal/domain/encryption"

// SyncResponse is the end-to-end encryption subset of GET /_matrix/client/v3/sync
type SyncResponse struct {
	NextBatch                    string         `json:"next_batch"`
	ToDevice                     ToDeviceEvents `json:"to_device"`
	DeviceLists                  DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount       map[string]int `json:"device_one_time_keys_count"`
	DeviceUnusedFallbackKeyTypes []string       `json:"device_unused_fallback_key_types"`
}

type ToDeviceEvents struct {
	Events []encryption.ToDeviceEvent `json:"events"`
}

// DeviceLists names users whose device lists changed or who are no longer shared with us
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}
