package encryption

import "time"

// PairwiseSession describes an established Olm channel between two devices.
type PairwiseSession struct {
	SessionID      string
	RemoteUserID   string
	RemoteDeviceID string
	RemoteKey      string
	Initiator      bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// GroupSessionInfo describes a Megolm session held for a room.
type GroupSessionInfo struct {
	RoomID        string
	SessionID     string
	SenderKey     string
	FirstIndex    uint32
	Generation    uint32
	SharedHistory bool
	Imported      bool
}

type WithheldCode string

const (
	WithheldBlacklisted      WithheldCode = "m.blacklisted"
	WithheldUnverified       WithheldCode = "m.unverified"
	WithheldUnauthorised     WithheldCode = "m.unauthorised"
	WithheldUnavailable      WithheldCode = "m.unavailable"
	WithheldNoOlm            WithheldCode = "m.no_olm"
	WithheldHistoryNotShared WithheldCode = "m.history_not_shared"
)

func (c WithheldCode) Reason() string {
	switch c {
	case WithheldBlacklisted:
		return "The sender has blocked you."
	case WithheldUnverified:
		return "The sender has disabled encrypting to unverified devices."
	case WithheldUnauthorised:
		return "You are not authorised to read the message."
	case WithheldUnavailable:
		return "The requested key was not found."
	case WithheldNoOlm:
		return "Unable to establish a secure channel."
	case WithheldHistoryNotShared:
		return "The sender disabled sharing encrypted history."
	default:
		return ""
	}
}

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// WithheldEntry records a device that did not receive a group key and why.
type WithheldEntry struct {
	UserID   string       `json:"user_id"`
	DeviceID string       `json:"device_id"`
	Code     WithheldCode `json:"code"`
}

// CollectStrategy decides which recipient devices receive keys.
type CollectStrategy string

const (
	CollectAllDevices      CollectStrategy = "all_devices"
	CollectOnlyCrossSigned CollectStrategy = "only_cross_signed"
)

type HistoryVisibility string

const (
	HistoryShared        HistoryVisibility = "shared"
	HistoryInvited       HistoryVisibility = "invited"
	HistoryJoined        HistoryVisibility = "joined"
	HistoryWorldReadable HistoryVisibility = "world_readable"
)

// EncryptionSettings is the per-room policy used when sharing a group key.
// Rotation is never implied by these settings; callers invalidate sessions.
type EncryptionSettings struct {
	Algorithm         string
	SharingStrategy   CollectStrategy
	HistoryVisibility HistoryVisibility
}

func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:         AlgorithmMegolmV1,
		SharingStrategy:   CollectAllDevices,
		HistoryVisibility: HistoryShared,
	}
}

// SharedHistory reports whether keys created under these settings may be
// handed to users who join later.
func (s EncryptionSettings) SharedHistory() bool {
	return s.HistoryVisibility == HistoryShared || s.HistoryVisibility == HistoryWorldReadable
}

// TrustRequirement is the minimum sender trust accepted when decrypting.
type TrustRequirement string

const (
	TrustRequirementUntrusted           TrustRequirement = "untrusted"
	TrustRequirementCrossSignedOrLegacy TrustRequirement = "cross_signed_or_legacy"
	TrustRequirementCrossSigned         TrustRequirement = "cross_signed"
)
