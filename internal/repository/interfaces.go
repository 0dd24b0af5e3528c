package repository

import (
	"context"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/olm"
)

// DeviceRepository holds the device keys and cross-signing identities learnt
// from key queries.
type DeviceRepository interface {
	SaveDevice(ctx context.Context, d *encryption.Device) error
	GetDevice(ctx context.Context, userID, deviceID string) (*encryption.Device, error)
	GetUserDevices(ctx context.Context, userID string) (map[string]*encryption.Device, error)
	GetDeviceByIdentityKey(ctx context.Context, identityKey string) (*encryption.Device, error)

	SaveUserIdentity(ctx context.Context, identity *encryption.UserIdentity) error
	GetUserIdentity(ctx context.Context, userID string) (*encryption.UserIdentity, error)
}

// TrackingRepository remembers which users' device lists are followed and
// which of them need a fresh key query.
type TrackingRepository interface {
	TrackUsers(ctx context.Context, userIDs []string) ([]string, error)
	IsTracked(ctx context.Context, userID string) (bool, error)
	UntrackUsers(ctx context.Context, userIDs []string) error
	MarkDirty(ctx context.Context, userIDs []string) error
	MarkClean(ctx context.Context, userIDs []string) error
	DirtyUsers(ctx context.Context) ([]string, error)
}

// SessionRepository stores pairwise sessions keyed by the peer's identity key.
type SessionRepository interface {
	AddSession(ctx context.Context, s *olm.Session) error
	GetSessions(ctx context.Context, identityKey string) ([]*olm.Session, error)
}

// GroupSessionRepository stores inbound and outbound group sessions.
type GroupSessionRepository interface {
	SaveInboundGroupSession(ctx context.Context, s *olm.InboundGroupSession) error
	GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error)
	GetInboundGroupSessions(ctx context.Context, roomID string) ([]*olm.InboundGroupSession, error)
	// CurrentInboundGroupSession returns the newest generation held for a sender in a room.
	CurrentInboundGroupSession(ctx context.Context, roomID, senderKey string) (*olm.InboundGroupSession, error)

	SaveOutboundGroupSession(ctx context.Context, s *olm.OutboundGroupSession) error
	GetOutboundGroupSession(ctx context.Context, roomID string) (*olm.OutboundGroupSession, error)

	SaveWithheld(ctx context.Context, w encryption.RoomKeyWithheldContent) error
	GetWithheld(ctx context.Context, roomID, sessionID string) (*encryption.RoomKeyWithheldContent, error)
}

// BundleRepository stores received history bundle announcements.
type BundleRepository interface {
	SaveBundleReference(ctx context.Context, ref *encryption.BundleReference) error
	GetBundleReference(ctx context.Context, roomID, senderUser string) (*encryption.BundleReference, error)
}

// CryptoStore is everything a device's machine persists.
type CryptoStore interface {
	DeviceRepository
	TrackingRepository
	SessionRepository
	GroupSessionRepository
	BundleRepository
}
