package encryption

import (
	"strings"
	"time"
)

const (
	AlgorithmOlmV1    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"

	KeyAlgorithmCurve25519       = "curve25519"
	KeyAlgorithmEd25519          = "ed25519"
	KeyAlgorithmSignedCurve25519 = "signed_curve25519"
)

// Signatures maps signer user id -> "<algorithm>:<key id>" -> base64 signature.
type Signatures map[string]map[string]string

// Get returns the signature a user made with keyID, if any.
func (s Signatures) Get(userID, keyID string) (string, bool) {
	if s == nil {
		return "", false
	}
	sig, ok := s[userID][keyID]
	return sig, ok
}

// Set records a signature in place.
func (s Signatures) Set(userID, keyID, signature string) {
	inner, ok := s[userID]
	if !ok {
		inner = make(map[string]string)
		s[userID] = inner
	}
	inner[keyID] = signature
}

// Clone returns a deep copy.
func (s Signatures) Clone() Signatures {
	out := make(Signatures, len(s))
	for user, sigs := range s {
		inner := make(map[string]string, len(sigs))
		for keyID, sig := range sigs {
			inner[keyID] = sig
		}
		out[user] = inner
	}
	return out
}

// MergeSignatures deep-merges incoming into existing and returns a new map.
// Signatures already present are never removed or replaced; incoming only
// contributes key ids that are not yet known.
func MergeSignatures(existing, incoming Signatures) Signatures {
	merged := existing.Clone()
	for user, sigs := range incoming {
		for keyID, sig := range sigs {
			if _, ok := merged.Get(user, keyID); ok {
				continue
			}
			merged.Set(user, keyID, sig)
		}
	}
	return merged
}

// KeyID joins an algorithm and a key id as used in key maps and signatures.
func KeyID(algorithm, id string) string {
	return algorithm + ":" + id
}

// SplitKeyID is the inverse of KeyID.
func SplitKeyID(keyID string) (algorithm, id string) {
	algorithm, id, _ = strings.Cut(keyID, ":")
	return algorithm, id
}

type UnsignedDeviceInfo struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// DeviceKeys is the signed identity document a device publishes.
type DeviceKeys struct {
	UserID     string              `json:"user_id"`
	DeviceID   string              `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[string]string   `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   *UnsignedDeviceInfo `json:"unsigned,omitempty"`
}

func (d DeviceKeys) Curve25519() string {
	return d.Keys[KeyID(KeyAlgorithmCurve25519, d.DeviceID)]
}

func (d DeviceKeys) Ed25519() string {
	return d.Keys[KeyID(KeyAlgorithmEd25519, d.DeviceID)]
}

// OneTimeKey is a signed Curve25519 key, consumed by at most one claim.
type OneTimeKey struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures,omitempty"`
}

const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// CrossSigningKey is one of a user's master, self-signing or user-signing keys.
type CrossSigningKey struct {
	UserID     string            `json:"user_id"`
	Usage      []string          `json:"usage"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// PublicKey returns the first (and in practice only) key of the set.
func (k CrossSigningKey) PublicKey() (keyID, key string) {
	for id, value := range k.Keys {
		return id, value
	}
	return "", ""
}

func (k CrossSigningKey) HasUsage(usage string) bool {
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

type TrustState string

const (
	TrustUnverified  TrustState = "UNVERIFIED"
	TrustCrossSigned TrustState = "CROSS_SIGNED"
	TrustVerified    TrustState = "VERIFIED"
)

// Device is the local view of a device, ours or a peer's.
type Device struct {
	Keys        DeviceKeys
	Trust       TrustState
	Deleted     bool
	Blacklisted bool
	FirstSeenAt time.Time
	UpdatedAt   time.Time
}

func (d *Device) UserID() string      { return d.Keys.UserID }
func (d *Device) DeviceID() string    { return d.Keys.DeviceID }
func (d *Device) IdentityKey() string { return d.Keys.Curve25519() }
func (d *Device) SigningKey() string  { return d.Keys.Ed25519() }

func (d *Device) IsCrossSigned() bool {
	return d.Trust == TrustCrossSigned || d.Trust == TrustVerified
}

// UserIdentity holds a user's published cross-signing keys.
type UserIdentity struct {
	UserID      string
	Master      *CrossSigningKey
	SelfSigning *CrossSigningKey
	UserSigning *CrossSigningKey
	Verified    bool
	UpdatedAt   time.Time
}

// CrossSigningStatus reports which private cross-signing keys a device holds.
type CrossSigningStatus struct {
	HasMaster      bool `json:"has_master"`
	HasSelfSigning bool `json:"has_self_signing"`
	HasUserSigning bool `json:"has_user_signing"`
}

func (s CrossSigningStatus) Complete() bool {
	return s.HasMaster && s.HasSelfSigning && s.HasUserSigning
}
