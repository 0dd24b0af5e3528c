package olm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type oneTimeKey struct {
	id        string
	pair      crypto.Curve25519KeyPair
	published bool
	fallback  bool
}

// Account owns a device's long-term identity keys and its pool of one-time keys.
type Account struct {
	mu sync.Mutex

	userID   string
	deviceID string
	identity crypto.Curve25519KeyPair
	signing  crypto.Ed25519KeyPair

	oneTimeKeys  map[string]*oneTimeKey
	nextKeyID    uint32
	fallback     *oneTimeKey
	prevFallback *oneTimeKey
	shared       bool
	maxKeys      int
}

func NewAccount(userID, deviceID string, maxOneTimeKeys int) (*Account, error) {
	identity, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	signing, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if maxOneTimeKeys <= 0 {
		maxOneTimeKeys = 100
	}
	return &Account{
		userID:      userID,
		deviceID:    deviceID,
		identity:    identity,
		signing:     signing,
		oneTimeKeys: make(map[string]*oneTimeKey),
		maxKeys:     maxOneTimeKeys,
	}, nil
}

func (a *Account) UserID() string   { return a.userID }
func (a *Account) DeviceID() string { return a.deviceID }

// IdentityKey is the device's Curve25519 key.
func (a *Account) IdentityKey() string { return a.identity.PublicKey() }

// SigningKey is the device's Ed25519 key.
func (a *Account) SigningKey() string { return a.signing.PublicKey() }

func (a *Account) Sign(message []byte) string {
	return a.signing.Sign(message)
}

func (a *Account) SignJSON(v any) (string, error) {
	return crypto.SignJSON(a.signing, v)
}

// DeviceKeys returns the self-signed device identity document.
func (a *Account) DeviceKeys() (encryption.DeviceKeys, error) {
	keys := encryption.DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: []string{encryption.AlgorithmOlmV1, encryption.AlgorithmMegolmV1},
		Keys: map[string]string{
			encryption.KeyID(encryption.KeyAlgorithmCurve25519, a.deviceID): a.IdentityKey(),
			encryption.KeyID(encryption.KeyAlgorithmEd25519, a.deviceID):    a.SigningKey(),
		},
	}
	sig, err := a.SignJSON(keys)
	if err != nil {
		return encryption.DeviceKeys{}, err
	}
	keys.Signatures = encryption.Signatures{}
	keys.Signatures.Set(a.userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, a.deviceID), sig)
	return keys, nil
}

func (a *Account) Shared() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shared
}

// MarkShared records that the device keys reached the server.
func (a *Account) MarkShared() {
	a.mu.Lock()
	a.shared = true
	a.mu.Unlock()
}

func (a *Account) MaxOneTimeKeys() int { return a.maxKeys }

// GenerateOneTimeKeys adds up to n unpublished keys without growing the pool
// past its maximum. Published keys stay until a pre-key message consumes them.
// It returns how many keys were added.
func (a *Account) GenerateOneTimeKeys(n int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if room := a.maxKeys - len(a.oneTimeKeys); n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		pair, err := crypto.GenerateCurve25519()
		if err != nil {
			return i, err
		}
		a.nextKeyID++
		id := encodeKeyID(a.nextKeyID)
		a.oneTimeKeys[id] = &oneTimeKey{id: id, pair: pair}
	}
	return max(n, 0), nil
}

func encodeKeyID(n uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return crypto.EncodeKey(b[:])
}

// UnpublishedOneTimeKeyCount is the number of one-time keys waiting for upload.
func (a *Account) UnpublishedOneTimeKeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.oneTimeKeys {
		if !k.published {
			n++
		}
	}
	return n
}

// UnpublishedOneTimeKeys returns the signed keys that still need uploading,
// keyed by "signed_curve25519:<id>".
func (a *Account) UnpublishedOneTimeKeys() (map[string]encryption.OneTimeKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]encryption.OneTimeKey)
	for id, k := range a.oneTimeKeys {
		if k.published {
			continue
		}
		signed, err := a.signKey(k)
		if err != nil {
			return nil, err
		}
		out[encryption.KeyID(encryption.KeyAlgorithmSignedCurve25519, id)] = signed
	}
	return out, nil
}

// GenerateFallbackKey rotates the fallback key and reports whether it did.
// The previous one stays usable for inbound sessions until the next rotation.
// An unpublished fallback key is kept as is, so the published one is never
// pushed out before its replacement reached the server.
func (a *Account) GenerateFallbackKey() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fallback != nil && !a.fallback.published {
		return false, nil
	}
	pair, err := crypto.GenerateCurve25519()
	if err != nil {
		return false, err
	}
	a.nextKeyID++
	a.prevFallback = a.fallback
	a.fallback = &oneTimeKey{id: encodeKeyID(a.nextKeyID), pair: pair, fallback: true}
	return true, nil
}

// UnpublishedFallbackKey returns the current fallback key if it was not uploaded yet.
func (a *Account) UnpublishedFallbackKey() (map[string]encryption.OneTimeKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]encryption.OneTimeKey)
	if a.fallback == nil || a.fallback.published {
		return out, nil
	}
	signed, err := a.signKey(a.fallback)
	if err != nil {
		return nil, err
	}
	out[encryption.KeyID(encryption.KeyAlgorithmSignedCurve25519, a.fallback.id)] = signed
	return out, nil
}

func (a *Account) signKey(k *oneTimeKey) (encryption.OneTimeKey, error) {
	key := encryption.OneTimeKey{Key: k.pair.PublicKey(), Fallback: k.fallback}
	sig, err := a.SignJSON(key)
	if err != nil {
		return encryption.OneTimeKey{}, err
	}
	key.Signatures = encryption.Signatures{}
	key.Signatures.Set(a.userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, a.deviceID), sig)
	return key, nil
}

// MarkKeysAsPublished flags every current key as uploaded.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.oneTimeKeys {
		k.published = true
	}
	if a.fallback != nil {
		a.fallback.published = true
	}
}

// OneTimeKeyCount is the number of private one-time keys still held.
func (a *Account) OneTimeKeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.oneTimeKeys)
}

func (a *Account) findKey(public string) (crypto.Curve25519KeyPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, k := range a.oneTimeKeys {
		if k.pair.PublicKey() == public {
			return k.pair, nil
		}
	}
	for _, k := range []*oneTimeKey{a.fallback, a.prevFallback} {
		if k != nil && k.pair.PublicKey() == public {
			return k.pair, nil
		}
	}
	return crypto.Curve25519KeyPair{}, sentinal_errors.ErrOneTimeKeyConsumed
}

// RemoveOneTimeKey deletes the private one-time key with the given public
// part. Removing the same key twice fails. Fallback keys are never removed.
func (a *Account) RemoveOneTimeKey(public string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, k := range a.oneTimeKeys {
		if k.pair.PublicKey() == public {
			crypto.Wipe(k.pair.Private[:])
			delete(a.oneTimeKeys, id)
			return nil
		}
	}
	for _, k := range []*oneTimeKey{a.fallback, a.prevFallback} {
		if k != nil && k.pair.PublicKey() == public {
			return nil
		}
	}
	return sentinal_errors.ErrOneTimeKeyConsumed
}

// NewOutboundSession starts a pairwise session towards a device using one of
// its claimed one-time keys.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string, maxSkipped int) (*Session, error) {
	theirIdentity, err := crypto.DecodeCurve25519(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("their identity key: %w", err)
	}
	theirOTK, err := crypto.DecodeCurve25519(theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("their one-time key: %w", err)
	}
	base, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, err
	}

	s1, err := crypto.DH(a.identity.Private, theirOTK)
	if err != nil {
		return nil, err
	}
	s2, err := crypto.DH(base.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	s3, err := crypto.DH(base.Private, theirOTK)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(base.Private[:])

	header := &PreKeyMessage{
		IdentityKey: a.IdentityKey(),
		BaseKey:     base.PublicKey(),
		OneTimeKey:  theirOneTimeKey,
	}
	return newSession(true, a.IdentityKey(), theirIdentityKey, header, s1, s2, s3, maxSkipped)
}

// NewInboundSession derives the responder half of a session from a pre-key
// message. The caller removes the one-time key once the first message
// decrypts.
func (a *Account) NewInboundSession(theirIdentityKey string, msg *PreKeyMessage, maxSkipped int) (*Session, error) {
	if msg.IdentityKey != theirIdentityKey {
		return nil, ErrSessionMismatch
	}
	theirIdentity, err := crypto.DecodeCurve25519(msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("their identity key: %w", err)
	}
	theirBase, err := crypto.DecodeCurve25519(msg.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("their base key: %w", err)
	}
	ourOTK, err := a.findKey(msg.OneTimeKey)
	if err != nil {
		return nil, err
	}

	s1, err := crypto.DH(ourOTK.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	s2, err := crypto.DH(a.identity.Private, theirBase)
	if err != nil {
		return nil, err
	}
	s3, err := crypto.DH(ourOTK.Private, theirBase)
	if err != nil {
		return nil, err
	}
	header := &PreKeyMessage{IdentityKey: msg.IdentityKey, BaseKey: msg.BaseKey, OneTimeKey: msg.OneTimeKey}
	return newSession(false, a.IdentityKey(), theirIdentityKey, header, s1, s2, s3, maxSkipped)
}
