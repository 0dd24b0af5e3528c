package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"go.uber.org/zap"
)

var (
	ErrNotForThisDevice  = errors.New("to-device message has no ciphertext for this device")
	ErrNoMatchingSession = errors.New("no pairwise session matches the message")
	ErrPayloadMismatch   = errors.New("decrypted payload does not match its envelope")
)

// SessionService establishes pairwise Olm sessions and moves to-device
// payloads through them.
type SessionService struct {
	Deps
}

func NewSessionService(d Deps) *SessionService {
	return &SessionService{Deps: d}
}

// DecryptedToDevice is a to-device event after Olm decryption.
type DecryptedToDevice struct {
	Payload   encryption.OlmPayload
	SenderKey string

	// Device is the sender's device if its keys are known locally.
	Device *encryption.Device
}

func (s *SessionService) isOwnDevice(userID, deviceID string) bool {
	return userID == s.Account.UserID() && deviceID == s.Account.DeviceID()
}

// HasSession reports whether a live pairwise session to device exists.
func (s *SessionService) HasSession(ctx context.Context, device *encryption.Device) (bool, error) {
	if device.IdentityKey() == "" {
		return false, nil
	}
	sessions, err := s.Store.GetSessions(ctx, device.IdentityKey())
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// GetMissingSessions returns one KeysClaim for every known device of userIDs
// that has no session and is not part of a pending claim. It returns nil when
// nothing is missing, so calling it twice in a row queues at most one claim.
func (s *SessionService) GetMissingSessions(ctx context.Context, userIDs []string) (*outbox.OutgoingRequest, error) {
	inFlight := pendingClaimDevices(s.Ledger)
	body := httpdto.KeysClaimRequest{OneTimeKeys: make(map[string]map[string]string)}

	for _, user := range userIDs {
		devices, err := s.Store.GetUserDevices(ctx, user)
		if err != nil {
			return nil, err
		}
		for deviceID, device := range devices {
			if device.Deleted || s.isOwnDevice(user, deviceID) || device.IdentityKey() == "" {
				continue
			}
			if inFlight[deviceRef{userID: user, deviceID: deviceID}] {
				continue
			}
			has, err := s.HasSession(ctx, device)
			if err != nil {
				return nil, err
			}
			if has {
				continue
			}
			if body.OneTimeKeys[user] == nil {
				body.OneTimeKeys[user] = make(map[string]string)
			}
			body.OneTimeKeys[user][deviceID] = encryption.KeyAlgorithmSignedCurve25519
		}
	}
	if len(body.OneTimeKeys) == 0 {
		return nil, nil
	}

	req, err := s.Ledger.Enqueue(outbox.KindKeysClaim, body)
	if err != nil {
		return nil, err
	}
	s.Log.Ctx(ctx).Logger.Debug("keys claim queued", zap.String("request_id", req.ID), zap.Int("users", len(body.OneTimeKeys)))
	return &req, nil
}

// ReceiveKeysClaimResponse creates an outbound session for every claimed key
// whose signature verifies. Devices the server had no key for are reported as
// ResourceExhaustionError and are claimed again by the next GetMissingSessions.
func (s *SessionService) ReceiveKeysClaimResponse(ctx context.Context, request, body json.RawMessage) ([]error, error) {
	var req httpdto.KeysClaimRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("%w: keys claim request: %v", sentinal_errors.ErrInvalidInput, err)
	}
	var resp httpdto.KeysClaimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: keys claim response: %v", sentinal_errors.ErrInvalidInput, err)
	}

	var problems []error
	for user, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			claimed := resp.OneTimeKeys[user][deviceID]
			keyID, key, ok := pickClaimedKey(claimed)
			if !ok {
				problems = append(problems, &sentinal_errors.ResourceExhaustionError{UserID: user, DeviceID: deviceID, Resource: "one-time keys"})
				continue
			}
			if err := s.establish(ctx, user, deviceID, keyID, key); err != nil {
				var trustErr *sentinal_errors.TrustMergeError
				if !errors.As(err, &trustErr) && !errors.Is(err, sentinal_errors.ErrUnknownDevice) {
					return problems, err
				}
				problems = append(problems, err)
			}
		}
	}
	for _, problem := range problems {
		s.Log.Ctx(ctx).Logger.Warn("session not established", zap.Error(problem))
	}
	return problems, nil
}

func pickClaimedKey(keys map[string]encryption.OneTimeKey) (string, encryption.OneTimeKey, bool) {
	ids := make([]string, 0, len(keys))
	for id := range keys {
		if strings.HasPrefix(id, encryption.KeyAlgorithmSignedCurve25519+":") {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", encryption.OneTimeKey{}, false
	}
	sort.Strings(ids)
	return ids[0], keys[ids[0]], true
}

func (s *SessionService) establish(ctx context.Context, userID, deviceID, keyID string, key encryption.OneTimeKey) error {
	device, err := s.Store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, sentinal_errors.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", sentinal_errors.ErrUnknownDevice, userID, deviceID)
		}
		return err
	}

	signingKey, err := crypto.DecodeEd25519(device.SigningKey())
	if err != nil {
		return &sentinal_errors.TrustMergeError{UserID: userID, DeviceID: deviceID, Reason: "device has no usable signing key"}
	}
	sig, ok := key.Signatures.Get(userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, deviceID))
	if !ok || crypto.VerifyJSON(signingKey, key, sig) != nil {
		return &sentinal_errors.TrustMergeError{UserID: userID, DeviceID: deviceID, Reason: "claimed one-time key " + keyID + " is not signed by the device"}
	}

	session, err := s.Account.NewOutboundSession(device.IdentityKey(), key.Key, s.Config.Olm.MaxSkippedMessageKeys)
	if err != nil {
		return err
	}
	if err := s.Store.AddSession(ctx, session); err != nil {
		return err
	}
	s.Log.Ctx(ctx).Logger.Info("pairwise session created",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID),
		zap.String("session_id", session.ID()),
		zap.Bool("fallback_key", key.Fallback))
	return nil
}

// EncryptForDevice wraps an event for one device through its most recently
// used session. Without a session it fails with ErrNoPairwiseSession.
func (s *SessionService) EncryptForDevice(ctx context.Context, device *encryption.Device, eventType string, content any) (encryption.OlmEncryptedContent, error) {
	sessions, err := s.Store.GetSessions(ctx, device.IdentityKey())
	if err != nil {
		return encryption.OlmEncryptedContent{}, err
	}
	if len(sessions) == 0 || device.IdentityKey() == "" {
		return encryption.OlmEncryptedContent{}, fmt.Errorf("%w: %s/%s", sentinal_errors.ErrNoPairwiseSession, device.UserID(), device.DeviceID())
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return encryption.OlmEncryptedContent{}, err
	}
	payload := encryption.OlmPayload{
		Type:          eventType,
		Content:       raw,
		Sender:        s.Account.UserID(),
		SenderDevice:  s.Account.DeviceID(),
		Keys:          map[string]string{encryption.KeyAlgorithmEd25519: s.Account.SigningKey()},
		Recipient:     device.UserID(),
		RecipientKeys: map[string]string{encryption.KeyAlgorithmEd25519: device.SigningKey()},
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return encryption.OlmEncryptedContent{}, err
	}
	ct, err := sessions[0].Encrypt(plaintext)
	if err != nil {
		return encryption.OlmEncryptedContent{}, err
	}
	return encryption.OlmEncryptedContent{
		Algorithm:  encryption.AlgorithmOlmV1,
		SenderKey:  s.Account.IdentityKey(),
		Ciphertext: map[string]encryption.OlmCiphertext{device.IdentityKey(): ct},
	}, nil
}

// DecryptToDevice opens an m.room.encrypted to-device event. A pre-key message
// with no matching session creates the inbound session and consumes the
// one-time key it was built on.
func (s *SessionService) DecryptToDevice(ctx context.Context, event encryption.ToDeviceEvent) (*DecryptedToDevice, error) {
	var content encryption.OlmEncryptedContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", olm.ErrMalformedMessage, err)
	}
	if content.Algorithm != encryption.AlgorithmOlmV1 {
		return nil, fmt.Errorf("%w: algorithm %q", sentinal_errors.ErrInvalidInput, content.Algorithm)
	}
	ct, ok := content.Ciphertext[s.Account.IdentityKey()]
	if !ok {
		return nil, ErrNotForThisDevice
	}

	plaintext, err := s.decrypt(ctx, content.SenderKey, ct)
	if err != nil {
		return nil, err
	}

	var payload encryption.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", olm.ErrMalformedMessage, err)
	}
	if payload.Sender != event.Sender {
		return nil, fmt.Errorf("%w: sender %s claims to be %s", ErrPayloadMismatch, event.Sender, payload.Sender)
	}
	if payload.Recipient != s.Account.UserID() || payload.RecipientKeys[encryption.KeyAlgorithmEd25519] != s.Account.SigningKey() {
		return nil, fmt.Errorf("%w: addressed to another device", ErrPayloadMismatch)
	}

	out := &DecryptedToDevice{Payload: payload, SenderKey: content.SenderKey}
	device, err := s.Store.GetDeviceByIdentityKey(ctx, content.SenderKey)
	switch {
	case err == nil:
		if device.UserID() != payload.Sender || device.SigningKey() != payload.Keys[encryption.KeyAlgorithmEd25519] {
			return nil, fmt.Errorf("%w: sender key belongs to %s/%s", ErrPayloadMismatch, device.UserID(), device.DeviceID())
		}
		out.Device = device
	case errors.Is(err, sentinal_errors.ErrNotFound):
	default:
		return nil, err
	}
	return out, nil
}

func (s *SessionService) decrypt(ctx context.Context, senderKey string, ct encryption.OlmCiphertext) ([]byte, error) {
	sessions, err := s.Store.GetSessions(ctx, senderKey)
	if err != nil {
		return nil, err
	}

	if ct.Type == olm.MessageTypePreKey {
		pre, err := olm.ParsePreKeyMessage(ct.Body)
		if err != nil {
			return nil, err
		}
		for _, session := range sessions {
			if session.Matches(pre) {
				return session.Decrypt(ct)
			}
		}

		session, err := s.Account.NewInboundSession(senderKey, pre, s.Config.Olm.MaxSkippedMessageKeys)
		if err != nil {
			return nil, err
		}
		plaintext, err := session.Decrypt(ct)
		if err != nil {
			return nil, err
		}
		if err := s.Account.RemoveOneTimeKey(pre.OneTimeKey); err != nil {
			return nil, err
		}
		if err := s.Store.AddSession(ctx, session); err != nil {
			return nil, err
		}
		s.Log.Ctx(ctx).Logger.Info("inbound pairwise session created", zap.String("sender_key", senderKey), zap.String("session_id", session.ID()))
		return plaintext, nil
	}

	for _, session := range sessions {
		if plaintext, err := session.Decrypt(ct); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrNoMatchingSession
}
