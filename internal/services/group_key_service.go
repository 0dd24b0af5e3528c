package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GroupKeyService distributes room keys over pairwise sessions and encrypts
// and decrypts room events with them. It never rotates a room key on its own.
type GroupKeyService struct {
	Deps
	sessions *SessionService
}

func NewGroupKeyService(d Deps, sessions *SessionService) *GroupKeyService {
	return &GroupKeyService{Deps: d, sessions: sessions}
}

// ShareResult is what one ShareRoomKey call produced.
type ShareResult struct {
	SessionID  string                     `json:"session_id"`
	Generation uint32                     `json:"generation"`
	Requests   []outbox.OutgoingRequest   `json:"requests"`
	SharedWith []encryption.DeviceRef     `json:"shared_with"`
	Withheld   []encryption.WithheldEntry `json:"withheld"`
}

// DecryptedRoomEvent is a room event after Megolm decryption.
type DecryptedRoomEvent struct {
	Type         string                `json:"type"`
	Content      json.RawMessage       `json:"content"`
	SenderKey    string                `json:"sender_key"`
	SenderDevice string                `json:"sender_device,omitempty"`
	SessionID    string                `json:"session_id"`
	MessageIndex uint32                `json:"message_index"`
	Trust        encryption.TrustState `json:"trust"`
	Forwarded    bool                  `json:"forwarded"`
}

// outboundSession returns the room's usable outbound session, creating the
// next generation when there is none or the current one was invalidated.
func (s *GroupKeyService) outboundSession(ctx context.Context, roomID string, settings encryption.EncryptionSettings) (*olm.OutboundGroupSession, error) {
	prev, err := s.Store.GetOutboundGroupSession(ctx, roomID)
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil, err
	}
	if prev != nil && !prev.Invalidated() {
		return prev, nil
	}

	var generation uint32
	if prev != nil {
		generation = prev.Generation() + 1
	}
	session, err := olm.NewOutboundGroupSession(roomID, generation, settings.SharedHistory())
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveOutboundGroupSession(ctx, session); err != nil {
		return nil, err
	}

	key, err := session.SessionKey()
	if err != nil {
		return nil, err
	}
	own, err := olm.NewInboundGroupSession(roomID, session.SessionID(), s.Account.IdentityKey(),
		map[string]string{encryption.KeyAlgorithmEd25519: s.Account.SigningKey()},
		key, generation, session.SharedHistory())
	if err != nil {
		return nil, err
	}
	if _, err := s.StoreInbound(ctx, own); err != nil {
		return nil, err
	}

	s.Log.Ctx(ctx).Logger.Info("group session created", zap.String("session_id", session.SessionID()), zap.Uint32("generation", generation))
	return session, nil
}

// StoreInbound saves an inbound session unless one with the same id is
// already held. A held session is never overwritten.
func (s *GroupKeyService) StoreInbound(ctx context.Context, session *olm.InboundGroupSession) (bool, error) {
	_, err := s.Store.GetInboundGroupSession(ctx, session.RoomID(), session.SessionID())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sentinal_errors.ErrNotFound) {
		return false, err
	}
	session.SetMaxAdvance(s.Config.Olm.MaxRatchetAdvance)
	if err := s.Store.SaveInboundGroupSession(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// collect walks the members' devices in a stable order.
func (s *GroupKeyService) collect(ctx context.Context, members []string) ([]*encryption.Device, error) {
	users := append([]string(nil), members...)
	sort.Strings(users)

	var out []*encryption.Device
	for _, user := range users {
		devices, err := s.Store.GetUserDevices(ctx, user)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(devices))
		for id := range devices {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			d := devices[id]
			if d.Deleted || (user == s.Account.UserID() && id == s.Account.DeviceID()) {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// eligibility returns the withheld code for a device under strategy, or "" if
// the device may receive keys.
func eligibility(d *encryption.Device, strategy encryption.CollectStrategy) encryption.WithheldCode {
	if d.Blacklisted {
		return encryption.WithheldBlacklisted
	}
	if strategy == encryption.CollectOnlyCrossSigned && !d.IsCrossSigned() {
		return encryption.WithheldUnverified
	}
	return ""
}

// ShareRoomKey hands the room's current group key to every eligible device of
// members that holds a pairwise session. Devices that cannot receive it are
// listed as withheld and notified once. A device that failed is never an
// error for the whole call.
func (s *GroupKeyService) ShareRoomKey(ctx context.Context, roomID string, members []string, settings encryption.EncryptionSettings) (*ShareResult, error) {
	log := s.Log.Ctx(logger.WithRoom(ctx, roomID))
	if settings.Algorithm != "" && settings.Algorithm != encryption.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: algorithm %q", sentinal_errors.ErrInvalidInput, settings.Algorithm)
	}

	session, err := s.outboundSession(ctx, roomID, settings)
	if err != nil {
		return nil, err
	}
	targets, err := s.collect(ctx, members)
	if err != nil {
		return nil, err
	}

	sessionKey, err := session.SessionKey()
	if err != nil {
		return nil, err
	}
	roomKey := encryption.RoomKeyContent{
		Algorithm:     encryption.AlgorithmMegolmV1,
		RoomID:        roomID,
		SessionID:     session.SessionID(),
		SessionKey:    sessionKey,
		Generation:    session.Generation(),
		SharedHistory: session.SharedHistory(),
	}

	result := &ShareResult{SessionID: session.SessionID(), Generation: session.Generation()}
	keyMessages := make(map[string]map[string]json.RawMessage)
	withheldMessages := make(map[string]map[string]json.RawMessage)

	for _, d := range targets {
		if session.IsSharedWith(d.UserID(), d.DeviceID()) {
			continue
		}

		code := eligibility(d, settings.SharingStrategy)
		var encrypted encryption.OlmEncryptedContent
		if code == "" {
			encrypted, err = s.sessions.EncryptForDevice(ctx, d, encryption.EventRoomKey, roomKey)
			switch {
			case err == nil:
			case errors.Is(err, sentinal_errors.ErrNoPairwiseSession):
				code = encryption.WithheldNoOlm
			default:
				return nil, err
			}
		}

		if code != "" {
			entry := encryption.WithheldEntry{UserID: d.UserID(), DeviceID: d.DeviceID(), Code: code}
			result.Withheld = append(result.Withheld, entry)
			s.Metrics.KeysWithheld.WithLabelValues(string(code)).Inc()
			if !session.MarkWithheld(d.UserID(), d.DeviceID(), code) {
				continue
			}
			notice, err := json.Marshal(encryption.RoomKeyWithheldContent{
				Algorithm:  encryption.AlgorithmMegolmV1,
				RoomID:     roomID,
				SessionID:  session.SessionID(),
				SenderKey:  s.Account.IdentityKey(),
				Code:       code,
				Reason:     code.Reason(),
				FromDevice: s.Account.DeviceID(),
			})
			if err != nil {
				return nil, err
			}
			addMessage(withheldMessages, d, notice)
			continue
		}

		raw, err := json.Marshal(encrypted)
		if err != nil {
			return nil, err
		}
		addMessage(keyMessages, d, raw)
		session.MarkSharedWith(d.UserID(), d.DeviceID(), session.MessageIndex())
		result.SharedWith = append(result.SharedWith, encryption.DeviceRef{UserID: d.UserID(), DeviceID: d.DeviceID()})
	}

	if len(keyMessages) > 0 {
		req, err := s.enqueueToDevice(encryption.EventRoomEncrypted, keyMessages)
		if err != nil {
			return nil, err
		}
		result.Requests = append(result.Requests, req)
	}
	if len(withheldMessages) > 0 {
		req, err := s.enqueueToDevice(encryption.EventRoomKeyWithheld, withheldMessages)
		if err != nil {
			return nil, err
		}
		result.Requests = append(result.Requests, req)
	}
	if err := s.Store.SaveOutboundGroupSession(ctx, session); err != nil {
		return nil, err
	}

	log.Logger.Info("room key shared",
		zap.String("session_id", session.SessionID()),
		zap.Int("shared", len(result.SharedWith)),
		zap.Int("withheld", len(result.Withheld)))
	return result, nil
}

func addMessage(messages map[string]map[string]json.RawMessage, d *encryption.Device, content json.RawMessage) {
	if messages[d.UserID()] == nil {
		messages[d.UserID()] = make(map[string]json.RawMessage)
	}
	messages[d.UserID()][d.DeviceID()] = content
}

func (s *GroupKeyService) enqueueToDevice(eventType string, messages map[string]map[string]json.RawMessage) (outbox.OutgoingRequest, error) {
	return s.Ledger.Enqueue(outbox.KindToDevice, httpdto.ToDeviceRequest{
		EventType: eventType,
		TxnID:     uuid.NewString(),
		Messages:  messages,
	})
}

// InvalidateGroupSession discards the room's outbound session so the next
// ShareRoomKey starts a new generation. It reports whether there was one.
func (s *GroupKeyService) InvalidateGroupSession(ctx context.Context, roomID string) (bool, error) {
	session, err := s.Store.GetOutboundGroupSession(ctx, roomID)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if session.Invalidated() {
		return false, nil
	}
	session.Invalidate()
	if err := s.Store.SaveOutboundGroupSession(ctx, session); err != nil {
		return false, err
	}
	s.Log.Ctx(logger.WithRoom(ctx, roomID)).Logger.Info("group session invalidated", zap.String("session_id", session.SessionID()))
	return true, nil
}

// EncryptRoomEvent encrypts content with the room's current outbound session.
func (s *GroupKeyService) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (encryption.MegolmEncryptedContent, error) {
	session, err := s.Store.GetOutboundGroupSession(ctx, roomID)
	if errors.Is(err, sentinal_errors.ErrNotFound) || (err == nil && session.Invalidated()) {
		return encryption.MegolmEncryptedContent{}, fmt.Errorf("%w: %s", sentinal_errors.ErrNoGroupSession, roomID)
	}
	if err != nil {
		return encryption.MegolmEncryptedContent{}, err
	}

	plaintext, err := json.Marshal(encryption.MegolmPayload{Type: eventType, Content: content, RoomID: roomID})
	if err != nil {
		return encryption.MegolmEncryptedContent{}, err
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return encryption.MegolmEncryptedContent{}, err
	}
	if err := s.Store.SaveOutboundGroupSession(ctx, session); err != nil {
		return encryption.MegolmEncryptedContent{}, err
	}
	return encryption.MegolmEncryptedContent{
		Algorithm:  encryption.AlgorithmMegolmV1,
		SenderKey:  s.Account.IdentityKey(),
		DeviceID:   s.Account.DeviceID(),
		SessionID:  session.SessionID(),
		Ciphertext: ciphertext,
	}, nil
}

func (s *GroupKeyService) fail(code sentinal_errors.DecryptionErrorCode, sessionID string, cause error) error {
	s.Metrics.DecryptionFailures.WithLabelValues(string(code)).Inc()
	return &sentinal_errors.DecryptionError{Code: code, SessionID: sessionID, Err: cause}
}

// DecryptRoomEvent decrypts one room event. Every failure is a
// *DecryptionError describing that event only.
func (s *GroupKeyService) DecryptRoomEvent(ctx context.Context, event encryption.RoomEvent, roomID string, trust encryption.TrustRequirement) (*DecryptedRoomEvent, error) {
	var content encryption.MegolmEncryptedContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, s.fail(sentinal_errors.DecryptUnableToDecrypt, "", err)
	}
	if content.Algorithm != encryption.AlgorithmMegolmV1 {
		return nil, s.fail(sentinal_errors.DecryptUnableToDecrypt, content.SessionID, fmt.Errorf("algorithm %q", content.Algorithm))
	}

	session, err := s.Store.GetInboundGroupSession(ctx, roomID, content.SessionID)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		derr := &sentinal_errors.DecryptionError{Code: sentinal_errors.DecryptMissingRoomKey, SessionID: content.SessionID}
		if w, werr := s.Store.GetWithheld(ctx, roomID, content.SessionID); werr == nil {
			derr.WithheldCode = string(w.Code)
		}
		s.Metrics.DecryptionFailures.WithLabelValues(string(derr.Code)).Inc()
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	if session.SenderKey() != content.SenderKey {
		return nil, s.fail(sentinal_errors.DecryptMismatchedIdentityKeys, content.SessionID, nil)
	}

	plaintext, index, err := session.Decrypt(content.Ciphertext)
	if errors.Is(err, olm.ErrUnknownMessageIndex) {
		return nil, s.fail(sentinal_errors.DecryptUnknownMessageIndex, content.SessionID, err)
	}
	if err != nil {
		return nil, s.fail(sentinal_errors.DecryptUnableToDecrypt, content.SessionID, err)
	}

	var payload encryption.MegolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, s.fail(sentinal_errors.DecryptUnableToDecrypt, content.SessionID, err)
	}
	if payload.RoomID != roomID {
		return nil, s.fail(sentinal_errors.DecryptUnableToDecrypt, content.SessionID, fmt.Errorf("event was encrypted for room %s", payload.RoomID))
	}

	out := &DecryptedRoomEvent{
		Type:         payload.Type,
		Content:      payload.Content,
		SenderKey:    session.SenderKey(),
		SessionID:    session.SessionID(),
		MessageIndex: index,
		Trust:        encryption.TrustUnverified,
		Forwarded:    session.Imported(),
	}
	if err := s.checkSender(ctx, event.Sender, session, trust, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GroupKeyService) checkSender(ctx context.Context, sender string, session *olm.InboundGroupSession, trust encryption.TrustRequirement, out *DecryptedRoomEvent) error {
	if session.SenderKey() == s.Account.IdentityKey() {
		if sender != s.Account.UserID() {
			return s.fail(sentinal_errors.DecryptMismatchedSender, session.SessionID(), nil)
		}
		out.SenderDevice = s.Account.DeviceID()
		out.Trust = encryption.TrustVerified
		return nil
	}

	device, err := s.Store.GetDeviceByIdentityKey(ctx, session.SenderKey())
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		if trust == encryption.TrustRequirementUntrusted || trust == "" {
			return nil
		}
		return s.fail(sentinal_errors.DecryptUnknownSenderDevice, session.SessionID(), nil)
	}
	if err != nil {
		return err
	}
	if device.UserID() != sender {
		return s.fail(sentinal_errors.DecryptMismatchedSender, session.SessionID(), nil)
	}
	if claimed := session.ClaimedSigningKey(); claimed != "" && claimed != device.SigningKey() {
		return s.fail(sentinal_errors.DecryptMismatchedIdentityKeys, session.SessionID(), nil)
	}
	out.SenderDevice = device.DeviceID()
	out.Trust = device.Trust

	switch trust {
	case encryption.TrustRequirementCrossSigned:
		if !device.IsCrossSigned() {
			return s.fail(sentinal_errors.DecryptUnsignedSenderDevice, session.SessionID(), nil)
		}
	case encryption.TrustRequirementCrossSignedOrLegacy:
		if device.IsCrossSigned() {
			return nil
		}
		identity, err := s.Store.GetUserIdentity(ctx, sender)
		if err == nil && identity.Master != nil {
			return s.fail(sentinal_errors.DecryptUnsignedSenderDevice, session.SessionID(), nil)
		}
	}
	return nil
}

// ReceiveRoomKey stores a group session delivered over Olm.
func (s *GroupKeyService) ReceiveRoomKey(ctx context.Context, decrypted *DecryptedToDevice) (*olm.InboundGroupSession, error) {
	var content encryption.RoomKeyContent
	if err := json.Unmarshal(decrypted.Payload.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: room key: %v", sentinal_errors.ErrInvalidInput, err)
	}
	if content.Algorithm != encryption.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: room key algorithm %q", sentinal_errors.ErrInvalidInput, content.Algorithm)
	}
	claimed := map[string]string{encryption.KeyAlgorithmEd25519: decrypted.Payload.Keys[encryption.KeyAlgorithmEd25519]}
	session, err := olm.NewInboundGroupSession(content.RoomID, content.SessionID, decrypted.SenderKey, claimed,
		content.SessionKey, content.Generation, content.SharedHistory)
	if err != nil {
		return nil, err
	}
	added, err := s.StoreInbound(ctx, session)
	if err != nil {
		return nil, err
	}
	s.Log.Ctx(logger.WithRoom(ctx, content.RoomID)).Logger.Debug("room key received",
		zap.String("session_id", content.SessionID),
		zap.Uint32("generation", content.Generation),
		zap.Bool("new", added))
	return session, nil
}

// ReceiveWithheld records why a key was not shared with this device.
func (s *GroupKeyService) ReceiveWithheld(ctx context.Context, event encryption.ToDeviceEvent) (*encryption.RoomKeyWithheldContent, error) {
	var content encryption.RoomKeyWithheldContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: withheld notice: %v", sentinal_errors.ErrInvalidInput, err)
	}
	if content.RoomID == "" || content.SessionID == "" || content.Code == "" {
		return nil, fmt.Errorf("%w: withheld notice without room, session or code", sentinal_errors.ErrInvalidInput)
	}
	if err := s.Store.SaveWithheld(ctx, content); err != nil {
		return nil, err
	}
	return &content, nil
}
