package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/storage"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

const bundleContentType = "application/octet-stream"

// HistoryBundleService packages a room's group sessions for a newly invited
// user and imports such packages on the receiving side.
type HistoryBundleService struct {
	Deps
	sessions *SessionService
	groups   *GroupKeyService
	blobs    storage.BlobStore
}

func NewHistoryBundleService(d Deps, sessions *SessionService, groups *GroupKeyService, blobs storage.BlobStore) *HistoryBundleService {
	return &HistoryBundleService{Deps: d, sessions: sessions, groups: groups, blobs: blobs}
}

// ImportResult summarises one bundle import.
type ImportResult struct {
	Imported   int                           `json:"imported"`
	AlreadyHad int                           `json:"already_had"`
	OtherRooms int                           `json:"other_rooms"`
	Invalid    int                           `json:"invalid"`
	Withheld   int                           `json:"withheld"`
	Sessions   []encryption.GroupSessionInfo `json:"sessions"`

	// Current is the newest session held per sender after the import. A
	// stale bundle never moves it backwards.
	Current []encryption.GroupSessionInfo `json:"current"`
}

// BuildRoomKeyBundle exports every group session held for roomID. Sessions
// created without shared history are listed as withheld instead. It returns
// nil when no session is held for the room.
func (s *HistoryBundleService) BuildRoomKeyBundle(ctx context.Context, roomID string) (*encryption.KeyBundle, error) {
	sessions, err := s.Store.GetInboundGroupSessions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	bundle := &encryption.KeyBundle{RoomKeys: []encryption.ExportedRoomKey{}, Withheld: []encryption.RoomKeyWithheldContent{}}
	for _, session := range sessions {
		if !session.SharedHistory() {
			bundle.Withheld = append(bundle.Withheld, encryption.RoomKeyWithheldContent{
				Algorithm: encryption.AlgorithmMegolmV1,
				RoomID:    roomID,
				SessionID: session.SessionID(),
				SenderKey: session.SenderKey(),
				Code:      encryption.WithheldHistoryNotShared,
				Reason:    encryption.WithheldHistoryNotShared.Reason(),
			})
			continue
		}
		exported, err := session.Export()
		if err != nil {
			return nil, err
		}
		bundle.RoomKeys = append(bundle.RoomKeys, exported)
	}
	return bundle, nil
}

// EncryptRoomKeyBundle serialises and encrypts a bundle in the attachment v2 format.
func (s *HistoryBundleService) EncryptRoomKeyBundle(bundle *encryption.KeyBundle) ([]byte, encryption.MediaEncryptionInfo, error) {
	if bundle == nil {
		return nil, encryption.MediaEncryptionInfo{}, fmt.Errorf("%w: nil bundle", sentinal_errors.ErrInvalidInput)
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, encryption.MediaEncryptionInfo{}, err
	}
	ciphertext, att, err := crypto.EncryptAttachment(plaintext)
	if err != nil {
		return nil, encryption.MediaEncryptionInfo{}, err
	}
	return ciphertext, encryption.NewMediaEncryptionInfo(att.Key, att.IV, att.SHA256), nil
}

// ShareRoomKeyBundleData tells recipient's eligible devices where the bundle
// for roomID lives and how to decrypt it. It never establishes sessions:
// devices without one are skipped, and if none has a session the call fails
// with ErrNoPairwiseSession.
func (s *HistoryBundleService) ShareRoomKeyBundleData(ctx context.Context, recipient, roomID string, file encryption.EncryptedFile, strategy encryption.CollectStrategy) (outbox.OutgoingRequest, error) {
	log := s.Log.Ctx(logger.WithRoom(ctx, roomID))
	devices, err := s.groups.collect(ctx, []string{recipient})
	if err != nil {
		return outbox.OutgoingRequest{}, err
	}

	content := encryption.RoomKeyBundleContent{RoomID: roomID, File: file}
	messages := make(map[string]map[string]json.RawMessage)
	eligible := 0
	for _, d := range devices {
		if code := eligibility(d, strategy); code != "" {
			log.Logger.Debug("bundle not announced to device", zap.String("device_id", d.DeviceID()), zap.String("code", string(code)))
			continue
		}
		eligible++
		encrypted, err := s.sessions.EncryptForDevice(ctx, d, encryption.EventRoomKeyBundle, content)
		if errors.Is(err, sentinal_errors.ErrNoPairwiseSession) {
			log.Logger.Warn("no pairwise session for bundle recipient device", zap.String("user_id", recipient), zap.String("device_id", d.DeviceID()))
			continue
		}
		if err != nil {
			return outbox.OutgoingRequest{}, err
		}
		raw, err := json.Marshal(encrypted)
		if err != nil {
			return outbox.OutgoingRequest{}, err
		}
		addMessage(messages, d, raw)
	}

	if eligible == 0 {
		return outbox.OutgoingRequest{}, fmt.Errorf("%w: %s", sentinal_errors.ErrNoEligibleDevices, recipient)
	}
	if len(messages) == 0 {
		return outbox.OutgoingRequest{}, fmt.Errorf("%w: %s", sentinal_errors.ErrNoPairwiseSession, recipient)
	}
	req, err := s.groups.enqueueToDevice(encryption.EventRoomEncrypted, messages)
	if err != nil {
		return outbox.OutgoingRequest{}, err
	}
	log.Logger.Info("room key bundle announced", zap.String("user_id", recipient), zap.Int("devices", len(messages[recipient])))
	return req, nil
}

// ReceiveBundleAnnouncement records the latest bundle reference for (room, sender).
func (s *HistoryBundleService) ReceiveBundleAnnouncement(ctx context.Context, decrypted *DecryptedToDevice) (*encryption.BundleReference, error) {
	var content encryption.RoomKeyBundleContent
	if err := json.Unmarshal(decrypted.Payload.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: bundle announcement: %v", sentinal_errors.ErrInvalidInput, err)
	}
	if content.RoomID == "" || content.File.URL == "" {
		return nil, fmt.Errorf("%w: bundle announcement without room or url", sentinal_errors.ErrInvalidInput)
	}
	ref := &encryption.BundleReference{
		RoomID:       content.RoomID,
		SenderUser:   decrypted.Payload.Sender,
		SenderDevice: decrypted.Payload.SenderDevice,
		SenderKey:    decrypted.SenderKey,
		File:         content.File,
		ReceivedAt:   time.Now(),
	}
	if err := s.Store.SaveBundleReference(ctx, ref); err != nil {
		return nil, err
	}
	s.Log.Ctx(logger.WithRoom(ctx, content.RoomID)).Logger.Info("room key bundle announced to us", zap.String("sender", ref.SenderUser))
	return ref, nil
}

// GetReceivedRoomKeyBundleData returns the reference recorded for (room,
// sender), or nil if no bundle was announced.
func (s *HistoryBundleService) GetReceivedRoomKeyBundleData(ctx context.Context, roomID, sender string) (*encryption.BundleReference, error) {
	ref, err := s.Store.GetBundleReference(ctx, roomID, sender)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil, nil
	}
	return ref, err
}

func importFailure(ref *encryption.BundleReference, reason string, err error) error {
	return &sentinal_errors.ImportError{RoomID: ref.RoomID, Sender: ref.SenderUser, Reason: reason, Err: err}
}

// ReceiveRoomKeyBundle decrypts a downloaded bundle and imports its sessions.
// The bundle must match a reference previously recorded for (room, sender);
// anything wrong with the blob as a whole rejects it without touching state.
// Sessions already held are kept as they are, and the newest generation per
// sender only ever moves forward.
func (s *HistoryBundleService) ReceiveRoomKeyBundle(ctx context.Context, ref *encryption.BundleReference, ciphertext []byte) (*ImportResult, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: nil bundle reference", sentinal_errors.ErrInvalidInput)
	}
	stored, err := s.Store.GetBundleReference(ctx, ref.RoomID, ref.SenderUser)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil, importFailure(ref, "no bundle was announced", nil)
	}
	if err != nil {
		return nil, err
	}
	if stored.File.URL != ref.File.URL {
		return nil, importFailure(ref, "bundle does not match the announced one", nil)
	}

	key, iv, digest, err := stored.File.Decode()
	if err != nil {
		return nil, importFailure(ref, "bad encryption info", err)
	}
	plaintext, err := crypto.DecryptAttachment(ciphertext, crypto.Attachment{Key: key, IV: iv, SHA256: digest})
	if err != nil {
		return nil, importFailure(ref, "bundle does not decrypt", err)
	}
	var bundle encryption.KeyBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, importFailure(ref, "bundle is not valid json", err)
	}

	log := s.Log.Ctx(logger.WithRoom(ctx, ref.RoomID))
	keys := append([]encryption.ExportedRoomKey(nil), bundle.RoomKeys...)
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Generation < keys[j].Generation })

	result := &ImportResult{}
	var sessions []*olm.InboundGroupSession
	for _, k := range keys {
		if k.RoomID != ref.RoomID {
			result.OtherRooms++
			continue
		}
		if k.Algorithm != encryption.AlgorithmMegolmV1 {
			result.Invalid++
			continue
		}
		session, err := olm.ImportInboundGroupSession(k)
		if err != nil {
			log.Logger.Warn("skipping invalid room key in bundle", zap.String("session_id", k.SessionID), zap.Error(err))
			result.Invalid++
			continue
		}
		sessions = append(sessions, session)
	}

	for _, session := range sessions {
		added, err := s.groups.StoreInbound(ctx, session)
		if err != nil {
			return result, err
		}
		if !added {
			result.AlreadyHad++
			continue
		}
		result.Imported++
		result.Sessions = append(result.Sessions, session.Info())
	}

	senders := make(map[string]bool)
	for _, session := range sessions {
		if senders[session.SenderKey()] {
			continue
		}
		senders[session.SenderKey()] = true
		current, err := s.Store.CurrentInboundGroupSession(ctx, ref.RoomID, session.SenderKey())
		if err != nil {
			return result, err
		}
		result.Current = append(result.Current, current.Info())
	}

	for _, w := range bundle.Withheld {
		if w.RoomID != ref.RoomID || w.SessionID == "" {
			continue
		}
		if _, err := s.Store.GetInboundGroupSession(ctx, w.RoomID, w.SessionID); err == nil {
			continue
		}
		if err := s.Store.SaveWithheld(ctx, w); err != nil {
			return result, err
		}
		result.Withheld++
	}

	log.Logger.Info("room key bundle imported",
		zap.String("sender", ref.SenderUser),
		zap.Int("imported", result.Imported),
		zap.Int("already_had", result.AlreadyHad),
		zap.Int("other_rooms", result.OtherRooms))
	return result, nil
}

// ShareHistory builds, encrypts, uploads and announces the room's bundle to
// recipient. It returns nil when there is nothing to share.
func (s *HistoryBundleService) ShareHistory(ctx context.Context, recipient, roomID string, strategy encryption.CollectStrategy) (*outbox.OutgoingRequest, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("%w: no blob store configured", sentinal_errors.ErrServiceUnavailable)
	}
	bundle, err := s.BuildRoomKeyBundle(ctx, roomID)
	if err != nil || bundle == nil {
		return nil, err
	}
	ciphertext, info, err := s.EncryptRoomKeyBundle(bundle)
	if err != nil {
		return nil, err
	}
	locator, err := s.blobs.Put(ctx, ciphertext, bundleContentType)
	if err != nil {
		return nil, fmt.Errorf("upload bundle: %w", err)
	}
	req, err := s.ShareRoomKeyBundleData(ctx, recipient, roomID, encryption.EncryptedFile{URL: locator, MediaEncryptionInfo: info}, strategy)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// AcceptHistory downloads and imports the bundle sender announced for roomID.
// It returns nil when no bundle was announced.
func (s *HistoryBundleService) AcceptHistory(ctx context.Context, roomID, sender string) (*ImportResult, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("%w: no blob store configured", sentinal_errors.ErrServiceUnavailable)
	}
	ref, err := s.GetReceivedRoomKeyBundleData(ctx, roomID, sender)
	if err != nil || ref == nil {
		return nil, err
	}
	ciphertext, err := s.blobs.Get(ctx, ref.File.URL)
	if err != nil {
		return nil, importFailure(ref, "bundle download failed", err)
	}
	return s.ReceiveRoomKeyBundle(ctx, ref, ciphertext)
}
