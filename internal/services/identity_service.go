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
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"go.uber.org/zap"
)

type crossSigningKeys struct {
	master      *crypto.Ed25519KeyPair
	selfSigning *crypto.Ed25519KeyPair
	userSigning *crypto.Ed25519KeyPair
}

// IdentityService publishes this device's keys, bootstraps cross-signing and
// merges what key queries report about other users.
type IdentityService struct {
	Deps
	private crossSigningKeys
}

func NewIdentityService(d Deps) *IdentityService {
	return &IdentityService{Deps: d}
}

// needsUpload reports whether the account holds anything the server has not seen.
func (s *IdentityService) needsUpload() (bool, error) {
	if !s.Account.Shared() {
		return true, nil
	}
	otks, err := s.Account.UnpublishedOneTimeKeys()
	if err != nil {
		return false, err
	}
	fallback, err := s.Account.UnpublishedFallbackKey()
	if err != nil {
		return false, err
	}
	return len(otks) > 0 || len(fallback) > 0, nil
}

// PublishIdentity returns the KeysUpload request carrying the device keys and
// a batch of one-time keys. While one is pending it is returned again.
func (s *IdentityService) PublishIdentity(ctx context.Context) (outbox.OutgoingRequest, error) {
	if pending := s.Ledger.PendingOfKind(outbox.KindKeysUpload); len(pending) > 0 {
		return pending[0], nil
	}
	if !s.Account.Shared() && s.Account.OneTimeKeyCount() == 0 {
		if _, err := s.Account.GenerateOneTimeKeys(s.Config.Olm.OneTimeKeyTarget); err != nil {
			return outbox.OutgoingRequest{}, err
		}
		if _, err := s.Account.GenerateFallbackKey(); err != nil {
			return outbox.OutgoingRequest{}, err
		}
	}
	req, _, err := s.enqueueUpload(ctx, true)
	return req, err
}

// MaybeUpload queues a KeysUpload when the account has unpublished keys and no
// upload is already pending.
func (s *IdentityService) MaybeUpload(ctx context.Context) (*outbox.OutgoingRequest, error) {
	if len(s.Ledger.PendingOfKind(outbox.KindKeysUpload)) > 0 {
		return nil, nil
	}
	need, err := s.needsUpload()
	if err != nil || !need {
		return nil, err
	}
	req, _, err := s.enqueueUpload(ctx, false)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *IdentityService) enqueueUpload(ctx context.Context, force bool) (outbox.OutgoingRequest, bool, error) {
	body := httpdto.KeysUploadRequest{}
	if force || !s.Account.Shared() {
		keys, err := s.Account.DeviceKeys()
		if err != nil {
			return outbox.OutgoingRequest{}, false, err
		}
		body.DeviceKeys = &keys
	}
	otks, err := s.Account.UnpublishedOneTimeKeys()
	if err != nil {
		return outbox.OutgoingRequest{}, false, err
	}
	if len(otks) > 0 {
		body.OneTimeKeys = otks
	}
	fallback, err := s.Account.UnpublishedFallbackKey()
	if err != nil {
		return outbox.OutgoingRequest{}, false, err
	}
	if len(fallback) > 0 {
		body.FallbackKeys = fallback
	}

	req, err := s.Ledger.Enqueue(outbox.KindKeysUpload, body)
	if err != nil {
		return outbox.OutgoingRequest{}, false, err
	}
	s.Log.Ctx(ctx).Logger.Debug("keys upload queued",
		zap.String("request_id", req.ID),
		zap.Int("one_time_keys", len(otks)),
		zap.Bool("fallback", len(fallback) > 0))
	return req, true, nil
}

// ReceiveKeysUploadResponse marks the uploaded keys as published and tops up
// one-time keys if the server reports fewer than half the target.
func (s *IdentityService) ReceiveKeysUploadResponse(ctx context.Context, body json.RawMessage) error {
	var resp httpdto.KeysUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: keys upload response: %v", sentinal_errors.ErrInvalidInput, err)
	}
	s.Account.MarkShared()
	s.Account.MarkKeysAsPublished()
	return s.replenish(ctx, resp.OneTimeKeyCounts, nil)
}

// ReplenishKeys generates one-time keys when the server count is below half of
// the target and a fallback key when the server reports none unused. The new
// keys go out with the next KeysUpload. A nil fallback list means unknown.
// Nothing is generated while a KeysUpload is pending, since the counts the
// server reports do not include it yet.
func (s *IdentityService) ReplenishKeys(ctx context.Context, counts map[string]int, unusedFallback []string) error {
	if pending := s.Ledger.PendingOfKind(outbox.KindKeysUpload); len(pending) > 0 {
		s.Log.Ctx(ctx).Logger.Debug("key replenishment deferred", zap.String("request_id", pending[0].ID))
		return nil
	}
	return s.replenish(ctx, counts, unusedFallback)
}

func (s *IdentityService) replenish(ctx context.Context, counts map[string]int, unusedFallback []string) error {
	target := s.Config.Olm.OneTimeKeyTarget
	if count, ok := counts[encryption.KeyAlgorithmSignedCurve25519]; ok && count < target/2 {
		if missing := target - count - s.Account.UnpublishedOneTimeKeyCount(); missing > 0 {
			generated, err := s.Account.GenerateOneTimeKeys(missing)
			if err != nil {
				return err
			}
			if generated < missing {
				s.Log.Ctx(ctx).Logger.Warn("one-time key pool full", zap.Int("wanted", missing), zap.Int("generated", generated))
			}
			s.Log.Ctx(ctx).Logger.Info("one-time keys replenished", zap.Int("server_count", count), zap.Int("generated", generated))
		}
	}
	if unusedFallback != nil && !contains(unusedFallback, encryption.KeyAlgorithmSignedCurve25519) {
		rotated, err := s.Account.GenerateFallbackKey()
		if err != nil {
			return err
		}
		if rotated {
			s.Log.Ctx(ctx).Logger.Info("fallback key rotated")
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *IdentityService) CrossSigningStatus() encryption.CrossSigningStatus {
	return encryption.CrossSigningStatus{
		HasMaster:      s.private.master != nil,
		HasSelfSigning: s.private.selfSigning != nil,
		HasUserSigning: s.private.userSigning != nil,
	}
}

func (s *IdentityService) crossSigningKey(kp *crypto.Ed25519KeyPair, usage string) encryption.CrossSigningKey {
	pub := kp.PublicKey()
	return encryption.CrossSigningKey{
		UserID: s.Account.UserID(),
		Usage:  []string{usage},
		Keys:   map[string]string{encryption.KeyID(encryption.KeyAlgorithmEd25519, pub): pub},
	}
}

func signWith(kp *crypto.Ed25519KeyPair, userID string, key *encryption.CrossSigningKey) error {
	sig, err := crypto.SignJSON(*kp, key)
	if err != nil {
		return err
	}
	if key.Signatures == nil {
		key.Signatures = encryption.Signatures{}
	}
	key.Signatures.Set(userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, kp.PublicKey()), sig)
	return nil
}

// BootstrapCrossSigning creates master, self-signing and user-signing keys and
// returns the SigningKeysUpload and SignatureUpload requests that publish them.
// With cross-signing already set up and reset false it returns nothing.
func (s *IdentityService) BootstrapCrossSigning(ctx context.Context, reset bool) ([]outbox.OutgoingRequest, error) {
	if s.CrossSigningStatus().Complete() && !reset {
		return nil, nil
	}
	userID := s.Account.UserID()

	var generated [3]crypto.Ed25519KeyPair
	for i := range generated {
		kp, err := crypto.GenerateEd25519()
		if err != nil {
			return nil, err
		}
		generated[i] = kp
	}
	masterPair, sskPair, uskPair := &generated[0], &generated[1], &generated[2]

	master := s.crossSigningKey(masterPair, encryption.UsageMaster)
	selfSigning := s.crossSigningKey(sskPair, encryption.UsageSelfSigning)
	userSigning := s.crossSigningKey(uskPair, encryption.UsageUserSigning)
	if err := signWith(masterPair, userID, &selfSigning); err != nil {
		return nil, err
	}
	if err := signWith(masterPair, userID, &userSigning); err != nil {
		return nil, err
	}

	deviceKeys, err := s.Account.DeviceKeys()
	if err != nil {
		return nil, err
	}
	deviceSig, err := crypto.SignJSON(*sskPair, deviceKeys)
	if err != nil {
		return nil, err
	}
	deviceKeys.Signatures.Set(userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, sskPair.PublicKey()), deviceSig)

	signedMaster := master
	signedMaster.Signatures = encryption.Signatures{}
	masterSig, err := s.Account.SignJSON(master)
	if err != nil {
		return nil, err
	}
	signedMaster.Signatures.Set(userID, encryption.KeyID(encryption.KeyAlgorithmEd25519, s.Account.DeviceID()), masterSig)

	signingUpload := httpdto.SigningKeysUploadRequest{
		MasterKey:      &master,
		SelfSigningKey: &selfSigning,
		UserSigningKey: &userSigning,
	}
	deviceRaw, err := json.Marshal(deviceKeys)
	if err != nil {
		return nil, err
	}
	masterRaw, err := json.Marshal(signedMaster)
	if err != nil {
		return nil, err
	}
	signatureUpload := httpdto.SignatureUploadRequest{
		userID: {
			s.Account.DeviceID():   deviceRaw,
			masterPair.PublicKey(): masterRaw,
		},
	}

	first, err := s.Ledger.Enqueue(outbox.KindSigningKeysUpload, signingUpload)
	if err != nil {
		return nil, err
	}
	second, err := s.Ledger.Enqueue(outbox.KindSignatureUpload, signatureUpload)
	if err != nil {
		return nil, err
	}

	s.private = crossSigningKeys{master: masterPair, selfSigning: sskPair, userSigning: uskPair}

	now := time.Now()
	master.Signatures = encryption.MergeSignatures(master.Signatures, signedMaster.Signatures)
	if err := s.Store.SaveUserIdentity(ctx, &encryption.UserIdentity{
		UserID:      userID,
		Master:      &master,
		SelfSigning: &selfSigning,
		UserSigning: &userSigning,
		Verified:    true,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}
	own := &encryption.Device{Keys: deviceKeys, Trust: encryption.TrustVerified, FirstSeenAt: now, UpdatedAt: now}
	if existing, err := s.Store.GetDevice(ctx, userID, s.Account.DeviceID()); err == nil {
		own.FirstSeenAt = existing.FirstSeenAt
		own.Keys.Signatures = encryption.MergeSignatures(existing.Keys.Signatures, deviceKeys.Signatures)
	}
	if err := s.Store.SaveDevice(ctx, own); err != nil {
		return nil, err
	}

	s.Log.Ctx(ctx).Logger.Info("cross-signing bootstrapped", zap.Bool("reset", reset), zap.String("master_key", masterPair.PublicKey()))
	return []outbox.OutgoingRequest{first, second}, nil
}

// UpdateTrackedUsers starts following users; newly tracked users get queried
// on the next OutgoingRequests.
func (s *IdentityService) UpdateTrackedUsers(ctx context.Context, userIDs []string) error {
	added, err := s.Store.TrackUsers(ctx, userIDs)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		s.Log.Ctx(ctx).Logger.Debug("tracking users", zap.Strings("users", added))
	}
	return nil
}

// QueryKeysForUsers returns one KeysQuery for the users that are not already
// part of a pending query, or nil when all of them are.
func (s *IdentityService) QueryKeysForUsers(ctx context.Context, userIDs []string) (*outbox.OutgoingRequest, error) {
	inFlight := pendingQueryUsers(s.Ledger)
	body := httpdto.KeysQueryRequest{DeviceKeys: make(map[string][]string)}
	for _, user := range userIDs {
		if inFlight[user] {
			continue
		}
		body.DeviceKeys[user] = []string{}
	}
	if len(body.DeviceKeys) == 0 {
		return nil, nil
	}
	req, err := s.Ledger.Enqueue(outbox.KindKeysQuery, body)
	if err != nil {
		return nil, err
	}
	s.Log.Ctx(ctx).Logger.Debug("keys query queued", zap.String("request_id", req.ID), zap.Int("users", len(body.DeviceKeys)))
	return &req, nil
}

// QueryDirtyUsers queries every tracked user whose device list is stale.
func (s *IdentityService) QueryDirtyUsers(ctx context.Context) (*outbox.OutgoingRequest, error) {
	dirty, err := s.Store.DirtyUsers(ctx)
	if err != nil || len(dirty) == 0 {
		return nil, err
	}
	return s.QueryKeysForUsers(ctx, dirty)
}

// MarkDeviceListsChanged flags users from a sync device_lists.changed entry.
func (s *IdentityService) MarkDeviceListsChanged(ctx context.Context, changed []string) error {
	if len(changed) == 0 {
		return nil
	}
	return s.Store.MarkDirty(ctx, changed)
}

// MarkDeviceListsLeft stops tracking users who no longer share a room with
// us. Our own user is always kept.
func (s *IdentityService) MarkDeviceListsLeft(ctx context.Context, left []string) error {
	users := make([]string, 0, len(left))
	for _, u := range left {
		if u != s.Account.UserID() {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return nil
	}
	if err := s.Store.UntrackUsers(ctx, users); err != nil {
		return err
	}
	s.Log.Ctx(ctx).Logger.Debug("stopped tracking users", zap.Strings("users", users))
	return nil
}

// ReceiveKeysQueryResponse merges a KeysQuery response. The returned problems
// describe keys that could not be trusted; they never abort the merge. The
// error return is reserved for responses that cannot be applied at all.
func (s *IdentityService) ReceiveKeysQueryResponse(ctx context.Context, request, body json.RawMessage) ([]error, error) {
	var resp httpdto.KeysQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: keys query response: %v", sentinal_errors.ErrInvalidInput, err)
	}
	var req httpdto.KeysQueryRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("%w: keys query request: %v", sentinal_errors.ErrInvalidInput, err)
	}

	var problems []error
	users := make([]string, 0, len(resp.DeviceKeys))
	for user := range resp.DeviceKeys {
		users = append(users, user)
	}
	sort.Strings(users)

	var merged []string
	for _, user := range users {
		identity, identityProblems, err := s.mergeIdentity(ctx, user, resp)
		if err != nil {
			return problems, err
		}
		problems = append(problems, identityProblems...)

		requested, asked := req.DeviceKeys[user]
		full := !asked || len(requested) == 0
		deviceProblems, err := s.mergeDevices(ctx, user, identity, resp.DeviceKeys[user], full)
		if err != nil {
			return problems, err
		}
		problems = append(problems, deviceProblems...)
		merged = append(merged, user)
	}

	if err := s.Store.MarkClean(ctx, merged); err != nil {
		return problems, err
	}
	for _, problem := range problems {
		s.Log.Ctx(ctx).Logger.Warn("untrusted key material", zap.Error(problem))
	}
	return problems, nil
}

// verifyCrossSigned checks that key carries a valid signature by signer.
func verifyCrossSigned(userID string, signer *encryption.CrossSigningKey, signed any, signatures encryption.Signatures) bool {
	if signer == nil {
		return false
	}
	keyID, pub := signer.PublicKey()
	sig, ok := signatures.Get(userID, keyID)
	if !ok {
		return false
	}
	pk, err := crypto.DecodeEd25519(pub)
	if err != nil {
		return false
	}
	return crypto.VerifyJSON(pk, signed, sig) == nil
}

func (s *IdentityService) mergeIdentity(ctx context.Context, userID string, resp httpdto.KeysQueryResponse) (*encryption.UserIdentity, []error, error) {
	existing, err := s.Store.GetUserIdentity(ctx, userID)
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil, nil, err
	}

	master, hasMaster := resp.MasterKeys[userID]
	if !hasMaster {
		return existing, nil, nil
	}
	var problems []error
	if !master.HasUsage(encryption.UsageMaster) || master.UserID != userID {
		problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, Reason: "master key has wrong usage or owner"})
		return existing, problems, nil
	}

	identity := &encryption.UserIdentity{UserID: userID, UpdatedAt: time.Now()}
	_, newMasterPub := master.PublicKey()
	if existing != nil && existing.Master != nil {
		if _, oldPub := existing.Master.PublicKey(); oldPub == newMasterPub {
			*identity = *existing
			identity.UpdatedAt = time.Now()
			merged := *existing.Master
			merged.Signatures = encryption.MergeSignatures(existing.Master.Signatures, master.Signatures)
			master = merged
		} else {
			s.Log.Ctx(ctx).Logger.Warn("master key changed", zap.String("user_id", userID))
		}
	}
	if userID == s.Account.UserID() && s.private.master != nil {
		identity.Verified = newMasterPub == s.private.master.PublicKey()
	}
	identity.Master = &master

	if ssk, ok := resp.SelfSigningKeys[userID]; ok {
		if ssk.HasUsage(encryption.UsageSelfSigning) && verifyCrossSigned(userID, &master, ssk, ssk.Signatures) {
			if identity.SelfSigning != nil {
				if _, oldPub := identity.SelfSigning.PublicKey(); oldPub == publicOf(ssk) {
					ssk.Signatures = encryption.MergeSignatures(identity.SelfSigning.Signatures, ssk.Signatures)
				}
			}
			identity.SelfSigning = &ssk
		} else {
			problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, Reason: "self-signing key not signed by master key"})
			if identity.SelfSigning != nil && !verifyCrossSigned(userID, &master, *identity.SelfSigning, identity.SelfSigning.Signatures) {
				identity.SelfSigning = nil
			}
		}
	}
	if usk, ok := resp.UserSigningKeys[userID]; ok {
		if usk.HasUsage(encryption.UsageUserSigning) && verifyCrossSigned(userID, &master, usk, usk.Signatures) {
			identity.UserSigning = &usk
		} else {
			problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, Reason: "user-signing key not signed by master key"})
		}
	}

	if err := s.Store.SaveUserIdentity(ctx, identity); err != nil {
		return nil, problems, err
	}
	return identity, problems, nil
}

func publicOf(k encryption.CrossSigningKey) string {
	_, pub := k.PublicKey()
	return pub
}

func (s *IdentityService) mergeDevices(ctx context.Context, userID string, identity *encryption.UserIdentity, devices map[string]encryption.DeviceKeys, full bool) ([]error, error) {
	known, err := s.Store.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	var problems []error
	now := time.Now()
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, deviceID := range ids {
		keys := devices[deviceID]
		if keys.UserID != userID || keys.DeviceID != deviceID {
			problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, DeviceID: deviceID, Reason: "device keys do not match their position in the response"})
			continue
		}
		selfSigned := verifySelfSignature(keys)

		existing, seen := known[deviceID]
		if seen && (existing.IdentityKey() != keys.Curve25519() || existing.SigningKey() != keys.Ed25519()) {
			problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, DeviceID: deviceID, Reason: "identity keys changed"})
			continue
		}
		if !selfSigned {
			problems = append(problems, &sentinal_errors.TrustMergeError{UserID: userID, DeviceID: deviceID, Reason: "missing or invalid device self-signature"})
		}

		device := &encryption.Device{Keys: keys, Trust: encryption.TrustUnverified, FirstSeenAt: now, UpdatedAt: now}
		if seen {
			device.FirstSeenAt = existing.FirstSeenAt
			device.Blacklisted = existing.Blacklisted
			device.Keys.Signatures = encryption.MergeSignatures(existing.Keys.Signatures, keys.Signatures)
		}
		if selfSigned && identity != nil && verifyCrossSigned(userID, identity.SelfSigning, device.Keys, device.Keys.Signatures) {
			device.Trust = encryption.TrustCrossSigned
			if identity.Verified {
				device.Trust = encryption.TrustVerified
			}
		}
		if userID == s.Account.UserID() && deviceID == s.Account.DeviceID() {
			device.Trust = encryption.TrustVerified
		}
		if err := s.Store.SaveDevice(ctx, device); err != nil {
			return problems, err
		}
	}

	if full {
		for deviceID, device := range known {
			if _, ok := devices[deviceID]; ok || device.Deleted {
				continue
			}
			device.Deleted = true
			device.UpdatedAt = now
			if err := s.Store.SaveDevice(ctx, device); err != nil {
				return problems, err
			}
			s.Log.Ctx(ctx).Logger.Info("device removed from key directory", zap.String("user_id", userID), zap.String("device_id", deviceID))
		}
	}
	return problems, nil
}

func verifySelfSignature(keys encryption.DeviceKeys) bool {
	ed := keys.Ed25519()
	if ed == "" || keys.Curve25519() == "" {
		return false
	}
	sig, ok := keys.Signatures.Get(keys.UserID, encryption.KeyID(encryption.KeyAlgorithmEd25519, keys.DeviceID))
	if !ok {
		return false
	}
	pk, err := crypto.DecodeEd25519(ed)
	if err != nil {
		return false
	}
	return crypto.VerifyJSON(pk, keys, sig) == nil
}
