package homeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

// Matrix error codes used in per-key failures and HTTP error bodies.
const (
	ErrCodeNotFound         = "M_NOT_FOUND"
	ErrCodeInvalidSignature = "M_INVALID_SIGNATURE"
	ErrCodeInvalidParam     = "M_INVALID_PARAM"
)

const defaultSyncLimit = 100

type Options struct {
	Inbox     Inbox
	Keys      KeyStore
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	SyncLimit int
}

type device struct {
	keys *encryption.DeviceKeys
}

type user struct {
	devices     map[string]*device
	master      *encryption.CrossSigningKey
	selfSigning *encryption.CrossSigningKey
	userSigning *encryption.CrossSigningKey
}

// Server is the key directory and to-device relay of a single homeserver.
// It stores only public material.
type Server struct {
	mu      sync.Mutex
	users   map[string]*user
	changed map[string]map[string]struct{}
	batch   uint64

	inbox     Inbox
	otks      KeyStore
	syncLimit int
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func New(opts Options) *Server {
	if opts.Inbox == nil {
		opts.Inbox = NewMemoryInbox()
	}
	if opts.Keys == nil {
		opts.Keys = NewMemoryKeyStore()
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.SyncLimit <= 0 {
		opts.SyncLimit = defaultSyncLimit
	}
	return &Server{
		users:     make(map[string]*user),
		changed:   make(map[string]map[string]struct{}),
		inbox:     opts.Inbox,
		otks:      opts.Keys,
		syncLimit: opts.SyncLimit,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) user(userID string) *user {
	u, ok := s.users[userID]
	if !ok {
		u = &user{devices: make(map[string]*device)}
		s.users[userID] = u
	}
	return u
}

func (s *Server) device(userID, deviceID string) *device {
	u := s.user(userID)
	d, ok := u.devices[deviceID]
	if !ok {
		d = &device{}
		u.devices[deviceID] = d
	}
	return d
}

func (s *Server) lookup(userID, deviceID string) *device {
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return u.devices[deviceID]
}

// notifyChanged queues userID in the device_lists.changed of every known device.
func (s *Server) notifyChanged(userID string) {
	for uid, u := range s.users {
		for did := range u.devices {
			key := inboxKey(uid, did)
			set, ok := s.changed[key]
			if !ok {
				set = make(map[string]struct{})
				s.changed[key] = set
			}
			set[userID] = struct{}{}
		}
	}
}

// RegisterDevice creates an empty device entry, as login does.
func (s *Server) RegisterDevice(userID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device(userID, deviceID)
}

// DeleteDevice drops a device and its keys.
func (s *Server) DeleteDevice(ctx context.Context, userID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return
	}
	if _, ok := u.devices[deviceID]; !ok {
		return
	}
	delete(u.devices, deviceID)
	delete(s.changed, inboxKey(userID, deviceID))
	if err := s.otks.DeleteDeviceKeys(ctx, userID, deviceID); err != nil {
		s.log.Ctx(ctx).Logger.Warn("dropping one-time keys", zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Error(err))
	}
	s.notifyChanged(userID)
	s.log.Ctx(ctx).Logger.Info("device deleted", zap.String("user_id", userID), zap.String("device_id", deviceID))
}

func (s *Server) UploadKeys(ctx context.Context, userID, deviceID string, req httpdto.KeysUploadRequest) (httpdto.KeysUploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DeviceKeys != nil && (req.DeviceKeys.UserID != userID || req.DeviceKeys.DeviceID != deviceID) {
		return httpdto.KeysUploadResponse{}, fmt.Errorf("%w: device keys for %s/%s uploaded by %s/%s",
			sentinal_errors.ErrInvalidInput, req.DeviceKeys.UserID, req.DeviceKeys.DeviceID, userID, deviceID)
	}

	d := s.device(userID, deviceID)
	if err := s.otks.AddOneTimeKeys(ctx, userID, deviceID, req.OneTimeKeys); err != nil {
		return httpdto.KeysUploadResponse{}, err
	}
	if err := s.otks.SetFallbackKeys(ctx, userID, deviceID, req.FallbackKeys); err != nil {
		return httpdto.KeysUploadResponse{}, err
	}

	if req.DeviceKeys != nil {
		keys := *req.DeviceKeys
		keys.Signatures = keys.Signatures.Clone()
		changed := true
		if d.keys != nil && d.keys.Curve25519() == keys.Curve25519() && d.keys.Ed25519() == keys.Ed25519() {
			keys.Signatures = encryption.MergeSignatures(d.keys.Signatures, keys.Signatures)
			changed = false
		}
		d.keys = &keys
		if changed {
			s.notifyChanged(userID)
		}
	}

	s.log.Ctx(ctx).Logger.Debug("keys uploaded",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID),
		zap.Int("one_time_keys", len(req.OneTimeKeys)),
		zap.Bool("device_keys", req.DeviceKeys != nil),
	)
	counts, err := s.otks.CountOneTimeKeys(ctx, userID, deviceID)
	if err != nil {
		return httpdto.KeysUploadResponse{}, err
	}
	return httpdto.KeysUploadResponse{OneTimeKeyCounts: counts}, nil
}

func cloneCrossSigningKey(k *encryption.CrossSigningKey) encryption.CrossSigningKey {
	out := *k
	out.Signatures = k.Signatures.Clone()
	return out
}

// QueryKeys returns device keys and cross-signing keys. User-signing keys are
// only visible to their owner.
func (s *Server) QueryKeys(_ context.Context, requester string, req httpdto.KeysQueryRequest) httpdto.KeysQueryResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := httpdto.KeysQueryResponse{
		DeviceKeys:      make(map[string]map[string]encryption.DeviceKeys),
		MasterKeys:      make(map[string]encryption.CrossSigningKey),
		SelfSigningKeys: make(map[string]encryption.CrossSigningKey),
		UserSigningKeys: make(map[string]encryption.CrossSigningKey),
	}
	for userID, deviceIDs := range req.DeviceKeys {
		devices := make(map[string]encryption.DeviceKeys)
		resp.DeviceKeys[userID] = devices

		u, ok := s.users[userID]
		if !ok {
			continue
		}
		wanted := deviceIDs
		if len(wanted) == 0 {
			for id := range u.devices {
				wanted = append(wanted, id)
			}
		}
		for _, id := range wanted {
			d, ok := u.devices[id]
			if !ok || d.keys == nil {
				continue
			}
			keys := *d.keys
			keys.Signatures = d.keys.Signatures.Clone()
			devices[id] = keys
		}

		if u.master != nil {
			resp.MasterKeys[userID] = cloneCrossSigningKey(u.master)
		}
		if u.selfSigning != nil {
			resp.SelfSigningKeys[userID] = cloneCrossSigningKey(u.selfSigning)
		}
		if u.userSigning != nil && userID == requester {
			resp.UserSigningKeys[userID] = cloneCrossSigningKey(u.userSigning)
		}
	}
	return resp
}

// ClaimKeys hands out one key per requested device. Devices without any key
// left are omitted from the response.
func (s *Server) ClaimKeys(ctx context.Context, req httpdto.KeysClaimRequest) (httpdto.KeysClaimResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := httpdto.KeysClaimResponse{
		OneTimeKeys: make(map[string]map[string]map[string]encryption.OneTimeKey),
	}
	for userID, devices := range req.OneTimeKeys {
		for deviceID, alg := range devices {
			if s.lookup(userID, deviceID) == nil {
				continue
			}
			keyID, key, err := s.otks.ClaimKey(ctx, userID, deviceID, alg)
			if errors.Is(err, sentinal_errors.ErrNotFound) {
				s.metrics.OneTimeKeysExhausted.Inc()
				s.log.Ctx(ctx).Logger.Warn("one-time keys exhausted",
					zap.String("user_id", userID), zap.String("device_id", deviceID))
				continue
			}
			if err != nil {
				return httpdto.KeysClaimResponse{}, fmt.Errorf("claim key for %s/%s: %w", userID, deviceID, err)
			}
			s.metrics.OneTimeKeysClaimed.Inc()
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[string]map[string]encryption.OneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[string]encryption.OneTimeKey{keyID: key}
		}
	}
	return resp, nil
}

func checkCrossSigningKey(userID, usage string, k *encryption.CrossSigningKey) error {
	if k.UserID != userID || !k.HasUsage(usage) || len(k.Keys) != 1 {
		return fmt.Errorf("%w: %s key for %s", sentinal_errors.ErrInvalidInput, usage, userID)
	}
	return nil
}

func mergeCrossSigningKey(existing *encryption.CrossSigningKey, incoming encryption.CrossSigningKey) *encryption.CrossSigningKey {
	incoming.Signatures = incoming.Signatures.Clone()
	if existing != nil {
		_, oldKey := existing.PublicKey()
		if _, newKey := incoming.PublicKey(); oldKey == newKey {
			incoming.Signatures = encryption.MergeSignatures(existing.Signatures, incoming.Signatures)
		}
	}
	return &incoming
}

func (s *Server) UploadSigningKeys(ctx context.Context, userID string, req httpdto.SigningKeysUploadRequest) error {
	checks := []struct {
		usage string
		key   *encryption.CrossSigningKey
	}{
		{encryption.UsageMaster, req.MasterKey},
		{encryption.UsageSelfSigning, req.SelfSigningKey},
		{encryption.UsageUserSigning, req.UserSigningKey},
	}
	for _, c := range checks {
		if c.key == nil {
			continue
		}
		if err := checkCrossSigningKey(userID, c.usage, c.key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	if req.MasterKey != nil {
		u.master = mergeCrossSigningKey(u.master, *req.MasterKey)
	}
	if req.SelfSigningKey != nil {
		u.selfSigning = mergeCrossSigningKey(u.selfSigning, *req.SelfSigningKey)
	}
	if req.UserSigningKey != nil {
		u.userSigning = mergeCrossSigningKey(u.userSigning, *req.UserSigningKey)
	}
	s.notifyChanged(userID)
	s.log.Ctx(ctx).Logger.Info("cross-signing keys uploaded", zap.String("user_id", userID))
	return nil
}

func (u *user) crossSigningKey(public string) *encryption.CrossSigningKey {
	for _, k := range []*encryption.CrossSigningKey{u.master, u.selfSigning, u.userSigning} {
		if k == nil {
			continue
		}
		if _, key := k.PublicKey(); key == public {
			return k
		}
	}
	return nil
}

// signerKey resolves "ed25519:<id>" of signer to a public key. The id is
// either a device id or an unpadded cross-signing public key.
func (s *Server) signerKey(signer, keyID string) (string, bool) {
	alg, id := encryption.SplitKeyID(keyID)
	if alg != encryption.KeyAlgorithmEd25519 {
		return "", false
	}
	u, ok := s.users[signer]
	if !ok {
		return "", false
	}
	if d, ok := u.devices[id]; ok && d.keys != nil {
		return d.keys.Ed25519(), true
	}
	if k := u.crossSigningKey(id); k != nil {
		_, key := k.PublicKey()
		return key, true
	}
	return "", false
}

// verifiedSignatures keeps the signatures by signer that verify over target.
func (s *Server) verifiedSignatures(signer string, target any, incoming encryption.Signatures) encryption.Signatures {
	out := encryption.Signatures{}
	for keyID, sig := range incoming[signer] {
		public, ok := s.signerKey(signer, keyID)
		if !ok {
			continue
		}
		pub, err := crypto.DecodeEd25519(public)
		if err != nil {
			continue
		}
		if crypto.VerifyJSON(pub, target, sig) == nil {
			out.Set(signer, keyID, sig)
		}
	}
	return out
}

// UploadSignatures attaches signer's signatures to device keys or
// cross-signing keys. Existing signatures are never removed.
func (s *Server) UploadSignatures(ctx context.Context, signer string, req httpdto.SignatureUploadRequest) httpdto.SignatureUploadResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := httpdto.SignatureUploadResponse{}
	fail := func(userID, keyID, code, msg string) {
		if resp.Failures == nil {
			resp.Failures = make(map[string]map[string]httpdto.SignatureFailure)
		}
		if resp.Failures[userID] == nil {
			resp.Failures[userID] = make(map[string]httpdto.SignatureFailure)
		}
		resp.Failures[userID][keyID] = httpdto.SignatureFailure{ErrCode: code, Error: msg}
	}

	for userID, objects := range req {
		u, ok := s.users[userID]
		for keyID, raw := range objects {
			if !ok {
				fail(userID, keyID, ErrCodeNotFound, "unknown user")
				continue
			}
			if d, found := u.devices[keyID]; found && d.keys != nil {
				var incoming encryption.DeviceKeys
				if err := json.Unmarshal(raw, &incoming); err != nil {
					fail(userID, keyID, ErrCodeInvalidParam, err.Error())
					continue
				}
				valid := s.verifiedSignatures(signer, *d.keys, incoming.Signatures)
				if len(valid) == 0 {
					fail(userID, keyID, ErrCodeInvalidSignature, "no valid signature")
					continue
				}
				d.keys.Signatures = encryption.MergeSignatures(d.keys.Signatures, valid)
				s.notifyChanged(userID)
				continue
			}
			if k := u.crossSigningKey(keyID); k != nil {
				var incoming encryption.CrossSigningKey
				if err := json.Unmarshal(raw, &incoming); err != nil {
					fail(userID, keyID, ErrCodeInvalidParam, err.Error())
					continue
				}
				valid := s.verifiedSignatures(signer, *k, incoming.Signatures)
				if len(valid) == 0 {
					fail(userID, keyID, ErrCodeInvalidSignature, "no valid signature")
					continue
				}
				k.Signatures = encryption.MergeSignatures(k.Signatures, valid)
				s.notifyChanged(userID)
				continue
			}
			fail(userID, keyID, ErrCodeNotFound, "unknown key")
		}
	}
	if len(resp.Failures) > 0 {
		s.log.Ctx(ctx).Logger.Warn("signature upload had failures", zap.String("signer", signer), zap.Int("users", len(resp.Failures)))
	}
	return resp
}

// SendToDevice queues one event per addressed device. A repeated txnID from
// the same sender device is accepted and ignored. Device "*" addresses every
// device of the user.
func (s *Server) SendToDevice(ctx context.Context, sender, senderDevice, eventType, txnID string, body httpdto.ToDeviceBody) error {
	fresh, err := s.inbox.MarkTxn(ctx, sender, senderDevice, txnID)
	if err != nil {
		return err
	}
	if !fresh {
		s.log.Ctx(ctx).Logger.Debug("duplicate to-device transaction", zap.String("txn_id", txnID))
		return nil
	}

	type delivery struct {
		userID, deviceID string
		content          json.RawMessage
	}
	var out []delivery
	s.mu.Lock()
	for userID, devices := range body.Messages {
		u, ok := s.users[userID]
		if !ok {
			continue
		}
		for deviceID, content := range devices {
			if deviceID == "*" {
				for id := range u.devices {
					out = append(out, delivery{userID, id, content})
				}
				continue
			}
			if _, ok := u.devices[deviceID]; ok {
				out = append(out, delivery{userID, deviceID, content})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		event := encryption.ToDeviceEvent{Type: eventType, Sender: sender, Content: d.content}
		if err := s.inbox.Push(ctx, d.userID, d.deviceID, event); err != nil {
			return err
		}
		s.metrics.ToDeviceDelivered.Inc()
	}
	return nil
}

// Sync drains the device's to-device inbox and reports key counts and
// device list changes since the previous sync.
func (s *Server) Sync(ctx context.Context, userID, deviceID string) (httpdto.SyncResponse, error) {
	events, err := s.inbox.Drain(ctx, userID, deviceID, s.syncLimit)
	if err != nil {
		return httpdto.SyncResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.device(userID, deviceID)
	counts, err := s.otks.CountOneTimeKeys(ctx, userID, deviceID)
	if err != nil {
		return httpdto.SyncResponse{}, err
	}
	unused, err := s.otks.UnusedFallbackTypes(ctx, userID, deviceID)
	if err != nil {
		return httpdto.SyncResponse{}, err
	}

	key := inboxKey(userID, deviceID)
	var changed []string
	for uid := range s.changed[key] {
		changed = append(changed, uid)
	}
	sort.Strings(changed)
	delete(s.changed, key)

	s.batch++
	return httpdto.SyncResponse{
		NextBatch:                    "s" + strconv.FormatUint(s.batch, 10),
		ToDevice:                     httpdto.ToDeviceEvents{Events: events},
		DeviceLists:                  httpdto.DeviceLists{Changed: changed},
		DeviceOneTimeKeysCount:       counts,
		DeviceUnusedFallbackKeyTypes: unused,
	}, nil
}

// Devices lists the device ids a user has registered.
func (s *Server) Devices(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(u.devices))
	for id := range u.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

