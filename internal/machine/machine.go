package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentinal-e2ee/internal/config"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/ledger"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/storage"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/internal/transport/schema"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

type Options struct {
	Config    *config.Config
	Store     repository.CryptoStore
	Blobs     storage.BlobStore
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Validator *schema.Validator
}

// Machine is the end-to-end encryption state of one device. Every method is
// safe for concurrent use; state changes are applied one at a time.
type Machine struct {
	mu sync.Mutex

	cfg       *config.Config
	account   *olm.Account
	store     repository.CryptoStore
	ledger    *ledger.Ledger
	validator *schema.Validator
	log       *logger.Logger
	metrics   *metrics.Metrics

	identity *services.IdentityService
	sessions *services.SessionService
	groups   *services.GroupKeyService
	history  *services.HistoryBundleService
}

func New(userID, deviceID string, opts Options) (*Machine, error) {
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: user and device id are required", sentinal_errors.ErrInvalidInput)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Store == nil {
		opts.Store = repository.NewMemoryStore()
	}
	if opts.Log == nil {
		opts.Log = logger.GetGlobalLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Validator == nil {
		v, err := schema.New()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}

	account, err := olm.NewAccount(userID, deviceID, opts.Config.Olm.OneTimeKeyTarget*2)
	if err != nil {
		return nil, err
	}
	log := opts.Log.With(zap.String("user_id", userID), zap.String("device_id", deviceID))

	deps := services.Deps{
		Account: account,
		Store:   opts.Store,
		Ledger:  ledger.New(log, opts.Metrics),
		Config:  opts.Config,
		Log:     log,
		Metrics: opts.Metrics,
	}
	sessions := services.NewSessionService(deps)
	groups := services.NewGroupKeyService(deps, sessions)

	return &Machine{
		cfg:       opts.Config,
		account:   account,
		store:     opts.Store,
		ledger:    deps.Ledger,
		validator: opts.Validator,
		log:       log,
		metrics:   opts.Metrics,
		identity:  services.NewIdentityService(deps),
		sessions:  sessions,
		groups:    groups,
		history:   services.NewHistoryBundleService(deps, sessions, groups, opts.Blobs),
	}, nil
}

func (m *Machine) UserID() string   { return m.account.UserID() }
func (m *Machine) DeviceID() string { return m.account.DeviceID() }

// IdentityKeys returns the device's curve25519 and ed25519 public keys.
func (m *Machine) IdentityKeys() map[string]string {
	return map[string]string{
		encryption.KeyAlgorithmCurve25519: m.account.IdentityKey(),
		encryption.KeyAlgorithmEd25519:    m.account.SigningKey(),
	}
}

func (m *Machine) Metrics() *metrics.Metrics { return m.metrics }

func (m *Machine) PublishIdentity(ctx context.Context) (outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.PublishIdentity(ctx)
}

func (m *Machine) BootstrapCrossSigning(ctx context.Context, reset bool) ([]outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.BootstrapCrossSigning(ctx, reset)
}

func (m *Machine) CrossSigningStatus() encryption.CrossSigningStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.CrossSigningStatus()
}

func (m *Machine) UpdateTrackedUsers(ctx context.Context, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.UpdateTrackedUsers(ctx, userIDs)
}

func (m *Machine) QueryKeysForUsers(ctx context.Context, userIDs []string) (*outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.QueryKeysForUsers(ctx, userIDs)
}

// OutgoingRequests queues whatever upkeep is due (key uploads, queries for
// stale device lists) and returns every pending request, oldest first.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.account.Shared() {
		if _, err := m.identity.PublishIdentity(ctx); err != nil {
			return nil, err
		}
	} else if _, err := m.identity.MaybeUpload(ctx); err != nil {
		return nil, err
	}
	if _, err := m.identity.QueryDirtyUsers(ctx); err != nil {
		return nil, err
	}
	return m.ledger.Pending(), nil
}

func (m *Machine) MarkRequestDispatched(id string) error {
	return m.ledger.Dispatch(id)
}

// PruneRequests forgets requests answered before cutoff.
func (m *Machine) PruneRequests(cutoff time.Time) int {
	return m.ledger.Prune(cutoff)
}

// MarkRequestAsSent feeds the response of request id back in. It returns true
// when the request was pending and its response was applied. A response for
// an unknown or already answered request is logged and yields false with no
// error. Problems with individual keys in an applied response are returned
// together with true.
func (m *Machine) MarkRequestAsSent(ctx context.Context, id string, kind outbox.Kind, body json.RawMessage) (bool, error) {
	if req, ok := m.ledger.Get(id); !ok || !req.Pending() {
		m.log.Ctx(ctx).Logger.Warn("response for unknown or answered request", zap.String("request_id", id), zap.String("kind", string(kind)))
		return false, nil
	}
	if err := m.validator.ValidateResponse(kind, body); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var problems []error
	apply := func(ctx context.Context, req outbox.OutgoingRequest, body json.RawMessage) error {
		var err error
		switch kind {
		case outbox.KindKeysUpload:
			err = m.identity.ReceiveKeysUploadResponse(ctx, body)
		case outbox.KindKeysQuery:
			problems, err = m.identity.ReceiveKeysQueryResponse(ctx, req.Body, body)
		case outbox.KindKeysClaim:
			problems, err = m.sessions.ReceiveKeysClaimResponse(ctx, req.Body, body)
		case outbox.KindSignatureUpload:
			problems, err = signatureFailures(m.account.UserID(), body)
		}
		return err
	}

	ok, err := m.ledger.Resolve(ctx, id, kind, body, apply)
	var seqErr *sentinal_errors.SequencingError
	if errors.As(err, &seqErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, errors.Join(problems...)
}

func signatureFailures(userID string, body json.RawMessage) ([]error, error) {
	var resp httpdto.SignatureUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: signature upload response: %v", sentinal_errors.ErrInvalidInput, err)
	}
	var out []error
	for user, keys := range resp.Failures {
		for key, failure := range keys {
			out = append(out, &sentinal_errors.TrustMergeError{UserID: user, DeviceID: key, Reason: failure.ErrCode + ": " + failure.Error})
		}
	}
	return out, nil
}

// ReceiveSyncChanges applies device list changes and key counts and handles
// each to-device event. A bad event is reported in its own result and never
// stops the rest of the batch.
func (m *Machine) ReceiveSyncChanges(ctx context.Context, changes SyncChanges) ([]ProcessedToDeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.identity.MarkDeviceListsChanged(ctx, changes.DeviceLists.Changed); err != nil {
		return nil, err
	}
	if err := m.identity.MarkDeviceListsLeft(ctx, changes.DeviceLists.Left); err != nil {
		return nil, err
	}
	if err := m.identity.ReplenishKeys(ctx, changes.OneTimeKeyCounts, changes.UnusedFallbackKeys); err != nil {
		return nil, err
	}

	out := make([]ProcessedToDeviceEvent, 0, len(changes.ToDeviceEvents))
	for _, event := range changes.ToDeviceEvents {
		out = append(out, m.processToDevice(ctx, event))
	}
	return out, nil
}

func (m *Machine) processToDevice(ctx context.Context, event encryption.ToDeviceEvent) ProcessedToDeviceEvent {
	result := ProcessedToDeviceEvent{Event: event, Type: event.Type, Content: event.Content}
	if event.Type == "" || event.Sender == "" || len(event.Content) == 0 {
		result.Kind = ProcessedInvalid
		result.Err = fmt.Errorf("%w: to-device event without type, sender or content", sentinal_errors.ErrInvalidInput)
		return result
	}

	switch event.Type {
	case encryption.EventRoomEncrypted:
		decrypted, err := m.sessions.DecryptToDevice(ctx, event)
		if err != nil {
			m.metrics.DecryptionFailures.WithLabelValues("TO_DEVICE").Inc()
			m.log.Ctx(ctx).Logger.Warn("unable to decrypt to-device event", zap.String("sender", event.Sender), zap.Error(err))
			result.Kind = ProcessedUnableToDecrypt
			result.Err = err
			return result
		}
		result.Kind = ProcessedDecrypted
		result.Decrypted = decrypted
		result.Type = decrypted.Payload.Type
		result.Content = decrypted.Payload.Content
		if err := m.handleDecrypted(ctx, decrypted); err != nil {
			m.log.Ctx(ctx).Logger.Warn("invalid decrypted to-device event", zap.String("type", result.Type), zap.Error(err))
			result.Kind = ProcessedInvalid
			result.Err = err
		}
	case encryption.EventRoomKeyWithheld:
		result.Kind = ProcessedPlainText
		if _, err := m.groups.ReceiveWithheld(ctx, event); err != nil {
			result.Kind = ProcessedInvalid
			result.Err = err
		}
	case encryption.EventRoomKey, encryption.EventRoomKeyBundle:
		// key material is only accepted over Olm
		result.Kind = ProcessedInvalid
		result.Err = fmt.Errorf("%w: unencrypted %s", sentinal_errors.ErrInvalidInput, event.Type)
	default:
		result.Kind = ProcessedPlainText
	}
	return result
}

func (m *Machine) handleDecrypted(ctx context.Context, decrypted *services.DecryptedToDevice) error {
	switch decrypted.Payload.Type {
	case encryption.EventRoomKey:
		_, err := m.groups.ReceiveRoomKey(ctx, decrypted)
		return err
	case encryption.EventRoomKeyBundle:
		_, err := m.history.ReceiveBundleAnnouncement(ctx, decrypted)
		return err
	}
	return nil
}

func (m *Machine) GetMissingSessions(ctx context.Context, userIDs []string) (*outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.GetMissingSessions(ctx, userIDs)
}

func (m *Machine) ShareRoomKey(ctx context.Context, roomID string, members []string, settings encryption.EncryptionSettings) (*services.ShareResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups.ShareRoomKey(ctx, roomID, members, settings)
}

func (m *Machine) InvalidateGroupSession(ctx context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups.InvalidateGroupSession(ctx, roomID)
}

func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (encryption.MegolmEncryptedContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups.EncryptRoomEvent(ctx, roomID, eventType, content)
}

// DecryptRoomEvent decrypts one room event. An empty trust requirement falls
// back to the configured default.
func (m *Machine) DecryptRoomEvent(ctx context.Context, event encryption.RoomEvent, roomID string, trust encryption.TrustRequirement) (*services.DecryptedRoomEvent, error) {
	if trust == "" {
		trust = encryption.TrustRequirement(m.cfg.Trust.DefaultRequirement)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups.DecryptRoomEvent(ctx, event, roomID, trust)
}

func (m *Machine) BuildRoomKeyBundle(ctx context.Context, roomID string) (*encryption.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.BuildRoomKeyBundle(ctx, roomID)
}

func (m *Machine) EncryptRoomKeyBundle(bundle *encryption.KeyBundle) ([]byte, encryption.MediaEncryptionInfo, error) {
	return m.history.EncryptRoomKeyBundle(bundle)
}

func (m *Machine) ShareRoomKeyBundleData(ctx context.Context, recipient, roomID string, file encryption.EncryptedFile, strategy encryption.CollectStrategy) (outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.ShareRoomKeyBundleData(ctx, recipient, roomID, file, strategy)
}

func (m *Machine) GetReceivedRoomKeyBundleData(ctx context.Context, roomID, sender string) (*encryption.BundleReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.GetReceivedRoomKeyBundleData(ctx, roomID, sender)
}

func (m *Machine) ReceiveRoomKeyBundle(ctx context.Context, ref *encryption.BundleReference, ciphertext []byte) (*services.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.ReceiveRoomKeyBundle(ctx, ref, ciphertext)
}

// ShareHistory uploads the room's key bundle and announces it to recipient.
func (m *Machine) ShareHistory(ctx context.Context, recipient, roomID string, strategy encryption.CollectStrategy) (*outbox.OutgoingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.ShareHistory(ctx, recipient, roomID, strategy)
}

// AcceptHistory imports the bundle sender announced for roomID, if any.
func (m *Machine) AcceptHistory(ctx context.Context, roomID, sender string) (*services.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.AcceptHistory(ctx, roomID, sender)
}

func (m *Machine) GetDevice(ctx context.Context, userID, deviceID string) (*encryption.Device, error) {
	return m.store.GetDevice(ctx, userID, deviceID)
}

func (m *Machine) GetUserDevices(ctx context.Context, userID string) (map[string]*encryption.Device, error) {
	return m.store.GetUserDevices(ctx, userID)
}

// SetDeviceBlacklisted excludes a device from future key shares, or lifts that.
func (m *Machine) SetDeviceBlacklisted(ctx context.Context, userID, deviceID string, blacklisted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, err := m.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	device.Blacklisted = blacklisted
	return m.store.SaveDevice(ctx, device)
}
