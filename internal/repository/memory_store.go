package repository

import (
	"context"
	"sort"
	"sync"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/olm"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type groupSlot struct {
	roomID    string
	senderKey string
}

// MemoryStore keeps a device's state in process memory.
type MemoryStore struct {
	mu sync.RWMutex

	devices    map[string]map[string]*encryption.Device
	identities map[string]*encryption.UserIdentity
	tracked    map[string]bool

	sessions map[string][]*olm.Session

	inbound  map[string]map[string]*olm.InboundGroupSession
	current  map[groupSlot]*olm.InboundGroupSession
	outbound map[string]*olm.OutboundGroupSession
	withheld map[string]map[string]encryption.RoomKeyWithheldContent

	bundles map[string]map[string]*encryption.BundleReference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]map[string]*encryption.Device),
		identities: make(map[string]*encryption.UserIdentity),
		tracked:    make(map[string]bool),
		sessions:   make(map[string][]*olm.Session),
		inbound:    make(map[string]map[string]*olm.InboundGroupSession),
		current:    make(map[groupSlot]*olm.InboundGroupSession),
		outbound:   make(map[string]*olm.OutboundGroupSession),
		withheld:   make(map[string]map[string]encryption.RoomKeyWithheldContent),
		bundles:    make(map[string]map[string]*encryption.BundleReference),
	}
}

func copyDevice(d *encryption.Device) *encryption.Device {
	out := *d
	out.Keys.Signatures = d.Keys.Signatures.Clone()
	keys := make(map[string]string, len(d.Keys.Keys))
	for k, v := range d.Keys.Keys {
		keys[k] = v
	}
	out.Keys.Keys = keys
	return &out
}

func (s *MemoryStore) SaveDevice(_ context.Context, d *encryption.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[d.UserID()] == nil {
		s.devices[d.UserID()] = make(map[string]*encryption.Device)
	}
	s.devices[d.UserID()][d.DeviceID()] = copyDevice(d)
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, userID, deviceID string) (*encryption.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) GetUserDevices(_ context.Context, userID string) (map[string]*encryption.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*encryption.Device, len(s.devices[userID]))
	for id, d := range s.devices[userID] {
		out[id] = copyDevice(d)
	}
	return out, nil
}

func (s *MemoryStore) GetDeviceByIdentityKey(_ context.Context, identityKey string) (*encryption.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, devices := range s.devices {
		for _, d := range devices {
			if d.IdentityKey() == identityKey {
				return copyDevice(d), nil
			}
		}
	}
	return nil, sentinal_errors.ErrNotFound
}

func (s *MemoryStore) SaveUserIdentity(_ context.Context, identity *encryption.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *identity
	s.identities[identity.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetUserIdentity(_ context.Context, userID string) (*encryption.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[userID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

// TrackUsers starts following users and returns the ones that were new.
// New users start dirty.
func (s *MemoryStore) TrackUsers(_ context.Context, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, u := range userIDs {
		if _, ok := s.tracked[u]; ok {
			continue
		}
		s.tracked[u] = true
		added = append(added, u)
	}
	return added, nil
}

func (s *MemoryStore) IsTracked(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tracked[userID]
	return ok, nil
}

// UntrackUsers stops following the given users' device lists.
func (s *MemoryStore) UntrackUsers(_ context.Context, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		delete(s.tracked, u)
	}
	return nil
}

// MarkDirty flags tracked users for a new key query; untracked users are ignored.
func (s *MemoryStore) MarkDirty(_ context.Context, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		if _, ok := s.tracked[u]; ok {
			s.tracked[u] = true
		}
	}
	return nil
}

func (s *MemoryStore) MarkClean(_ context.Context, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		if _, ok := s.tracked[u]; ok {
			s.tracked[u] = false
		}
	}
	return nil
}

func (s *MemoryStore) DirtyUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for u, dirty := range s.tracked {
		if dirty {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AddSession(_ context.Context, session *olm.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := session.TheirIdentityKey()
	for _, existing := range s.sessions[key] {
		if existing.ID() == session.ID() {
			return sentinal_errors.ErrAlreadyExists
		}
	}
	s.sessions[key] = append(s.sessions[key], session)
	return nil
}

// GetSessions returns the sessions with a peer, most recently used first.
func (s *MemoryStore) GetSessions(_ context.Context, identityKey string) ([]*olm.Session, error) {
	s.mu.RLock()
	out := append([]*olm.Session(nil), s.sessions[identityKey]...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUsed().After(out[j].LastUsed())
	})
	return out, nil
}

func (s *MemoryStore) SaveInboundGroupSession(_ context.Context, session *olm.InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := session.RoomID()
	if s.inbound[room] == nil {
		s.inbound[room] = make(map[string]*olm.InboundGroupSession)
	}
	s.inbound[room][session.SessionID()] = session

	slot := groupSlot{roomID: room, senderKey: session.SenderKey()}
	if cur, ok := s.current[slot]; !ok || session.Generation() > cur.Generation() {
		s.current[slot] = session
	}
	return nil
}

func (s *MemoryStore) GetInboundGroupSession(_ context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.inbound[roomID][sessionID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return session, nil
}

// GetInboundGroupSessions lists a room's sessions ordered by sender then generation.
func (s *MemoryStore) GetInboundGroupSessions(_ context.Context, roomID string) ([]*olm.InboundGroupSession, error) {
	s.mu.RLock()
	out := make([]*olm.InboundGroupSession, 0, len(s.inbound[roomID]))
	for _, session := range s.inbound[roomID] {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SenderKey() != out[j].SenderKey() {
			return out[i].SenderKey() < out[j].SenderKey()
		}
		if out[i].Generation() != out[j].Generation() {
			return out[i].Generation() < out[j].Generation()
		}
		return out[i].SessionID() < out[j].SessionID()
	})
	return out, nil
}

func (s *MemoryStore) CurrentInboundGroupSession(_ context.Context, roomID, senderKey string) (*olm.InboundGroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.current[groupSlot{roomID: roomID, senderKey: senderKey}]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) SaveOutboundGroupSession(_ context.Context, session *olm.OutboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound[session.RoomID()] = session
	return nil
}

func (s *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID string) (*olm.OutboundGroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.outbound[roomID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) SaveWithheld(_ context.Context, w encryption.RoomKeyWithheldContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withheld[w.RoomID] == nil {
		s.withheld[w.RoomID] = make(map[string]encryption.RoomKeyWithheldContent)
	}
	s.withheld[w.RoomID][w.SessionID] = w
	return nil
}

func (s *MemoryStore) GetWithheld(_ context.Context, roomID, sessionID string) (*encryption.RoomKeyWithheldContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withheld[roomID][sessionID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) SaveBundleReference(_ context.Context, ref *encryption.BundleReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundles[ref.RoomID] == nil {
		s.bundles[ref.RoomID] = make(map[string]*encryption.BundleReference)
	}
	cp := *ref
	s.bundles[ref.RoomID][ref.SenderUser] = &cp
	return nil
}

func (s *MemoryStore) GetBundleReference(_ context.Context, roomID, senderUser string) (*encryption.BundleReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.bundles[roomID][senderUser]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

var _ CryptoStore = (*MemoryStore)(nil)
