package homeserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// KeyStore holds the one-time and fallback keys devices publish for others to
// claim. A one-time key is handed out at most once, even with several
// homeserver processes sharing the store. The Postgres implementation lives
// in internal/repository.
type KeyStore interface {
	// AddOneTimeKeys stores keys by "algorithm:id". Re-uploading an id with a
	// different key fails with ErrConflict and stores nothing.
	AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error
	// SetFallbackKeys replaces the fallback key per algorithm. Uploading the
	// current key again keeps its used flag.
	SetFallbackKeys(ctx context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error
	// ClaimKey takes the lowest unclaimed one-time key of algorithm, or the
	// fallback key when none is left. It returns ErrNotFound when neither exists.
	ClaimKey(ctx context.Context, userID, deviceID, algorithm string) (string, encryption.OneTimeKey, error)
	CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error)
	UnusedFallbackTypes(ctx context.Context, userID, deviceID string) ([]string, error)
	DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error
}

type fallbackKey struct {
	id   string
	key  encryption.OneTimeKey
	used bool
}

type deviceKeys struct {
	otks     map[string]encryption.OneTimeKey
	fallback map[string]*fallbackKey
}

type MemoryKeyStore struct {
	mu      sync.Mutex
	devices map[string]*deviceKeys
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{devices: make(map[string]*deviceKeys)}
}

func (m *MemoryKeyStore) device(userID, deviceID string) *deviceKeys {
	key := inboxKey(userID, deviceID)
	d, ok := m.devices[key]
	if !ok {
		d = &deviceKeys{
			otks:     make(map[string]encryption.OneTimeKey),
			fallback: make(map[string]*fallbackKey),
		}
		m.devices[key] = d
	}
	return d
}

func (m *MemoryKeyStore) AddOneTimeKeys(_ context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.device(userID, deviceID)
	for keyID, key := range keys {
		if existing, ok := d.otks[keyID]; ok && existing.Key != key.Key {
			return fmt.Errorf("%w: one-time key %s already uploaded with a different value", sentinal_errors.ErrConflict, keyID)
		}
	}
	for keyID, key := range keys {
		d.otks[keyID] = key
	}
	return nil
}

func (m *MemoryKeyStore) SetFallbackKeys(_ context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.device(userID, deviceID)
	for keyID, key := range keys {
		alg, id := encryption.SplitKeyID(keyID)
		if current, ok := d.fallback[alg]; ok && current.id == id {
			continue
		}
		d.fallback[alg] = &fallbackKey{id: id, key: key}
	}
	return nil
}

func (m *MemoryKeyStore) ClaimKey(_ context.Context, userID, deviceID, algorithm string) (string, encryption.OneTimeKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[inboxKey(userID, deviceID)]
	if !ok {
		return "", encryption.OneTimeKey{}, sentinal_errors.ErrNotFound
	}

	var ids []string
	for keyID := range d.otks {
		if a, _ := encryption.SplitKeyID(keyID); a == algorithm {
			ids = append(ids, keyID)
		}
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		key := d.otks[ids[0]]
		delete(d.otks, ids[0])
		return ids[0], key, nil
	}
	if fb, ok := d.fallback[algorithm]; ok {
		fb.used = true
		return encryption.KeyID(algorithm, fb.id), fb.key, nil
	}
	return "", encryption.OneTimeKey{}, sentinal_errors.ErrNotFound
}

func (m *MemoryKeyStore) CountOneTimeKeys(_ context.Context, userID, deviceID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{encryption.KeyAlgorithmSignedCurve25519: 0}
	if d, ok := m.devices[inboxKey(userID, deviceID)]; ok {
		for keyID := range d.otks {
			alg, _ := encryption.SplitKeyID(keyID)
			counts[alg]++
		}
	}
	return counts, nil
}

func (m *MemoryKeyStore) UnusedFallbackTypes(_ context.Context, userID, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unused := []string{}
	if d, ok := m.devices[inboxKey(userID, deviceID)]; ok {
		for alg, fb := range d.fallback {
			if !fb.used {
				unused = append(unused, alg)
			}
		}
	}
	sort.Strings(unused)
	return unused, nil
}

func (m *MemoryKeyStore) DeleteDeviceKeys(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, inboxKey(userID, deviceID))
	return nil
}
