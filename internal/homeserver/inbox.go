package homeserver

import (
	"context"
	"sync"

	"sentinal-e2ee/internal/domain/encryption"
)

// Inbox queues to-device events per recipient device until the device syncs.
// The Redis implementation lives in internal/redis.
type Inbox interface {
	Push(ctx context.Context, userID, deviceID string, events ...encryption.ToDeviceEvent) error
	Drain(ctx context.Context, userID, deviceID string, limit int) ([]encryption.ToDeviceEvent, error)
	MarkTxn(ctx context.Context, userID, deviceID, txnID string) (bool, error)
}

type MemoryInbox struct {
	mu     sync.Mutex
	queues map[string][]encryption.ToDeviceEvent
	txns   map[string]struct{}
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		queues: make(map[string][]encryption.ToDeviceEvent),
		txns:   make(map[string]struct{}),
	}
}

func inboxKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

func (m *MemoryInbox) Push(_ context.Context, userID, deviceID string, events ...encryption.ToDeviceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboxKey(userID, deviceID)
	m.queues[key] = append(m.queues[key], events...)
	return nil
}

func (m *MemoryInbox) Drain(_ context.Context, userID, deviceID string, limit int) ([]encryption.ToDeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboxKey(userID, deviceID)
	queue := m.queues[key]
	if limit <= 0 || limit > len(queue) {
		limit = len(queue)
	}
	out := make([]encryption.ToDeviceEvent, limit)
	copy(out, queue[:limit])
	m.queues[key] = queue[limit:]
	return out, nil
}

func (m *MemoryInbox) MarkTxn(_ context.Context, userID, deviceID, txnID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboxKey(userID, deviceID) + "|" + txnID
	if _, seen := m.txns[key]; seen {
		return false, nil
	}
	m.txns[key] = struct{}{}
	return true, nil
}
