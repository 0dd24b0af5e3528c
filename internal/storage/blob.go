package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/google/uuid"
)

// BlobStore holds opaque encrypted blobs addressed by mxc:// locators.
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// MXC builds an mxc://<server>/<media id> locator.
func MXC(serverName, mediaID string) string {
	return "mxc://" + serverName + "/" + mediaID
}

// ParseMXC splits a locator built by MXC.
func ParseMXC(locator string) (serverName, mediaID string, err error) {
	rest, ok := strings.CutPrefix(locator, "mxc://")
	if !ok {
		return "", "", fmt.Errorf("%w: not an mxc uri: %q", sentinal_errors.ErrInvalidInput, locator)
	}
	serverName, mediaID, ok = strings.Cut(rest, "/")
	if !ok || serverName == "" || mediaID == "" || strings.Contains(mediaID, "/") {
		return "", "", fmt.Errorf("%w: malformed mxc uri: %q", sentinal_errors.ErrInvalidInput, locator)
	}
	return serverName, mediaID, nil
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu         sync.RWMutex
	serverName string
	blobs      map[string][]byte
}

func NewMemoryBlobStore(serverName string) *MemoryBlobStore {
	return &MemoryBlobStore{serverName: serverName, blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.blobs[id] = append([]byte(nil), data...)
	m.mu.Unlock()
	return MXC(m.serverName, id), nil
}

func (m *MemoryBlobStore) Get(_ context.Context, locator string) ([]byte, error) {
	server, id, err := ParseMXC(locator)
	if err != nil {
		return nil, err
	}
	if server != m.serverName {
		return nil, sentinal_errors.ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

var _ BlobStore = (*MemoryBlobStore)(nil)
