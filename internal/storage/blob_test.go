package storage

import (
	"context"
	"errors"
	"testing"

	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMXC(t *testing.T) {
	server, id, err := ParseMXC("mxc://example.org/abc")
	require.NoError(t, err)
	assert.Equal(t, "example.org", server)
	assert.Equal(t, "abc", id)

	for _, bad := range []string{"https://example.org/abc", "mxc://example.org", "mxc:///abc", "mxc://example.org/a/b"} {
		_, _, err := ParseMXC(bad)
		assert.True(t, errors.Is(err, sentinal_errors.ErrInvalidInput), bad)
	}
}

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore("example.org")

	data := []byte("ciphertext")
	locator, err := store.Put(ctx, data, "application/octet-stream")
	require.NoError(t, err)
	data[0] = 'X'

	got, err := store.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)

	_, err = store.Get(ctx, MXC("example.org", "missing"))
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)
	_, err = store.Get(ctx, MXC("other.org", "missing"))
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)
}

func TestS3BlobStoreRequiresBucket(t *testing.T) {
	_, err := NewS3BlobStore(context.Background(), S3Config{Region: "us-east-1"})
	require.Error(t, err)
	_, err = NewS3BlobStore(context.Background(), S3Config{Region: "us-east-1", Bucket: "b"})
	require.Error(t, err)
}
