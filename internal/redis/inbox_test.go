package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"sentinal-e2ee/internal/domain/encryption"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestInbox connects to REDIS_TEST_HOST/REDIS_TEST_PORT or skips.
func newTestInbox(t *testing.T) *Inbox {
	t.Helper()
	host := os.Getenv("REDIS_TEST_HOST")
	if host == "" {
		t.Skip("REDIS_TEST_HOST not set")
	}
	port := os.Getenv("REDIS_TEST_PORT")
	if port == "" {
		port = "6379"
	}
	client, err := Connect(context.Background(), Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewInbox(client)
}

func TestInboxPushDrain(t *testing.T) {
	inbox := newTestInbox(t)
	ctx := context.Background()
	user := "@" + uuid.NewString() + ":example.org"

	events := []encryption.ToDeviceEvent{
		{Type: "m.dummy", Sender: "@alice:example.org", Content: json.RawMessage(`{"n":1}`)},
		{Type: "m.dummy", Sender: "@alice:example.org", Content: json.RawMessage(`{"n":2}`)},
		{Type: "m.dummy", Sender: "@alice:example.org", Content: json.RawMessage(`{"n":3}`)},
	}
	require.NoError(t, inbox.Push(ctx, user, "DEV", events...))

	first, err := inbox.Drain(ctx, user, "DEV", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.JSONEq(t, `{"n":1}`, string(first[0].Content))

	rest, err := inbox.Drain(ctx, user, "DEV", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.JSONEq(t, `{"n":3}`, string(rest[0].Content))

	empty, err := inbox.Drain(ctx, user, "DEV", 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestInboxTxnIdempotency(t *testing.T) {
	inbox := newTestInbox(t)
	ctx := context.Background()
	user := "@" + uuid.NewString() + ":example.org"

	fresh, err := inbox.MarkTxn(ctx, user, "DEV", "txn1")
	require.NoError(t, err)
	require.True(t, fresh)

	again, err := inbox.MarkTxn(ctx, user, "DEV", "txn1")
	require.NoError(t, err)
	require.False(t, again)
}

func TestRateLimiterClaimWindow(t *testing.T) {
	inbox := newTestInbox(t)
	ctx := context.Background()
	limiter := NewRateLimiter(inbox.client, RateLimitConfig{ClaimLimit: 2, ClaimWindow: time.Minute})
	user := "@" + uuid.NewString() + ":example.org"

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowClaim(ctx, user)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.AllowClaim(ctx, user)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
}
