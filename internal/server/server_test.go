package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/handler"
	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/machine"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/outbox"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/client"
	"sentinal-e2ee/internal/transport/schema"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{AppPort: "0", AppMode: TestMode, ServerName: "example.org"}
	m := metrics.New()
	hs := homeserver.New(homeserver.Options{Metrics: m})
	validator := schema.MustNew()
	auth := services.NewAuthService(cfg.ServerName, "test-secret", time.Hour)

	srv := New(cfg, nil)
	srv.SetupRoutes(&Handlers{
		Auth: handler.NewAuthHandler(auth, hs),
		Keys: handler.NewKeysHandler(hs, validator),
		Sync: handler.NewSyncHandler(hs, validator),
	}, Deps{AuthService: auth, Metrics: m})

	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	return ts
}

func TestLoginAndAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + clientAPI + "/sync")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "M_MISSING_TOKEN", body["errcode"])

	c := client.New(ts.URL, nil)
	login, err := c.Login(context.Background(), "alice", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", login.UserID)
	assert.Len(t, login.DeviceID, 10)

	_, err = client.New(ts.URL, nil).Login(context.Background(), "alice", "wrong password", "")
	require.ErrorIs(t, err, sentinal_errors.ErrUnauthorized)
}

func TestSchemaRejectsMalformedUpload(t *testing.T) {
	ts := newTestServer(t)
	c := client.New(ts.URL, nil)
	login, err := c.Login(context.Background(), "alice", "correct horse", "DEV")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+clientAPI+"/keys/upload", strings.NewReader(`{"one_time_keys":[]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "M_BAD_JSON", body["errcode"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type device struct {
	m *machine.Machine
	p *outbox.Processor
}

func loginDevice(t *testing.T, ts *httptest.Server, user string) device {
	t.Helper()
	c := client.New(ts.URL, nil)
	login, err := c.Login(context.Background(), user, "correct horse", "")
	require.NoError(t, err)
	m, err := machine.New(login.UserID, login.DeviceID, machine.Options{})
	require.NoError(t, err)
	return device{m: m, p: outbox.NewProcessor(m, c, time.Second, nil)}
}

func TestKeyExchangeOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	a := loginDevice(t, ts, "alice")
	b := loginDevice(t, ts, "bob")

	users := []string{a.m.UserID(), b.m.UserID()}
	require.NoError(t, a.m.UpdateTrackedUsers(ctx, users))
	require.NoError(t, b.m.UpdateTrackedUsers(ctx, users))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.p.Settle(ctx, 5))
		require.NoError(t, b.p.Settle(ctx, 5))
	}

	req, err := a.m.GetMissingSessions(ctx, []string{b.m.UserID()})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NoError(t, a.p.Settle(ctx, 5))

	const room = "!http:example.org"
	res, err := a.m.ShareRoomKey(ctx, room, []string{b.m.UserID()}, encryption.DefaultEncryptionSettings())
	require.NoError(t, err)
	require.Len(t, res.SharedWith, 1)
	require.NoError(t, a.p.Settle(ctx, 5))
	require.NoError(t, b.p.Settle(ctx, 5))

	enc, err := a.m.EncryptRoomEvent(ctx, room, "m.room.message", json.RawMessage(`{"body":"over the wire"}`))
	require.NoError(t, err)
	raw, err := json.Marshal(enc)
	require.NoError(t, err)

	out, err := b.m.DecryptRoomEvent(ctx, encryption.RoomEvent{
		Type:    encryption.EventRoomEncrypted,
		Sender:  a.m.UserID(),
		RoomID:  room,
		Content: raw,
	}, room, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"over the wire"}`, string(out.Content))
}

func TestBuildInMemory(t *testing.T) {
	cfg := &config.Config{AppPort: "0", AppMode: TestMode, ServerName: "example.org", JWTSecret: "s", JWTExpiryMin: 5}
	srv, cleanup, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer cleanup()

	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	login, err := client.New(ts.URL, nil).Login(context.Background(), "carol", "correct horse", "PHONE")
	require.NoError(t, err)
	assert.Equal(t, "PHONE", login.DeviceID)
}
