package homeserver

import (
	"context"
	"encoding/json"
	"testing"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadAccount(t *testing.T, s *Server, userID, deviceID string, otks int) *olm.Account {
	t.Helper()
	acc, err := olm.NewAccount(userID, deviceID, 100)
	require.NoError(t, err)
	_, err = acc.GenerateOneTimeKeys(otks)
	require.NoError(t, err)
	keys, err := acc.DeviceKeys()
	require.NoError(t, err)
	unpublished, err := acc.UnpublishedOneTimeKeys()
	require.NoError(t, err)

	_, err = s.UploadKeys(context.Background(), userID, deviceID, httpdto.KeysUploadRequest{
		DeviceKeys:  &keys,
		OneTimeKeys: unpublished,
	})
	require.NoError(t, err)
	acc.MarkKeysAsPublished()
	return acc
}

func TestUploadKeysRejectsForeignDeviceKeys(t *testing.T) {
	s := New(Options{})
	acc, err := olm.NewAccount("@alice:example.org", "ALICE", 10)
	require.NoError(t, err)
	keys, err := acc.DeviceKeys()
	require.NoError(t, err)

	_, err = s.UploadKeys(context.Background(), "@mallory:example.org", "ALICE", httpdto.KeysUploadRequest{DeviceKeys: &keys})
	require.ErrorIs(t, err, sentinal_errors.ErrInvalidInput)
}

func TestUploadKeysConflictingOneTimeKey(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	key := map[string]encryption.OneTimeKey{"signed_curve25519:AAAAAQ": {Key: "one"}}
	_, err := s.UploadKeys(ctx, "@alice:example.org", "ALICE", httpdto.KeysUploadRequest{OneTimeKeys: key})
	require.NoError(t, err)

	// Same key again is fine.
	resp, err := s.UploadKeys(ctx, "@alice:example.org", "ALICE", httpdto.KeysUploadRequest{OneTimeKeys: key})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.OneTimeKeyCounts[encryption.KeyAlgorithmSignedCurve25519])

	_, err = s.UploadKeys(ctx, "@alice:example.org", "ALICE", httpdto.KeysUploadRequest{
		OneTimeKeys: map[string]encryption.OneTimeKey{"signed_curve25519:AAAAAQ": {Key: "two"}},
	})
	require.ErrorIs(t, err, sentinal_errors.ErrConflict)
}

func TestClaimKeysSingleUseThenFallback(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	uploadAccount(t, s, "@bob:example.org", "BOB", 2)

	_, err := s.UploadKeys(ctx, "@bob:example.org", "BOB", httpdto.KeysUploadRequest{
		FallbackKeys: map[string]encryption.OneTimeKey{"signed_curve25519:AAAAZZ": {Key: "fallback", Fallback: true}},
	})
	require.NoError(t, err)

	claim := httpdto.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{
		"@bob:example.org": {"BOB": encryption.KeyAlgorithmSignedCurve25519},
	}}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		resp, err := s.ClaimKeys(ctx, claim)
		require.NoError(t, err)
		keys := resp.OneTimeKeys["@bob:example.org"]["BOB"]
		require.Len(t, keys, 1)
		for _, k := range keys {
			assert.False(t, k.Fallback)
			assert.False(t, seen[k.Key], "one-time key handed out twice")
			seen[k.Key] = true
		}
	}

	sync, err := s.Sync(ctx, "@bob:example.org", "BOB")
	require.NoError(t, err)
	assert.Equal(t, 0, sync.DeviceOneTimeKeysCount[encryption.KeyAlgorithmSignedCurve25519])
	assert.Equal(t, []string{encryption.KeyAlgorithmSignedCurve25519}, sync.DeviceUnusedFallbackKeyTypes)

	resp, err := s.ClaimKeys(ctx, claim)
	require.NoError(t, err)
	fb := resp.OneTimeKeys["@bob:example.org"]["BOB"]["signed_curve25519:AAAAZZ"]
	assert.Equal(t, "fallback", fb.Key)

	sync, err = s.Sync(ctx, "@bob:example.org", "BOB")
	require.NoError(t, err)
	assert.Empty(t, sync.DeviceUnusedFallbackKeyTypes)
	assert.NotNil(t, sync.DeviceUnusedFallbackKeyTypes)
}

func TestClaimKeysExhausted(t *testing.T) {
	s := New(Options{})
	uploadAccount(t, s, "@bob:example.org", "BOB", 0)

	resp, err := s.ClaimKeys(context.Background(), httpdto.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{
		"@bob:example.org": {"BOB": encryption.KeyAlgorithmSignedCurve25519, "GHOST": encryption.KeyAlgorithmSignedCurve25519},
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.OneTimeKeys)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().OneTimeKeysExhausted))
}

func TestQueryKeysAllDevicesAndUserSigningVisibility(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	uploadAccount(t, s, "@alice:example.org", "A1", 1)
	uploadAccount(t, s, "@alice:example.org", "A2", 1)

	usk := &encryption.CrossSigningKey{
		UserID: "@alice:example.org",
		Usage:  []string{encryption.UsageUserSigning},
		Keys:   map[string]string{"ed25519:usk": "usk"},
	}
	master := &encryption.CrossSigningKey{
		UserID: "@alice:example.org",
		Usage:  []string{encryption.UsageMaster},
		Keys:   map[string]string{"ed25519:msk": "msk"},
	}
	require.NoError(t, s.UploadSigningKeys(ctx, "@alice:example.org", httpdto.SigningKeysUploadRequest{MasterKey: master, UserSigningKey: usk}))

	req := httpdto.KeysQueryRequest{DeviceKeys: map[string][]string{"@alice:example.org": {}, "@nobody:example.org": {}}}

	own := s.QueryKeys(ctx, "@alice:example.org", req)
	assert.Len(t, own.DeviceKeys["@alice:example.org"], 2)
	assert.Contains(t, own.UserSigningKeys, "@alice:example.org")
	assert.Contains(t, own.MasterKeys, "@alice:example.org")
	assert.Empty(t, own.DeviceKeys["@nobody:example.org"])

	other := s.QueryKeys(ctx, "@bob:example.org", req)
	assert.NotContains(t, other.UserSigningKeys, "@alice:example.org")

	partial := s.QueryKeys(ctx, "@bob:example.org", httpdto.KeysQueryRequest{DeviceKeys: map[string][]string{"@alice:example.org": {"A2"}}})
	assert.Len(t, partial.DeviceKeys["@alice:example.org"], 1)
}

func TestUploadSigningKeysValidatesUsage(t *testing.T) {
	s := New(Options{})
	bad := &encryption.CrossSigningKey{
		UserID: "@alice:example.org",
		Usage:  []string{encryption.UsageSelfSigning},
		Keys:   map[string]string{"ed25519:k": "k"},
	}
	err := s.UploadSigningKeys(context.Background(), "@alice:example.org", httpdto.SigningKeysUploadRequest{MasterKey: bad})
	require.ErrorIs(t, err, sentinal_errors.ErrInvalidInput)
}

func TestUploadSignaturesMergesAndReportsFailures(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	alice := uploadAccount(t, s, "@alice:example.org", "A1", 0)
	uploadAccount(t, s, "@alice:example.org", "A2", 0)

	target := s.QueryKeys(ctx, "@alice:example.org", httpdto.KeysQueryRequest{
		DeviceKeys: map[string][]string{"@alice:example.org": {"A2"}},
	}).DeviceKeys["@alice:example.org"]["A2"]

	sig, err := alice.SignJSON(target)
	require.NoError(t, err)
	signed := target
	signed.Signatures = encryption.Signatures{}
	signed.Signatures.Set("@alice:example.org", "ed25519:A1", sig)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	forged := target
	forged.Signatures = encryption.Signatures{}
	forged.Signatures.Set("@alice:example.org", "ed25519:A1", "bm90IGEgc2lnbmF0dXJl")
	forgedRaw, err := json.Marshal(forged)
	require.NoError(t, err)

	resp := s.UploadSignatures(ctx, "@alice:example.org", httpdto.SignatureUploadRequest{
		"@alice:example.org": {"A2": raw, "MISSING": raw},
		"@ghost:example.org": {"X": raw},
	})
	assert.Equal(t, ErrCodeNotFound, resp.Failures["@alice:example.org"]["MISSING"].ErrCode)
	assert.Equal(t, ErrCodeNotFound, resp.Failures["@ghost:example.org"]["X"].ErrCode)
	assert.NotContains(t, resp.Failures["@alice:example.org"], "A2")

	resp = s.UploadSignatures(ctx, "@alice:example.org", httpdto.SignatureUploadRequest{
		"@alice:example.org": {"A2": forgedRaw},
	})
	assert.Equal(t, ErrCodeInvalidSignature, resp.Failures["@alice:example.org"]["A2"].ErrCode)

	after := s.QueryKeys(ctx, "@alice:example.org", httpdto.KeysQueryRequest{
		DeviceKeys: map[string][]string{"@alice:example.org": {"A2"}},
	}).DeviceKeys["@alice:example.org"]["A2"]
	got, ok := after.Signatures.Get("@alice:example.org", "ed25519:A1")
	require.True(t, ok)
	assert.Equal(t, sig, got)
	_, ok = after.Signatures.Get("@alice:example.org", "ed25519:A2")
	assert.True(t, ok, "self-signature must survive")
}

func TestSendToDeviceIdempotentAndWildcard(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	s.RegisterDevice("@bob:example.org", "B1")
	s.RegisterDevice("@bob:example.org", "B2")

	body := httpdto.ToDeviceBody{Messages: map[string]map[string]json.RawMessage{
		"@bob:example.org": {"*": json.RawMessage(`{"hello":true}`)},
	}}
	require.NoError(t, s.SendToDevice(ctx, "@alice:example.org", "A1", encryption.EventDummy, "txn1", body))
	require.NoError(t, s.SendToDevice(ctx, "@alice:example.org", "A1", encryption.EventDummy, "txn1", body))

	for _, dev := range []string{"B1", "B2"} {
		sync, err := s.Sync(ctx, "@bob:example.org", dev)
		require.NoError(t, err)
		require.Len(t, sync.ToDevice.Events, 1, dev)
		assert.Equal(t, "@alice:example.org", sync.ToDevice.Events[0].Sender)
		assert.Equal(t, encryption.EventDummy, sync.ToDevice.Events[0].Type)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(s.Metrics().ToDeviceDelivered))
}

func TestSyncReportsDeviceListChangesOnce(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	s.RegisterDevice("@bob:example.org", "B1")
	uploadAccount(t, s, "@alice:example.org", "A1", 0)

	sync, err := s.Sync(ctx, "@bob:example.org", "B1")
	require.NoError(t, err)
	assert.Contains(t, sync.DeviceLists.Changed, "@alice:example.org")

	sync, err = s.Sync(ctx, "@bob:example.org", "B1")
	require.NoError(t, err)
	assert.Empty(t, sync.DeviceLists.Changed)

	s.DeleteDevice(ctx, "@alice:example.org", "A1")
	sync, err = s.Sync(ctx, "@bob:example.org", "B1")
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:example.org"}, sync.DeviceLists.Changed)
	assert.Empty(t, s.Devices("@alice:example.org"))
}

func TestMemoryInboxDrainLimit(t *testing.T) {
	inbox := NewMemoryInbox()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, inbox.Push(ctx, "@u:x", "D", encryption.ToDeviceEvent{Type: "m.dummy"}))
	}
	first, err := inbox.Drain(ctx, "@u:x", "D", 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	rest, err := inbox.Drain(ctx, "@u:x", "D", 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
