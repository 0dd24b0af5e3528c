package repository

import (
	"context"
	"testing"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/olm"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(userID, deviceID, curve string) *encryption.Device {
	return &encryption.Device{
		Keys: encryption.DeviceKeys{
			UserID:   userID,
			DeviceID: deviceID,
			Keys: map[string]string{
				encryption.KeyID(encryption.KeyAlgorithmCurve25519, deviceID): curve,
			},
		},
		Trust: encryption.TrustUnverified,
	}
}

func TestDevicesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := testDevice("@a:x", "D1", "curve-1")
	require.NoError(t, s.SaveDevice(ctx, d))

	d.Blacklisted = true
	got, err := s.GetDevice(ctx, "@a:x", "D1")
	require.NoError(t, err)
	assert.False(t, got.Blacklisted)

	byKey, err := s.GetDeviceByIdentityKey(ctx, "curve-1")
	require.NoError(t, err)
	assert.Equal(t, "D1", byKey.DeviceID())

	_, err = s.GetDevice(ctx, "@a:x", "nope")
	require.ErrorIs(t, err, sentinal_errors.ErrNotFound)
	_, err = s.GetDeviceByIdentityKey(ctx, "unknown")
	require.ErrorIs(t, err, sentinal_errors.ErrNotFound)
}

func TestTrackingDirtyState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	added, err := s.TrackUsers(ctx, []string{"@a:x", "@b:x"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@a:x", "@b:x"}, added)

	added, err = s.TrackUsers(ctx, []string{"@a:x"})
	require.NoError(t, err)
	assert.Empty(t, added)

	dirty, err := s.DirtyUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@a:x", "@b:x"}, dirty)

	require.NoError(t, s.MarkClean(ctx, []string{"@a:x", "@b:x"}))
	require.NoError(t, s.MarkDirty(ctx, []string{"@b:x", "@untracked:x"}))
	dirty, err = s.DirtyUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@b:x"}, dirty)

	tracked, err := s.IsTracked(ctx, "@untracked:x")
	require.NoError(t, err)
	assert.False(t, tracked)

	require.NoError(t, s.UntrackUsers(ctx, []string{"@b:x", "@untracked:x"}))
	tracked, err = s.IsTracked(ctx, "@b:x")
	require.NoError(t, err)
	assert.False(t, tracked)
	dirty, err = s.DirtyUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	// tracking again starts from a stale list
	added, err = s.TrackUsers(ctx, []string{"@b:x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"@b:x"}, added)
	dirty, err = s.DirtyUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@b:x"}, dirty)
}

func inbound(t *testing.T, room, sender string, generation uint32) *olm.InboundGroupSession {
	t.Helper()
	out, err := olm.NewOutboundGroupSession(room, generation, true)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := olm.NewInboundGroupSession(room, out.SessionID(), sender, nil, key, generation, true)
	require.NoError(t, err)
	return in
}

func TestCurrentGroupSessionOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := "!r:x"

	g0 := inbound(t, room, "sender", 0)
	g2 := inbound(t, room, "sender", 2)
	g1 := inbound(t, room, "sender", 1)
	other := inbound(t, room, "other-sender", 0)

	for _, session := range []*olm.InboundGroupSession{g0, g2, g1, other} {
		require.NoError(t, s.SaveInboundGroupSession(ctx, session))
	}

	current, err := s.CurrentInboundGroupSession(ctx, room, "sender")
	require.NoError(t, err)
	assert.Equal(t, g2.SessionID(), current.SessionID())

	all, err := s.GetInboundGroupSessions(ctx, room)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "other-sender", all[0].SenderKey())
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{all[1].Generation(), all[2].Generation(), all[3].Generation()})

	_, err = s.CurrentInboundGroupSession(ctx, "!elsewhere:x", "sender")
	require.ErrorIs(t, err, sentinal_errors.ErrNotFound)
}

func TestWithheldAndBundleReferences(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetWithheld(ctx, "!r:x", "sess")
	require.ErrorIs(t, err, sentinal_errors.ErrNotFound)
	require.NoError(t, s.SaveWithheld(ctx, encryption.RoomKeyWithheldContent{
		RoomID: "!r:x", SessionID: "sess", Code: encryption.WithheldUnverified,
	}))
	w, err := s.GetWithheld(ctx, "!r:x", "sess")
	require.NoError(t, err)
	assert.Equal(t, encryption.WithheldUnverified, w.Code)

	ref := &encryption.BundleReference{RoomID: "!r:x", SenderUser: "@a:x", File: encryption.EncryptedFile{URL: "mxc://x/1"}}
	require.NoError(t, s.SaveBundleReference(ctx, ref))
	newer := &encryption.BundleReference{RoomID: "!r:x", SenderUser: "@a:x", File: encryption.EncryptedFile{URL: "mxc://x/2"}}
	require.NoError(t, s.SaveBundleReference(ctx, newer))

	got, err := s.GetBundleReference(ctx, "!r:x", "@a:x")
	require.NoError(t, err)
	assert.Equal(t, "mxc://x/2", got.File.URL)
}
