package olm

import (
	"testing"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T, user, device string) *Account {
	t.Helper()
	a, err := NewAccount(user, device, 10)
	require.NoError(t, err)
	return a
}

func firstKey(t *testing.T, keys map[string]encryption.OneTimeKey) string {
	t.Helper()
	for _, k := range keys {
		return k.Key
	}
	t.Fatal("no one-time key")
	return ""
}

func TestDeviceKeysAreSelfSigned(t *testing.T) {
	a := newAccount(t, "@alice:example.org", "ALICE")
	keys, err := a.DeviceKeys()
	require.NoError(t, err)
	assert.Equal(t, a.IdentityKey(), keys.Curve25519())
	assert.Equal(t, a.SigningKey(), keys.Ed25519())

	sig, ok := keys.Signatures.Get("@alice:example.org", "ed25519:ALICE")
	require.True(t, ok)
	pub, err := crypto.DecodeEd25519(keys.Ed25519())
	require.NoError(t, err)
	assert.NoError(t, crypto.VerifyJSON(pub, keys, sig))
}

func TestOneTimeKeysPublishAndCap(t *testing.T) {
	a := newAccount(t, "@alice:example.org", "ALICE")
	_, err := a.GenerateOneTimeKeys(4)
	require.NoError(t, err)

	keys, err := a.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 4)
	for id, k := range keys {
		alg, _ := encryption.SplitKeyID(id)
		assert.Equal(t, encryption.KeyAlgorithmSignedCurve25519, alg)
		_, ok := k.Signatures.Get("@alice:example.org", "ed25519:ALICE")
		assert.True(t, ok)
	}

	a.MarkKeysAsPublished()
	keys, err = a.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, a.UnpublishedOneTimeKeyCount())

	published := make([]string, 0, 4)
	for _, k := range a.oneTimeKeys {
		published = append(published, k.pair.PublicKey())
	}

	generated, err := a.GenerateOneTimeKeys(20)
	require.NoError(t, err)
	assert.Equal(t, 6, generated)
	assert.Equal(t, a.MaxOneTimeKeys(), a.OneTimeKeyCount())
	assert.Equal(t, 6, a.UnpublishedOneTimeKeyCount())

	generated, err = a.GenerateOneTimeKeys(5)
	require.NoError(t, err)
	assert.Zero(t, generated)
	for _, pub := range published {
		_, err := a.findKey(pub)
		assert.NoError(t, err, "published key %s was dropped", pub)
	}
}

func TestFallbackRotatesOnlyOncePublished(t *testing.T) {
	a := newAccount(t, "@alice:example.org", "ALICE")
	rotated, err := a.GenerateFallbackKey()
	require.NoError(t, err)
	require.True(t, rotated)
	a.MarkKeysAsPublished()
	first := a.fallback.pair.PublicKey()

	rotated, err = a.GenerateFallbackKey()
	require.NoError(t, err)
	require.True(t, rotated)
	second := a.fallback.pair.PublicKey()

	// the second fallback has not been uploaded, so a further rotation must
	// not push the published one out
	rotated, err = a.GenerateFallbackKey()
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, second, a.fallback.pair.PublicKey())
	_, err = a.findKey(first)
	assert.NoError(t, err)
}

func TestPairwiseSessionRoundTrip(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	_, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	otks, err := bob.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	otk := firstKey(t, otks)

	out, err := alice.NewOutboundSession(bob.IdentityKey(), otk, 0)
	require.NoError(t, err)

	first, err := out.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypePreKey, first.Type)

	pre, err := ParsePreKeyMessage(first.Body)
	require.NoError(t, err)
	in, err := bob.NewInboundSession(alice.IdentityKey(), pre, 0)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())

	plain, err := in.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plain))
	require.NoError(t, bob.RemoveOneTimeKey(otk))
	assert.ErrorIs(t, bob.RemoveOneTimeKey(otk), sentinal_errors.ErrOneTimeKeyConsumed)

	reply, err := in.Encrypt([]byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeNormal, reply.Type)
	plain, err = out.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(plain))

	next, err := out.Encrypt([]byte("after reply"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeNormal, next.Type)

	_, err = in.Decrypt(first)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestInboundSessionNeedsKnownOneTimeKey(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	stranger, err := crypto.GenerateCurve25519()
	require.NoError(t, err)

	out, err := alice.NewOutboundSession(bob.IdentityKey(), stranger.PublicKey(), 0)
	require.NoError(t, err)
	msg, err := out.Encrypt([]byte("x"))
	require.NoError(t, err)
	pre, err := ParsePreKeyMessage(msg.Body)
	require.NoError(t, err)

	_, err = bob.NewInboundSession(alice.IdentityKey(), pre, 0)
	assert.ErrorIs(t, err, sentinal_errors.ErrOneTimeKeyConsumed)
}

func TestOutOfOrderPairwiseMessages(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	_, err := bob.GenerateFallbackKey()
	require.NoError(t, err)
	fb, err := bob.UnpublishedFallbackKey()
	require.NoError(t, err)
	key := firstKey(t, fb)

	out, err := alice.NewOutboundSession(bob.IdentityKey(), key, 0)
	require.NoError(t, err)
	var msgs []encryption.OlmCiphertext
	for i := 0; i < 3; i++ {
		m, err := out.Encrypt([]byte{byte('a' + i)})
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	pre, err := ParsePreKeyMessage(msgs[2].Body)
	require.NoError(t, err)
	in, err := bob.NewInboundSession(alice.IdentityKey(), pre, 0)
	require.NoError(t, err)

	for _, idx := range []int{2, 0, 1} {
		plain, err := in.Decrypt(msgs[idx])
		require.NoError(t, err)
		assert.Equal(t, []byte{byte('a' + idx)}, plain)
	}
	// fallback keys survive use
	assert.NoError(t, bob.RemoveOneTimeKey(key))
}

func TestGroupSessionRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession("!room:example.org", 1, true)
	require.NoError(t, err)

	early, err := out.Encrypt([]byte("before share"))
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession("!room:example.org", out.SessionID(), "senderkey", map[string]string{"ed25519": "claimed"}, key, out.Generation(), true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in.FirstIndex())

	ct1, err := out.Encrypt([]byte("one"))
	require.NoError(t, err)
	ct2, err := out.Encrypt([]byte("two"))
	require.NoError(t, err)

	plain, idx, err := in.Decrypt(ct2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(plain))
	assert.Equal(t, uint32(2), idx)
	plain, _, err = in.Decrypt(ct1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plain))

	_, _, err = in.Decrypt(early)
	assert.ErrorIs(t, err, ErrUnknownMessageIndex)

	exported, err := in.Export()
	require.NoError(t, err)
	imported, err := ImportInboundGroupSession(exported)
	require.NoError(t, err)
	assert.True(t, imported.Imported())
	plain, _, err = imported.Decrypt(ct1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plain))
}

func TestGroupSessionRejectsForgery(t *testing.T) {
	out, err := NewOutboundGroupSession("!room:example.org", 1, false)
	require.NoError(t, err)
	other, err := NewOutboundGroupSession("!room:example.org", 1, false)
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	_, err = NewInboundGroupSession("!room:example.org", other.SessionID(), "s", nil, key, 1, false)
	assert.ErrorIs(t, err, ErrSessionKey)

	in, err := NewInboundGroupSession("!room:example.org", out.SessionID(), "s", nil, key, 1, false)
	require.NoError(t, err)
	forged, err := other.Encrypt([]byte("evil"))
	require.NoError(t, err)
	_, _, err = in.Decrypt(forged)
	assert.ErrorIs(t, err, ErrBadGroupSignature)
}

func TestOutboundSharingBookkeeping(t *testing.T) {
	out, err := NewOutboundGroupSession("!room:example.org", 3, true)
	require.NoError(t, err)
	assert.False(t, out.IsSharedWith("@bob:example.org", "B1"))

	assert.True(t, out.MarkWithheld("@bob:example.org", "B1", encryption.WithheldNoOlm))
	assert.False(t, out.MarkWithheld("@bob:example.org", "B1", encryption.WithheldNoOlm))
	assert.True(t, out.MarkWithheld("@bob:example.org", "B1", encryption.WithheldBlacklisted), "a new code is recorded")

	out.MarkSharedWith("@bob:example.org", "B1", 0)
	assert.True(t, out.IsSharedWith("@bob:example.org", "B1"))
	// sharing clears the withheld entry, so withholding again is reported
	assert.True(t, out.MarkWithheld("@bob:example.org", "B1", encryption.WithheldBlacklisted))

	out.Invalidate()
	assert.True(t, out.Invalidated())
	_, err = out.Encrypt([]byte("x"))
	assert.Error(t, err)
}
