package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHAgreement(t *testing.T) {
	a, err := GenerateCurve25519()
	require.NoError(t, err)
	b, err := GenerateCurve25519()
	require.NoError(t, err)

	ab, err := DH(a.Private, b.Public)
	require.NoError(t, err)
	ba, err := DH(b.Private, a.Public)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	decoded, err := DecodeCurve25519(a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, a.Public, decoded)
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	_, err := DecodeCurve25519("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = DecodeCurve25519(EncodeKey([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCanonicalJSONSortsAndStrips(t *testing.T) {
	doc := map[string]any{
		"b":          1,
		"a":          "<x>",
		"signatures": map[string]any{"@u:x": map[string]string{"ed25519:D": "sig"}},
		"unsigned":   map[string]any{"name": "n"},
		"nested":     map[string]any{"z": true, "y": 2.5},
	}
	out, err := CanonicalJSON(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1,"nested":{"y":2.5,"z":true}}`, string(out))
}

func TestSignAndVerifyJSON(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	type doc struct {
		UserID     string            `json:"user_id"`
		Keys       map[string]string `json:"keys"`
		Signatures map[string]any    `json:"signatures,omitempty"`
	}
	d := doc{UserID: "@alice:example.org", Keys: map[string]string{"ed25519:DEV": kp.PublicKey()}}
	sig, err := SignJSON(kp, d)
	require.NoError(t, err)

	d.Signatures = map[string]any{"@alice:example.org": map[string]string{"ed25519:DEV": sig}}
	assert.NoError(t, VerifyJSON(kp.Public, d, sig))

	d.UserID = "@mallory:example.org"
	assert.ErrorIs(t, VerifyJSON(kp.Public, d, sig), ErrBadSignature)
}

func TestSealOpen(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7
	sealed, err := Seal(key, []byte("hello"), []byte("ad"))
	require.NoError(t, err)

	plain, err := Open(key, sealed, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = Open(key, sealed, []byte("other"))
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = Open(key, sealed[:5], []byte("ad"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestAttachmentRoundTrip(t *testing.T) {
	plaintext := []byte(`{"room_keys":[]}`)
	ciphertext, att, err := EncryptAttachment(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Equal(t, make([]byte, 8), att.IV[8:])

	out, err := DecryptAttachment(ciphertext, att)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	ciphertext[0] ^= 0xff
	_, err = DecryptAttachment(ciphertext, att)
	assert.ErrorIs(t, err, ErrAttachmentHash)
}

func TestChainAdvanceIsDeterministic(t *testing.T) {
	ck := []byte("0123456789abcdef0123456789abcdef")
	n1, m1 := AdvanceChain(ck)
	n2, m2 := AdvanceChain(ck)
	assert.Equal(t, n1, n2)
	assert.Equal(t, m1, m2)
	assert.NotEqual(t, n1, m1)
	assert.NotEqual(t, ck, AdvanceRatchet(ck))
}
