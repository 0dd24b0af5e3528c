package schema

import (
	"errors"
	"testing"

	"sentinal-e2ee/internal/domain/outbox"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/require"
)

func TestEverySchemaCompiles(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	require.Len(t, v.schemas, len(allKinds)*2)
}

func TestResponseValidation(t *testing.T) {
	v := MustNew()

	cases := []struct {
		name  string
		kind  outbox.Kind
		body  string
		valid bool
	}{
		{"upload counts", outbox.KindKeysUpload, `{"one_time_key_counts":{"signed_curve25519":50}}`, true},
		{"upload negative count", outbox.KindKeysUpload, `{"one_time_key_counts":{"signed_curve25519":-1}}`, false},
		{"upload missing counts", outbox.KindKeysUpload, `{}`, false},
		{"query empty user", outbox.KindKeysQuery, `{"device_keys":{"@bob:example.org":{}}}`, true},
		{"query device without keys", outbox.KindKeysQuery, `{"device_keys":{"@bob:example.org":{"BOB":{"user_id":"@bob:example.org","device_id":"BOB"}}}}`, false},
		{"query bad master key", outbox.KindKeysQuery, `{"device_keys":{},"master_keys":{"@bob:example.org":{"user_id":"@bob:example.org","usage":[],"keys":{"ed25519:x":"x"}}}}`, false},
		{"claim", outbox.KindKeysClaim, `{"one_time_keys":{"@bob:example.org":{"BOB":{"signed_curve25519:AAAAAQ":{"key":"abc","signatures":{}}}}}}`, true},
		{"claim key not object", outbox.KindKeysClaim, `{"one_time_keys":{"@bob:example.org":{"BOB":{"signed_curve25519:AAAAAQ":"abc"}}}}`, false},
		{"to-device", outbox.KindToDevice, `{}`, true},
		{"signature failures", outbox.KindSignatureUpload, `{"failures":{"@bob:example.org":{"BOB":{"errcode":"M_INVALID_SIGNATURE"}}}}`, true},
		{"not an object", outbox.KindSigningKeysUpload, `[]`, false},
		{"not json", outbox.KindSigningKeysUpload, `{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateResponse(tc.kind, []byte(tc.body))
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, sentinal_errors.ErrInvalidInput))
		})
	}
}

func TestRequestValidation(t *testing.T) {
	v := MustNew()

	require.NoError(t, v.ValidateRequest(outbox.KindKeysClaim, []byte(`{"one_time_keys":{"@bob:example.org":{"BOB":"signed_curve25519"}}}`)))
	require.Error(t, v.ValidateRequest(outbox.KindKeysClaim, []byte(`{"one_time_keys":{}}`)))
	require.NoError(t, v.ValidateRequest(outbox.KindKeysQuery, []byte(`{"device_keys":{"@bob:example.org":[]}}`)))
	require.NoError(t, v.ValidateRequest(outbox.KindToDevice, []byte(`{"event_type":"m.room.encrypted","txn_id":"t1","messages":{"@bob:example.org":{"BOB":{"algorithm":"x"}}}}`)))
	require.Error(t, v.ValidateRequest(outbox.KindSignatureUpload, []byte(`{"@bob:example.org":{"BOB":{}}}`)))
	require.Error(t, v.ValidateRequest(outbox.Kind("NOPE"), []byte(`{}`)))
}
