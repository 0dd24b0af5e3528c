package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSignaturesKeepsExisting(t *testing.T) {
	existing := Signatures{
		"@bob:example.org": {"ed25519:BOB": "self", "ed25519:ssk": "cross"},
	}
	incoming := Signatures{
		"@bob:example.org":   {"ed25519:BOB": "replaced", "ed25519:other": "new"},
		"@alice:example.org": {"ed25519:usk": "alice"},
	}

	merged := MergeSignatures(existing, incoming)

	sig, ok := merged.Get("@bob:example.org", "ed25519:BOB")
	require.True(t, ok)
	assert.Equal(t, "self", sig, "conflicting signature keeps the held value")
	sig, _ = merged.Get("@bob:example.org", "ed25519:ssk")
	assert.Equal(t, "cross", sig)
	sig, _ = merged.Get("@bob:example.org", "ed25519:other")
	assert.Equal(t, "new", sig)
	sig, _ = merged.Get("@alice:example.org", "ed25519:usk")
	assert.Equal(t, "alice", sig)

	// inputs are left alone
	assert.Len(t, existing["@bob:example.org"], 2)
	assert.NotContains(t, existing, "@alice:example.org")
}

func TestMergeSignaturesNeverRemoves(t *testing.T) {
	existing := Signatures{"@bob:example.org": {"ed25519:BOB": "self", "ed25519:ssk": "cross"}}

	for name, incoming := range map[string]Signatures{
		"nil":          nil,
		"empty":        {},
		"subset":       {"@bob:example.org": {"ed25519:BOB": "self"}},
		"empty inner":  {"@bob:example.org": {}},
		"other signer": {"@carol:example.org": {"ed25519:CAROL": "c"}},
	} {
		t.Run(name, func(t *testing.T) {
			merged := MergeSignatures(existing, incoming)
			assert.Equal(t, existing["@bob:example.org"], merged["@bob:example.org"])
		})
	}

	merged := MergeSignatures(nil, Signatures{"@bob:example.org": {"ed25519:BOB": "self"}})
	sig, ok := merged.Get("@bob:example.org", "ed25519:BOB")
	require.True(t, ok)
	assert.Equal(t, "self", sig)
}
