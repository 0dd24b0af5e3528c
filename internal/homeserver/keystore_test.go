package homeserver

import (
	"context"
	"errors"
	"testing"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func sqlKeyStore(t *testing.T) *repository.KeyStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ks := repository.NewKeyStore(db)
	require.NoError(t, ks.Migrate(context.Background()))
	return ks
}

func keyStores(t *testing.T) map[string]KeyStore {
	return map[string]KeyStore{
		"memory": NewMemoryKeyStore(),
		"sql":    sqlKeyStore(t),
	}
}

func TestKeyStoresAgree(t *testing.T) {
	for name, ks := range keyStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ks.AddOneTimeKeys(ctx, "@bob:example.org", "BOB", map[string]encryption.OneTimeKey{
				"signed_curve25519:AAAAAC": {Key: "two"},
				"signed_curve25519:AAAAAB": {Key: "one"},
			}))
			err := ks.AddOneTimeKeys(ctx, "@bob:example.org", "BOB", map[string]encryption.OneTimeKey{
				"signed_curve25519:AAAAAB": {Key: "other"},
			})
			require.ErrorIs(t, err, sentinal_errors.ErrConflict)

			require.NoError(t, ks.SetFallbackKeys(ctx, "@bob:example.org", "BOB", map[string]encryption.OneTimeKey{
				"signed_curve25519:AAAAFB": {Key: "fallback", Fallback: true},
			}))

			var order []string
			for i := 0; i < 3; i++ {
				keyID, _, err := ks.ClaimKey(ctx, "@bob:example.org", "BOB", encryption.KeyAlgorithmSignedCurve25519)
				require.NoError(t, err)
				order = append(order, keyID)
			}
			assert.Equal(t, []string{
				"signed_curve25519:AAAAAB",
				"signed_curve25519:AAAAAC",
				"signed_curve25519:AAAAFB",
			}, order)

			counts, err := ks.CountOneTimeKeys(ctx, "@bob:example.org", "BOB")
			require.NoError(t, err)
			assert.Equal(t, map[string]int{encryption.KeyAlgorithmSignedCurve25519: 0}, counts)
			unused, err := ks.UnusedFallbackTypes(ctx, "@bob:example.org", "BOB")
			require.NoError(t, err)
			assert.Equal(t, []string{}, unused)

			require.NoError(t, ks.DeleteDeviceKeys(ctx, "@bob:example.org", "BOB"))
			_, _, err = ks.ClaimKey(ctx, "@bob:example.org", "BOB", encryption.KeyAlgorithmSignedCurve25519)
			require.ErrorIs(t, err, sentinal_errors.ErrNotFound)
		})
	}
}

func TestServerClaimsFromSQLKeyStore(t *testing.T) {
	ctx := context.Background()
	ks := sqlKeyStore(t)
	s := New(Options{Keys: ks})
	uploadAccount(t, s, "@bob:example.org", "BOB", 3)

	// a second server sharing the table never hands out the same key
	other := New(Options{Keys: ks})
	other.RegisterDevice("@bob:example.org", "BOB")
	claim := httpdto.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{
		"@bob:example.org": {"BOB": encryption.KeyAlgorithmSignedCurve25519},
	}}

	seen := map[string]bool{}
	for i, srv := range []*Server{s, other, s} {
		resp, err := srv.ClaimKeys(ctx, claim)
		require.NoError(t, err)
		keys := resp.OneTimeKeys["@bob:example.org"]["BOB"]
		require.Len(t, keys, 1, "claim %d", i)
		for keyID := range keys {
			assert.False(t, seen[keyID], "key %s handed out twice", keyID)
			seen[keyID] = true
		}
	}

	sync, err := s.Sync(ctx, "@bob:example.org", "BOB")
	require.NoError(t, err)
	assert.Equal(t, 0, sync.DeviceOneTimeKeysCount[encryption.KeyAlgorithmSignedCurve25519])
}

type brokenKeyStore struct {
	*MemoryKeyStore
}

func (brokenKeyStore) ClaimKey(context.Context, string, string, string) (string, encryption.OneTimeKey, error) {
	return "", encryption.OneTimeKey{}, errors.New("connection reset")
}

func TestClaimKeysReportsStoreFailure(t *testing.T) {
	s := New(Options{Keys: brokenKeyStore{NewMemoryKeyStore()}})
	uploadAccount(t, s, "@bob:example.org", "BOB", 1)

	_, err := s.ClaimKeys(context.Background(), httpdto.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{
		"@bob:example.org": {"BOB": encryption.KeyAlgorithmSignedCurve25519},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
