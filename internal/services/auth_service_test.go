package services

import (
	"context"
	"testing"
	"time"

	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRegistersThenChecksPassword(t *testing.T) {
	ctx := context.Background()
	s := NewAuthService("example.org", "secret", time.Hour)

	first, err := s.Login(ctx, LoginInput{User: "alice", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", first.UserID)
	assert.Len(t, first.DeviceID, 10)
	assert.Equal(t, int64(3600), first.ExpiresIn)

	second, err := s.Login(ctx, LoginInput{User: "@alice:example.org", Password: "correct horse", DeviceID: "LAPTOP"})
	require.NoError(t, err)
	assert.Equal(t, "LAPTOP", second.DeviceID)

	_, err = s.Login(ctx, LoginInput{User: "alice", Password: "battery staple"})
	assert.ErrorIs(t, err, sentinal_errors.ErrUnauthorized)

	_, err = s.Login(ctx, LoginInput{User: "bob", Password: "short"})
	assert.ErrorIs(t, err, sentinal_errors.ErrInvalidInput)

	_, err = s.Login(ctx, LoginInput{User: "@mallory:elsewhere.org", Password: "long enough"})
	assert.ErrorIs(t, err, sentinal_errors.ErrForbidden)
}

func TestAccessTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewAuthService("example.org", "secret", time.Hour)
	login, err := s.Login(ctx, LoginInput{User: "alice", Password: "correct horse", DeviceID: "DEV"})
	require.NoError(t, err)

	claims, err := s.ParseAccessToken(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "DEV", claims.DeviceID)

	session, err := s.ValidateSession(ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, login.SessionID, session.ID)

	other := NewAuthService("example.org", "other-secret", time.Hour)
	_, err = other.ParseAccessToken(login.AccessToken)
	assert.ErrorIs(t, err, sentinal_errors.ErrUnauthorized)

	require.NoError(t, s.Logout(ctx, login.SessionID))
	_, err = s.ValidateSession(ctx, claims)
	assert.ErrorIs(t, err, sentinal_errors.ErrUnauthorized)
	assert.ErrorIs(t, s.Logout(ctx, "missing"), sentinal_errors.ErrNotFound)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := NewAuthService("example.org", "secret", -time.Minute)
	login, err := s.Login(context.Background(), LoginInput{User: "alice", Password: "correct horse"})
	require.NoError(t, err)
	_, err = s.ParseAccessToken(login.AccessToken)
	assert.ErrorIs(t, err, sentinal_errors.ErrUnauthorized)
}
