package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCtxCarriesRequestScopedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	ctx := context.WithValue(context.Background(), UserIdKey, "@alice:example.org")
	ctx = WithRoom(ctx, "!room:example.org")
	l.Ctx(ctx).Infof("shared %d keys", 3)

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "shared 3 keys", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "@alice:example.org", fields["user_id"])
	assert.Equal(t, "!room:example.org", fields["room_id"])
	assert.NotContains(t, fields, "device_id")
}

func TestForAppMode(t *testing.T) {
	assert.False(t, ForAppMode("test").Logger.Core().Enabled(zapcore.ErrorLevel))
	assert.True(t, ForAppMode("debug").Logger.Core().Enabled(zapcore.DebugLevel))
	assert.False(t, ForAppMode("release").Logger.Core().Enabled(zapcore.DebugLevel))
}

func TestGlobalLoggerDefaultsToNop(t *testing.T) {
	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())
}
