package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
)

func TestFromContextAddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })

	ctx := tenant.WithRequestID(tenant.WithTenantID(context.Background(), "42"), "req-1")
	FromContext(ctx).Info("hello")
	FromContext(context.Background()).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "42", fields["tenant_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestFromContextOr(t *testing.T) {
	scoped := zap.NewNop().Named("scoped")
	fallback := zap.NewNop().Named("fallback")

	assert.Same(t, scoped, FromContextOr(WithLogger(context.Background(), scoped), fallback))
	assert.Same(t, fallback, FromContextOr(context.Background(), fallback))
	assert.Same(t, Log, FromContextOr(context.Background(), nil))
}

func TestInitialize(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Initialize("debug"))
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Initialize("loud"))
	assert.False(t, Log.Core().Enabled(zapcore.DebugLevel), "unknown levels fall back to info")
}
