package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsSessionFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithSession(context.Background(), "42", "42_abcdef")
	ctx = WithTraceID(ctx, "trace-1")
	cl.LogInfo(ctx, "session started")
	cl.LogError(ctx, errors.New("boom"), "session failed")

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "42", fields["user_id"])
	assert.Equal(t, "42_abcdef", fields["session_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "boom", logs.All()[1].ContextMap()["error"])
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogWarn(context.Background(), "plain")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zap.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zap.InfoLevel))
	assert.True(t, New("nonsense").Core().Enabled(zap.InfoLevel))
}
