package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestConnectDevelopmentLevel(t *testing.T) {
	l := Connect(LoggerConnectProps{Level: "warn"})
	assert.False(t, l.logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.logger.Core().Enabled(zap.WarnLevel))

	l = Connect(LoggerConnectProps{Level: "nonsense"})
	assert.True(t, l.logger.Core().Enabled(zap.InfoLevel))
}

func TestLoggerAddsTraceAndSessionFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core))

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	l.Session(ctx, "s-1", "anish", 3).Info("hello")
	l.Logger(context.Background()).Info("plain")

	entries := logs.All()
	assert.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, "anish", fields["character_id"])
	assert.Equal(t, int64(3), fields["stage"])
	assert.Empty(t, entries[1].ContextMap())
}
