package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"a2a/pkg/logging"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		t.Run(level, func(t *testing.T) {
			log, err := New(level, "json")
			require.NoError(t, err)
			assert.NotNil(t, log)
		})
	}
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core).WithServiceID("svc-a").Named("exchange")

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	log.InfowCtx(ctx, "handled", "subject", "a2a.data.request")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "svc-a", fields["service_id"])
	assert.Equal(t, "a2a.data.request", fields["subject"])
	assert.Equal(t, "exchange", entries[0].LoggerName)
}

func TestWatermillAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := Watermill(NewWithCore(core)).With(watermill.LogFields{"topic": "x"})

	adapter.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})
	adapter.Trace("tick", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "x", fields["topic"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.Equal(t, "watermill", entries[0].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}
