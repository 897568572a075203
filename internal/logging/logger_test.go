package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("production logger ready")
}

func TestNewTagsEntriesWithService(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		core, logs := observer.New(zapcore.DebugLevel)
		logger, err := New(development, zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))
		require.NoError(t, err)

		logger.Info("resolution queued", zap.String("id", "r1"))

		entries := logs.FilterMessage("resolution queued").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		require.Equal(t, ServiceName, fields["service"])
		require.Equal(t, "r1", fields["id"])
	}
}
