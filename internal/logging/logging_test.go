package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_DefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger, err := New("not-a-level")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_DebugLevelEnablesDebug(t *testing.T) {
	logger, err := New("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestMustNew_DoesNotPanicOnValidLevel(t *testing.T) {
	assert.NotPanics(t, func() {
		logger := MustNew("warn")
		require.NotNil(t, logger)
	})
}
