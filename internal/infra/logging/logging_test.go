package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	logger, sync, err := New(Config{Format: "console", Level: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sync() })

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownInputs(t *testing.T) {
	_, _, err := New(Config{Format: "xml"})
	assert.Error(t, err)

	_, _, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNamedToleratesNil(t *testing.T) {
	assert.NotNil(t, Named(nil, "conn"))
}
