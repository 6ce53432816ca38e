package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	l, err := New("debug")
	assert.NoError(t, err)
	assert.NotNil(t, l)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel), "expected debug level to be enabled")

	l, err = New("warn")
	assert.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zapcore.InfoLevel), "expected info level to be disabled")

	_, err = New("loud")
	assert.Error(t, err, "expected error for unknown level")
}
