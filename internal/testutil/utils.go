package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger writes to stdout rather than t.Log so goroutines that outlive
// the test can still log safely.
func TestLogger(t *testing.T) *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stdout),
		zapcore.DebugLevel,
	)
	logger := zap.New(core).Named("test")
	t.Cleanup(func() {
		_ = logger.Sync()
	})
	return logger.Sugar()
}

// ObservedLogger returns a logger whose entries can be inspected by the test.
func ObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}
