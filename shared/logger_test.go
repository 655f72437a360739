package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		devInfo  string
		devDebug string
		expected zapcore.Level
	}{
		{"neither set warns only", "", "", zapcore.WarnLevel},
		{"dev info", "1", "", zapcore.InfoLevel},
		{"dev debug", "", "1", zapcore.DebugLevel},
		{"debug wins over info", "1", "1", zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvKeyDevInfo, tt.devInfo)
			t.Setenv(EnvKeyDevDebug, tt.devDebug)
			assert.Equal(t, tt.expected, LevelFromEnv())
		})
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("e", assert.AnError)
	logger.Warn("w")
	logger.Info("i")
	logger.Debug("d")
	logger.Trace("t")
	logger.With().Info("with")
}
