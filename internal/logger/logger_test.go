package logger_test

import (
	"testing"

	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		env       string
		wantLevel zapcore.Level
	}{
		{name: "development console", level: "debug", format: "console", env: "development", wantLevel: zapcore.DebugLevel},
		{name: "production forces json", level: "warn", format: "console", env: "production", wantLevel: zapcore.WarnLevel},
		{name: "invalid level falls back to info", level: "loud", format: "json", env: "staging", wantLevel: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := logger.NewLogger(
				&config.LoggingConfig{Level: tt.level, Format: tt.format},
				&config.AppConfig{Name: "score-regions", Environment: tt.env},
			)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.wantLevel))
			assert.False(t, log.Core().Enabled(tt.wantLevel-1))
		})
	}
}

func TestWithFlight(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	logger.WithFlight(zap.New(core), "run-1", "kruger-summer", "2023-05-01", "flight1.tif").Info("scoring")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "kruger-summer", fields["container"])
	assert.Equal(t, "2023-05-01", fields["date_of_flight"])
	assert.Equal(t, "flight1.tif", fields["blob"])
}
