package logger

import (
	"testing"

	pkgconfig "github.com/goran-ethernal/dna/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		development bool
		wantErr     bool
	}{
		{name: "debug level production", level: "debug"},
		{name: "info level production", level: "info"},
		{name: "warn level development", level: "warn", development: true},
		{name: "error level development", level: "error", development: true},
		{name: "invalid level", level: "invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.development)
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, logger)
			} else {
				require.NoError(t, err)
				require.NotNil(t, logger)
				require.NotNil(t, logger.SugaredLogger)
				require.Equal(t, tt.level, logger.GetLevel())
			}
		})
	}
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NotNil(t, logger)

	// Should not panic.
	logger.Info("discarded")
	logger.WithComponent("test").Debugw("discarded", "key", "value")
}

func TestNewComponentLoggerFromConfig(t *testing.T) {
	logger := NewComponentLoggerFromConfig("ingestion", pkgconfig.LoggingConfig{Level: "info"})
	require.NotNil(t, logger)

	// An invalid level falls back to the default logger.
	logger = NewComponentLoggerFromConfig("ingestion", pkgconfig.LoggingConfig{Level: "bogus"})
	require.NotNil(t, logger)
}

func TestGetDefaultLogger(t *testing.T) {
	first := GetDefaultLogger()
	require.NotNil(t, first)
	require.Same(t, first, GetDefaultLogger())
}
