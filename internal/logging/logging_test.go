package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortalMine/steem-stream-proxy/internal/config"
)

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loudest"})
	assert.Error(t, err)
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:      "info",
		Console:    false,
		File:       path,
		MaxAgeDays: 1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	logger.Named("head").Info("starting stream worker")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "starting stream worker")
	assert.Contains(t, string(data), `"logger":"head"`)
}

func TestNewLoggerNoSinksIsNop(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Console: false})
	require.NoError(t, err)
	logger.Info("goes nowhere")
}
