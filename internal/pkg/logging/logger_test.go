package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Options{Service: "checkout", Env: "test", Level: "loud"})
	require.Error(t, err)
}

func TestNewLoggerTeesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "checkout.log")

	logger, err := NewLogger(Options{Service: "checkout", Env: "test", Level: "debug", File: path})
	require.NoError(t, err)
	logger.Debug("reservation_held")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"reservation_held"`)
	assert.Contains(t, string(data), `"service":"checkout"`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkout.log")

	logger, err := NewLogger(Options{Service: "checkout", Env: "prod", Level: "warn", File: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
