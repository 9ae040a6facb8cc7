package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pond-gateway/internal/config"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := New(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Named("pipeline").Info("reading persisted")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"logger":"pipeline"`)
	assert.Contains(t, string(raw), `"message":"reading persisted"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_NoSinks(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
