package gosmpls

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFansOutToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "run.json")
	logger, closer, err := NewLogger(LogCfg{Level: slog.LevelInfo, Console: &console, Path: path})
	require.NoError(t, err)

	logger.Info("link state set", "link", "er1-lsr", "down", true)
	logger.Debug("suppressed")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "link state set")
	assert.NotContains(t, console.String(), "suppressed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "link state set", rec["msg"])
	assert.Equal(t, "er1-lsr", rec["link"])
	assert.Equal(t, true, rec["down"])
}

func TestLoggerWithoutFile(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := NewLogger(LogCfg{Level: slog.LevelDebug, Console: &console})
	require.NoError(t, err)
	logger.Debug("tick", "n", 3)
	assert.NoError(t, closer.Close())
	assert.Contains(t, console.String(), "tick")
}
