package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iserv-go/iserv/internal/config"
)

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}

	for name, want := range tests {
		assert.Equal(t, want, Level(name), name)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := New(config.LoggingConfig{LogLevel: "info", LogFormat: "json"}, &buf)
	logger.Debug("hidden")
	logger.Info("listed directory", slog.String("path", "/Files"), slog.Int("entries", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "listed directory", rec["msg"])
	assert.Equal(t, "/Files", rec["path"])
	assert.InDelta(t, 3, rec["entries"], 0)
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer

	logger := New(config.LoggingConfig{LogLevel: "debug", LogFormat: "text"}, &buf)
	logger.Debug("created directory", slog.String("path", "/a"))

	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "path=/a")
}

func TestNew_AutoWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer

	logger := New(config.LoggingConfig{LogLevel: "warn", LogFormat: "auto"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "k=v")
	assert.NotContains(t, out, "\x1b[", "no color escapes outside a terminal")
}

func TestOpen_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "iserv.log")

	logger, closeFn, err := Open(config.LoggingConfig{LogLevel: "info", LogFormat: "text", LogFile: path}, os.Stderr)
	require.NoError(t, err)

	logger.Info("sync complete", slog.Int("synced", 3))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "synced=3")
}

func TestOpen_NoFile(t *testing.T) {
	var buf bytes.Buffer

	logger, closeFn, err := Open(config.LoggingConfig{LogFormat: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closeFn())
	assert.Contains(t, buf.String(), "hello")
}
