package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/agentjob/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := logger.ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := logger.ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer

	l, err := logger.New(&buf, logger.Config{Level: "info", Format: logger.FormatJSON})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("job ended", "jobId", "job-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job ended", entry["msg"])
	assert.Equal(t, "job-1", entry["jobId"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer

	l, err := logger.New(&buf, logger.Config{Level: "warn"})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("skip unreadable job", "jobId", "job-1")

	out := buf.String()
	assert.Contains(t, out, "skip unreadable job")
	assert.Contains(t, out, "jobId=job-1")
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "\x1b[", "expected no colour when not a terminal")
}

func TestNewErrors(t *testing.T) {
	_, err := logger.New(&bytes.Buffer{}, logger.Config{Level: "loud"})
	assert.Error(t, err)

	_, err = logger.New(&bytes.Buffer{}, logger.Config{Format: "xml"})
	assert.Error(t, err)

	assert.Error(t, logger.Config{Format: "xml"}.Validate())
	assert.NoError(t, logger.Config{Level: "debug", Format: logger.FormatJSON}.Validate())
}

func TestNewConsoleFileHasNoColor(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "worker.log"))
	require.NoError(t, err)
	defer f.Close()

	l, err := logger.New(f, logger.Config{Level: "info"})
	require.NoError(t, err)

	l.Error("assistant still running", "jobId", "job-1")

	out, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Contains(t, string(out), "assistant still running")
	assert.NotContains(t, string(out), "\x1b[", "expected no color escapes in a regular file")
}
