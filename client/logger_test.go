package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"WARN", WARN},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLogLevel(tt.input), tt.input)
	}
}

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("WARN", &buf).WithFields(String("component", "test"))

	logger.Info("dropped")
	logger.Warn("kept",
		Int("attempt", 2),
		Duration("elapsed", 1500*time.Millisecond),
		Error("error", errors.New("refused")),
		String("password", "hunter2"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "refused", entry["error"])
	assert.Equal(t, "[REDACTED]", entry["password"])
	assert.Contains(t, entry, "timestamp")
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbhandler.log")
	logger := NewFileLogger("INFO", LogFileOptions{Path: path, MaxSizeMB: 1})

	logger.Info("connection state changed", String("to", "HEALTHY"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"to":"HEALTHY"`)
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	logger.Error("ignored")
	assert.Equal(t, logger, logger.WithFields(String("a", "b")))
}
