package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embra/widgetbridge/internal/config"
)

func TestNewDefault(t *testing.T) {
	log, err := NewDefault()
	require.NoError(t, err)
	require.NotNil(t, log)

	assert.Equal(t, LevelInfo, log.GetLevel())
	assert.NoError(t, log.Close())
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty", Format: "text", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewRejectsInvalidFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
	}
	for _, tc := range cases {
		got, err := parseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseLevel("trace")
	assert.Error(t, err)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	log, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("hello from test", "key", "value")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "hello from test", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestWithDoesNotOwnCloser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	log, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	defer log.Close()

	child := log.With("component", "test")
	require.NotNil(t, child)
	assert.Nil(t, child.closer)
	assert.Equal(t, log.GetLevel(), child.GetLevel())

	// Closing the child must not close the parent's file
	require.NoError(t, child.Close())
	log.Info("still writable")
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	log, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
}
