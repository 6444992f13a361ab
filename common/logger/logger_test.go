package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		level     zerolog.Level
		wantDebug bool
	}{
		{name: "no level defaults to info", level: zerolog.NoLevel, wantDebug: false},
		{name: "debug", level: zerolog.DebugLevel, wantDebug: true},
		{name: "error", level: zerolog.ErrorLevel, wantDebug: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewFromConfig(Config{Level: tt.level, Output: &buf})
			l.Debugf("debug %d", 1)
			assert.Equal(t, tt.wantDebug, strings.Contains(buf.String(), "debug 1"))
		})
	}
}

func TestLoggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Level: zerolog.DebugLevel, Output: &buf}).WithField("component", "test")

	l.Info("ready")
	l.Warnf("rejected: %s", "StaleMessage")
	l.Error(errors.New("boom"), "call failed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "ready", entries[0]["message"])
	assert.Equal(t, "test", entries[0]["component"])

	assert.Equal(t, "warn", entries[1]["level"])
	assert.Equal(t, "rejected: StaleMessage", entries[1]["message"])

	assert.Equal(t, "error", entries[2]["level"])
	assert.Equal(t, "boom", entries[2]["error"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
