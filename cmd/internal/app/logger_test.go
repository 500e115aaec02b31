package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" Debug ": slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestNewLogHandler_JSONByDefault(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"", "json", "unknown"} {
		var buf bytes.Buffer
		log := slog.New(newLogHandler(&buf, "info", format))
		log.Info("session.refresh.ok", "attempts", 1)
		log.Debug("session.refresh.retry")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1, "format %q", format)

		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec), "format %q", format)
		assert.Equal(t, "session.refresh.ok", rec["msg"])
		assert.Equal(t, "INFO", rec["level"])
		assert.EqualValues(t, 1, rec["attempts"])
		assert.Contains(t, rec, slog.SourceKey)
	}
}

func TestNewLogHandler_TextAndPretty(t *testing.T) {
	t.Setenv("PORTAL_LOG_WIDTH", "200")

	var plain bytes.Buffer
	slog.New(newLogHandler(&plain, "debug", "TEXT")).Debug("guard.decision", "action", "redirect")
	assert.Contains(t, plain.String(), "guard.decision")
	assert.Contains(t, plain.String(), "action=redirect")
	assert.NotContains(t, plain.String(), "\x1b[")

	var colored bytes.Buffer
	slog.New(newLogHandler(&colored, "debug", "pretty")).Warn("cors.origin.denied")
	assert.Contains(t, colored.String(), "cors.origin.denied")
	assert.Contains(t, colored.String(), "\x1b[")
}
