package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorHandler(t *testing.T) {
	tests := []struct {
		name     string
		level    slog.Level
		message  string
		wantCode string
	}{
		{"error message has red color", slog.LevelError, "document failed", colorRed},
		{"warning message has yellow color", slog.LevelWarn, "write conflict, retrying", colorYellow},
		{"info message has no color", slog.LevelInfo, "extracted candidates", ""},
		{"commit message has green color", slog.LevelInfo, "Committed document", colorGreen},
		{"checkpoint message has green color", slog.LevelInfo, "checkpoint stored", colorGreen},
		{"debug message has no color", slog.LevelDebug, "commit debug detail", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, slog.LevelDebug)
			logger.Log(t.Context(), tt.level, tt.message)

			output := buf.String()
			assert.Contains(t, output, tt.message)
			if tt.wantCode != "" {
				assert.Contains(t, output, tt.wantCode)
				assert.Contains(t, output, colorReset)
				return
			}
			for _, code := range []string{colorRed, colorYellow, colorGreen} {
				assert.NotContains(t, output, code)
			}
		})
	}
}

func TestColorHandlerAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug).With("run_id", "r1")

	logger.WithGroup("doc").Error("extract failed", "source_id", "a.txt", slog.Group("unit", "index", 3))

	output := buf.String()
	assert.Contains(t, output, "extract failed")
	assert.Contains(t, output, "run_id=r1")
	assert.Contains(t, output, "doc.source_id=a.txt")
	assert.Contains(t, output, "doc.unit.index=3")
	assert.True(t, strings.HasSuffix(output, "\n"))
}

func TestColorHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, slog.LevelInfo, "json")).Info("run finished", "committed", 2)

	assert.Contains(t, buf.String(), `"msg":"run finished"`)
	assert.Contains(t, buf.String(), `"committed":2`)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger(slog.LevelInfo)
	require.NotNil(t, logger)
	assert.Same(t, slog.Default(), OrDefault(nil))
	assert.Same(t, logger, OrDefault(logger))
}
