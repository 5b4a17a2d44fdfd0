package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"none", LevelNone},
		{"off", LevelNone},
		{" Info ", LevelInfo},
		{"invalid", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestFileLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "hub.log")

	l, err := New(LevelInfo, logPath, "hub")
	require.NoError(t, err)

	l.Info("worker %s registered", "http://10.0.0.1:8080")
	l.Debug("should not appear")
	require.NoError(t, l.Close())

	// Writes after close are dropped rather than hitting a closed file.
	l.Info("after close")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	text := string(content)
	assert.Contains(t, text, "[INFO] [hub] worker http://10.0.0.1:8080 registered")
	assert.NotContains(t, text, "should not appear")
	assert.NotContains(t, text, "after close")
}

func TestWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(LevelDebug, &buf, "hub")

	parent.WithPrefix("session").Warn("call %d failed", 7)

	assert.Contains(t, buf.String(), "[WARN] [hub:session] call 7 failed")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf, "")

	l.Debug("debug1")
	l.SetLevel(LevelDebug)
	l.Debug("debug2")

	assert.NotContains(t, buf.String(), "debug1")
	assert.Contains(t, buf.String(), "debug2")
	assert.Equal(t, LevelDebug, l.GetLevel())
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "test")
	require.NoError(t, err)

	l.Error("nothing")
	assert.NoError(t, l.Close())
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(LevelWarn, &buf)
	t.Cleanup(func() { InitWriter(LevelNone, nil) })

	Info("quiet")
	Warn("loud %s", "warning")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud warning")
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf, "")

	sl := slog.New(NewSlogHandler(l)).With("component", "hub").WithGroup("conn")
	sl.Debug("hidden")
	sl.Info("accepted", "addr", "10.0.0.2", slog.Group("tls", "enabled", false))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "accepted component=hub conn.addr=10.0.0.2 conn.tls.enabled=false")
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelWarn, &buf, "http")

	StdLogger(l, slog.LevelWarn).Printf("http: TLS handshake error from %s\n", "10.0.0.3:5555")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "[WARN] [http] http: TLS handshake error from 10.0.0.3:5555")
}
