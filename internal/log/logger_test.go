package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"trace", logrus.TraceLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"Error", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}

	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

func TestFormatterPattern(t *testing.T) {
	var buf bytes.Buffer
	l := newAdapter(&buf, "%time [%level] %field %msg%n", "15:04:05", logrus.DebugLevel)

	l.WithFields(map[string]interface{}{"tag": 0x12, "src": "02:00"}).Debug("fragment queued")
	line := buf.String()

	assert.Contains(t, line, "[DEBUG] src=02:00,tag=18 fragment queued\n")
	_, err := time.Parse("15:04:05", line[:8])
	assert.NoError(t, err)
}

func TestFormatterWithError(t *testing.T) {
	var buf bytes.Buffer
	l := newAdapter(&buf, "%level|%field|%msg", defaultTime, logrus.InfoLevel)

	l.WithError(errors.New("boom")).Warn("drop")
	assert.Equal(t, "WARNING|error=boom|drop", buf.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newAdapter(&buf, "%msg%n", defaultTime, logrus.WarnLevel)

	l.Info("hidden")
	l.Debug("hidden")
	l.Warn("shown")
	assert.Equal(t, "shown\n", buf.String())
	assert.False(t, l.IsInfoEnabled())
	assert.False(t, l.IsDebugEnabled())
}

func TestGetLoggerDefault(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "lowpan.log")
	cfg := config.LogConfig{
		Level:   "debug",
		Pattern: "[%level] %msg%n",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1},
			},
		},
	}
	require.NoError(t, Init(cfg))
	t.Cleanup(Close)

	GetLogger().Debug("written to file")
	Close()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[DEBUG] written to file")
}

func TestInitInvalidLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(config.LogConfig{Level: "info"}))
	t.Cleanup(Close)

	assert.False(t, GetLogger().IsDebugEnabled())
	require.NoError(t, SetLevel("debug"))
	assert.True(t, GetLogger().IsDebugEnabled())
	assert.Error(t, SetLevel("nope"))
}

func TestMultiWriterKeepsGoing(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMultiWriter().Add(&a).Add(failingWriter{}).Add(&b)

	n, err := m.Write([]byte("x"))
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, "x", a.String())
	assert.Equal(t, "x", b.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }
