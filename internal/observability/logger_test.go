// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	buf := &bytes.Buffer{}
	return buf, zapcore.AddSync(buf)
}

func TestNew(t *testing.T) {
	t.Run("console output is colorized", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, sink)

		logger.Info("This is a test message.")

		out := buf.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "This is a test message.")
		assert.Contains(t, out, colorMap["green"], "info level should be green")
		assert.Contains(t, out, colorReset)
		assert.Contains(t, out, "TestService.", "component names carry a dot suffix")
	})

	t.Run("unknown color leaves level plain", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "info", Format: "console", Colors: config.ColorConfig{Info: "mauve"}}, sink)
		logger.Info("plain")
		assert.NotContains(t, buf.String(), "\x1b[")
	})

	t.Run("json output is structured", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)

		logger.Warn("This is a JSON message.", zap.String("key", "value"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "This is a JSON message.", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("level filters lower entries", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "warn", Format: "json"}, sink)
		logger.Info("dropped")
		assert.Empty(t, buf.String())
	})

	t.Run("bad level falls back to info", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "loud", Format: "json"}, sink)
		logger.Debug("dropped")
		logger.Info("kept")
		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("writes to rotating file when configured", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bridge.log")
		_, sink := bufferSink()
		logger := New(config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1}, sink)

		logger.Error("This should go to the file.")
		require.NoError(t, logger.Sync())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "{"), "file output is JSON")
	})
}

func TestInitialize(t *testing.T) {
	t.Run("only initializes once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, sink)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})

	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		logger := GetLogger()
		require.NotNil(t, logger)
		assert.Nil(t, globalLogger.Load(), "fallback must not become the global logger")
	})
}

func TestIgnorableSyncError(t *testing.T) {
	assert.True(t, ignorableSyncError(errors.New("sync /dev/stderr: invalid argument")))
	assert.True(t, ignorableSyncError(errors.New("sync /dev/stdout: inappropriate ioctl for device")))
	assert.False(t, ignorableSyncError(errors.New("disk full")))
}
