package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"wylloh/features"

	"github.com/stretchr/testify/assert"
)

func setBuild(t *testing.T, mode, feats string) {
	t.Helper()
	origMode, origFeatures := features.BuildMode, features.BuildFeatures
	features.BuildMode, features.BuildFeatures = mode, feats
	features.Reset()
	t.Cleanup(func() {
		features.BuildMode, features.BuildFeatures = origMode, origFeatures
		features.Reset()
	})
}

func TestLoggerMinimalMode(t *testing.T) {
	setBuild(t, "demo", "")

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Error("hidden error")
	logger.Startup("visible startup")

	out := buf.String()
	assert.NotContains(t, out, "DEBUG")
	assert.NotContains(t, out, "INFO")
	assert.NotContains(t, out, "ERROR")
	assert.Contains(t, out, "STARTUP: visible startup")
}

func TestLoggerFullMode(t *testing.T) {
	setBuild(t, "production", "")

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	logger.Debug("debug %d", 1)
	logger.Info("info %s", "two")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	assert.Contains(t, out, "DEBUG: debug 1")
	assert.Contains(t, out, "INFO: info two")
	assert.Contains(t, out, "WARN: warn")
	assert.Contains(t, out, "ERROR: error")
}

func TestLoggerSetLevel(t *testing.T) {
	setBuild(t, "production", "")

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)
	logger.SetLevel(LevelWarn)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestLoggerWithComponent(t *testing.T) {
	setBuild(t, "production", "")

	var buf bytes.Buffer
	root := NewLoggerWithWriter(&buf)
	child := root.WithComponent("envelope-store")

	child.Warn("replica %s unavailable", "redis")
	assert.Contains(t, buf.String(), "WARN: [envelope-store] replica redis unavailable")

	root.SetLevel(LevelError)
	child.Warn("suppressed")
	assert.NotContains(t, buf.String(), "suppressed")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLoggingMode(t *testing.T) {
	setBuild(t, "demo", "")
	assert.Equal(t, "minimal (startup only)", LoggingMode())

	setBuild(t, "demo", features.FeatureFullLogging)
	assert.Equal(t, "full", LoggingMode())
}

func TestLoggerConcurrentWrites(t *testing.T) {
	setBuild(t, "production", "")

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("message %d", n)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "INFO:"))
}

func TestPrintBuildInfo(t *testing.T) {
	setBuild(t, "development", "metrics")

	var buf bytes.Buffer
	NewLoggerWithWriter(&buf).PrintBuildInfo("key-manager", "1.2.3")

	out := buf.String()
	assert.Contains(t, out, "Service: key-manager v1.2.3")
	assert.Contains(t, out, "Build Mode: development")
	assert.Contains(t, out, "Enabled Features: [metrics]")
}
