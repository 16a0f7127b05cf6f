package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelWarn)

	logger.Debug("debug %s", "msg")
	logger.Info("info %s", "msg")
	assert.Empty(t, buf.String())

	logger.Warn("warn %s", "msg")
	assert.Contains(t, buf.String(), "[WARN] warn msg")

	logger.Error("error %s", "msg")
	assert.Contains(t, buf.String(), "[ERROR] error msg")
}

func TestDefaultLogger_LogLevelNoneSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelNone)

	logger.Debug("x")
	logger.Info("x")
	logger.Warn("x")
	logger.Error("x")
	assert.Empty(t, buf.String())
}

func TestNoOpLogger_NeverPanics(t *testing.T) {
	var l NoOpLogger
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "NONE", LogLevelNone.String())
	assert.True(t, strings.HasPrefix(LogLevel(99).String(), "UNKNOWN"))
}

func TestNamed_PrefixesEveryLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Named(NewCustomLogger(&buf, LogLevelDebug), "memqueue")

	logger.Debug("lease job %s", "j1")
	assert.Contains(t, buf.String(), "[DEBUG] [memqueue] lease job j1")

	buf.Reset()
	logger.Info("start job %s", "j1")
	assert.Contains(t, buf.String(), "[INFO] [memqueue] start job j1")

	buf.Reset()
	logger.Warn("fail job %s", "j1")
	assert.Contains(t, buf.String(), "[WARN] [memqueue] fail job j1")

	buf.Reset()
	logger.Error("complete job %s", "j1")
	assert.Contains(t, buf.String(), "[ERROR] [memqueue] complete job j1")
}

func TestNamed_RespectsInnerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Named(NewCustomLogger(&buf, LogLevelError), "durable")

	logger.Warn("reclaim expired leases")
	assert.Empty(t, buf.String())

	logger.Error("complete job %s", "j1")
	assert.Contains(t, buf.String(), "[ERROR] [durable] complete job j1")
}

func TestPackageLevelDefaultLogger(t *testing.T) {
	orig := GetDefaultLogger()
	defer SetDefaultLogger(orig)

	var buf bytes.Buffer
	SetDefaultLogger(NewCustomLogger(&buf, LogLevelDebug))

	Info("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}
