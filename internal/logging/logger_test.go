package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerCachesComponent(t *testing.T) {
	a := NewLogger("ipc")
	b := NewLogger("ipc")
	assert.Same(t, a, b)
	assert.Equal(t, "ipc", a.Data["component"])
}

func TestTextFormatter(t *testing.T) {
	f := &TextFormatter{DisableTimestamp: true, DisableColors: true}
	out, err := f.Format(&logrus.Entry{
		Level:   logrus.WarnLevel,
		Message: "queue full",
		Data:    logrus.Fields{"component": "jobs", "b": 2, "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "[WARN] [jobs] queue full a=1 b=2\n", string(out))
}

func TestConfigureFileSinkAndLevel(t *testing.T) {
	t.Setenv(EnvLevel, "")
	path := filepath.Join(t.TempDir(), "logs", "codemd.log")

	require.NoError(t, Configure(Config{Level: "debug", Format: "json", File: path}))
	t.Cleanup(func() { _ = Configure(Config{}) })
	assert.Equal(t, logrus.DebugLevel, Level())

	var buf bytes.Buffer
	SetOutput(&buf)
	NewLogger("test-sink").Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestConfigureRejectsBadInput(t *testing.T) {
	t.Setenv(EnvLevel, "")
	t.Cleanup(func() { _ = Configure(Config{}) })

	assert.Error(t, Configure(Config{Level: "loud"}))
	assert.Error(t, Configure(Config{Format: "xml"}))
}

func TestSetLevelRespectsEnv(t *testing.T) {
	previous := Level()
	t.Cleanup(func() { root.SetLevel(previous) })

	root.SetLevel(logrus.WarnLevel)
	t.Setenv(EnvLevel, "error")
	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, Level())

	t.Setenv(EnvLevel, "")
	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, Level())
	assert.Error(t, SetLevel("chatty"))
}
