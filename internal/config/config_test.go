package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "codemd")
	m := NewManager(dir)

	require.NoError(t, m.Load())
	_, err := os.Stat(filepath.Join(dir, "config.yml"))
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, "127.0.0.1:65432", cfg.Listen)
	assert.Equal(t, 2, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.Retention)
	assert.True(t, cfg.Behavior.RememberPlaylist)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yml := `
listen: 127.0.0.1:7000
jobs:
  max_concurrent: 4
  retention: 30s
library:
  paths: [/srv/music]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0600))

	m := NewManager(dir)
	require.NoError(t, m.Load())
	cfg := m.Get()

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Jobs.Retention)
	assert.Equal(t, []string{"/srv/music"}, cfg.Library.Paths)
	// untouched sections keep their defaults
	assert.Equal(t, "mp3", cfg.Download.AudioFormat)
	assert.Equal(t, 80, cfg.Playback.DefaultVolume)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvListen, "127.0.0.1:9999")
	t.Setenv(EnvLogLevel, "debug")

	m := NewManager(t.TempDir())
	require.NoError(t, m.Load())
	cfg := m.Get()
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Jobs.MaxConcurrent = 0
	cfg.Playback.DefaultVolume = 150
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.max_concurrent")
	assert.Contains(t, err.Error(), "playback.default_volume")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestUpdateRejectsInvalid(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Load())

	bad := m.Get()
	bad.Listen = ""
	assert.Error(t, m.Update(bad))
	assert.Equal(t, "127.0.0.1:65432", m.Get().Listen)

	good := m.Get()
	good.Library.Paths = []string{"/music"}
	require.NoError(t, m.Update(good))

	reloaded := NewManager(m.Dir())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, []string{"/music"}, reloaded.Get().Library.Paths)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager(t.TempDir())
	cfg := m.Get()
	cfg.Library.Paths = append(cfg.Library.Paths, "/mutated")
	assert.Empty(t, m.Get().Library.Paths)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Load())

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(m, 20*time.Millisecond, func(c *Config) { reloaded <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	cfg := m.Get()
	cfg.Logging.Level = "debug"
	require.NoError(t, m.Update(cfg))

	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
