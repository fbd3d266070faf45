// Package config handles daemon configuration file management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/austinkregel/codemd/internal/logging"
)

// Environment overrides applied after the file is read.
const (
	EnvListen   = "CODEMD_LISTEN"
	EnvLogLevel = logging.EnvLevel
)

// Config represents the daemon configuration
type Config struct {
	// Listen is the TCP address of the control server
	Listen string `yaml:"listen"`

	Events   EventsConfig   `yaml:"events"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Download DownloadConfig `yaml:"download"`
	Convert  ConvertConfig  `yaml:"convert"`
	Playback PlaybackConfig `yaml:"playback"`
	Library  LibraryConfig  `yaml:"library"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Notify   NotifyConfig   `yaml:"notify"`
	Media    MediaConfig    `yaml:"media"`
	Logging  logging.Config `yaml:"logging"`
}

// EventsConfig controls the optional WebSocket event feed
type EventsConfig struct {
	// WebSocketAddr is empty to disable the feed
	WebSocketAddr string `yaml:"websocket_addr"`
}

// JobsConfig controls the background job pool
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxQueued bounds the backlog of QUEUED jobs; 0 means unlimited
	MaxQueued int           `yaml:"max_queued"`
	Retention time.Duration `yaml:"retention"`
}

// DownloadConfig contains download-related settings
type DownloadConfig struct {
	Directory     string        `yaml:"directory"`
	AudioFormat   string        `yaml:"audio_format"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryCooldown time.Duration `yaml:"retry_cooldown"`
}

// ConvertConfig contains file conversion settings
type ConvertConfig struct {
	// Concurrency is the number of files converted in parallel within one job
	Concurrency int `yaml:"concurrency"`
}

// PlaybackConfig contains playback-related settings
type PlaybackConfig struct {
	// DefaultVolume 0-100
	DefaultVolume int           `yaml:"default_volume"`
	TickInterval  time.Duration `yaml:"tick_interval"`
}

// LibraryConfig lists directories used when load_playlist gets no paths
type LibraryConfig struct {
	Paths []string `yaml:"paths"`
}

// BehaviorConfig contains behavior-related settings
type BehaviorConfig struct {
	// RememberPlaylist persists playlist, index, loop mode and volume across restarts
	RememberPlaylist bool `yaml:"remember_playlist"`
}

// NotifyConfig controls desktop notifications
type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

// MediaConfig controls the OS media session bridge
type MediaConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	downloadDir := "~/Music/codemd"
	return &Config{
		Listen: "127.0.0.1:65432",
		Events: EventsConfig{
			WebSocketAddr: "127.0.0.1:65433",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			Retention:     10 * time.Minute,
		},
		Download: DownloadConfig{
			Directory:     downloadDir,
			AudioFormat:   "mp3",
			MaxRetries:    2,
			RetryCooldown: 2 * time.Second,
		},
		Convert: ConvertConfig{
			Concurrency: 4,
		},
		Playback: PlaybackConfig{
			DefaultVolume: 80,
			TickInterval:  250 * time.Millisecond,
		},
		Library: LibraryConfig{
			Paths: []string{},
		},
		Behavior: BehaviorConfig{
			RememberPlaylist: true,
		},
		Media: MediaConfig{
			Enabled: true,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Listen) == "" {
		problems = append(problems, "listen must not be empty")
	}
	if c.Jobs.MaxConcurrent < 1 {
		problems = append(problems, "jobs.max_concurrent must be at least 1")
	}
	if c.Jobs.MaxQueued < 0 {
		problems = append(problems, "jobs.max_queued must not be negative")
	}
	if c.Playback.DefaultVolume < 0 || c.Playback.DefaultVolume > 100 {
		problems = append(problems, "playback.default_volume must be between 0 and 100")
	}
	if c.Convert.Concurrency < 1 {
		problems = append(problems, "convert.concurrency must be at least 1")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// clone returns a deep copy so callers never share slices with the manager
func (c *Config) clone() *Config {
	out := *c
	out.Library.Paths = append([]string(nil), c.Library.Paths...)
	return &out
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.RWMutex
	configDir  string
	configPath string
	config     *Config
}

// DefaultDir returns ~/.config/codemd, or the platform equivalent
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "codemd")
	}
	return filepath.Join(os.TempDir(), "codemd")
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.yml"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, writing defaults when no file exists
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.mu.Lock()
		m.config = DefaultConfig()
		applyEnv(m.config)
		m.mu.Unlock()
		return m.save(DefaultConfig())
	}

	config, err := m.read()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// read parses the file on disk on top of the defaults
func (m *Manager) read() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Reload re-reads the file, keeping the previous configuration on error
func (m *Manager) Reload() (*Config, error) {
	config, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return config.clone(), nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	config := m.config.clone()
	m.mu.RUnlock()
	return m.save(config)
}

func (m *Manager) save(config *Config) error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

// Dir returns the config directory, which also holds state.json
func (m *Manager) Dir() string {
	return m.configDir
}

// Update validates, stores and saves a new configuration
func (m *Manager) Update(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = config.clone()
	m.mu.Unlock()
	return m.Save()
}

func applyEnv(c *Config) {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// ExpandPath expands a leading tilde to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
