// Package logging provides component loggers backed by a single configurable logrus root.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "CODEMD_LOG_LEVEL"

var (
	root      = newRoot()
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	logFile   *os.File
)

func newRoot() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&TextFormatter{DisableColors: !isTerminal(os.Stderr)})
	if level, err := logrus.ParseLevel(os.Getenv(EnvLevel)); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// NewLogger returns the logger for a component. Entries are cached per
// component and share the root configuration.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}
	entry := root.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure applies cfg to every component logger.
func Configure(cfg Config) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	levelStr := "info"
	if env := os.Getenv(EnvLevel); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	root.SetLevel(level)
	root.SetReportCaller(cfg.ReportCaller)

	switch strings.ToLower(cfg.Format) {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		root.SetFormatter(&TextFormatter{DisableColors: !isTerminal(os.Stderr) || cfg.File != ""})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	writers := []io.Writer{os.Stderr}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if cfg.File != "" {
		path := expandPath(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = file
		writers = append(writers, file)
	}
	root.SetOutput(io.MultiWriter(writers...))
	return nil
}

// SetLevel changes the level at runtime. The environment override still wins.
func SetLevel(levelStr string) error {
	if os.Getenv(EnvLevel) != "" {
		return nil
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	root.SetLevel(level)
	return nil
}

// Level returns the active level.
func Level() logrus.Level {
	return root.GetLevel()
}

// SetOutput redirects all component loggers, mainly for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
