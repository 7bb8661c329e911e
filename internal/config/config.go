package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir   string `toml:"state_dir"`
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
	PluginDir  string `toml:"plugin_dir"`
}

// Storage selects the template storage backend.
type Storage struct {
	// Type is "file", a built-in module such as "sqlite", or the name of a
	// plugin found in paths.plugin_dir.
	Type string `toml:"type"`
	// Fallback decides what happens when the selected module cannot be
	// used: "file" switches to the file backend, "abort" stops startup.
	Fallback string `toml:"fallback"`
	// Settings are passed verbatim to the module's Init.
	Settings map[string]string `toml:"settings"`
}

// Daemon contains lifecycle timing.
type Daemon struct {
	IdleTimeout    int  `toml:"idle_timeout"`
	Hotplug        bool `toml:"hotplug"`
	StopTimeout    int  `toml:"stop_timeout"`
	RequestTimeout int  `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// VirtualDevice describes one socket-driven reader exposed by the built-in
// virtual driver.
type VirtualDevice struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Socket       string `toml:"socket"`
	EnrollStages int    `toml:"enroll_stages"`
	ScanType     string `toml:"scan_type"`
	ScanDelayMS  int    `toml:"scan_delay_ms"`
	DevPath      string `toml:"devpath"`
	Identify     bool   `toml:"identify"`
}

// Config encapsulates all configuration values for fprintd.
//
// Configuration sections by subsystem:
//   - Paths: template state, runtime socket/lock, logs, storage plugins
//   - Storage: backend selection and fallback policy
//   - Daemon: idle exit, hotplug monitoring, shutdown and request timeouts
//   - Logging: log format, level, and retention
//   - VirtualDevices: readers served by the virtual driver
type Config struct {
	Paths          Paths           `toml:"paths"`
	Storage        Storage         `toml:"storage"`
	Daemon         Daemon          `toml:"daemon"`
	Logging        Logging         `toml:"logging"`
	VirtualDevices []VirtualDevice `toml:"virtual_devices"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultUserConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultUserConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fprintd.toml")
	if err != nil {
		return "", false, err
	}

	for _, candidate := range []string{defaultPath, defaultSystemConfigPath, projectPath} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true, nil
		}
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.RuntimeDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the RPC socket the daemon listens on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "fprintd.sock")
}

// LockPath returns the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "fprintd.lock")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "fprintd.pid")
}

// IdleTimeout returns how long the daemon may sit without sessions before it
// exits. Zero disables the idle exit.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Daemon.IdleTimeout) * time.Second
}

// StopTimeout bounds the time spent cancelling sessions on shutdown.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Daemon.StopTimeout) * time.Second
}

// RequestTimeout bounds one RPC request waiting on the dispatcher.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Daemon.RequestTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
