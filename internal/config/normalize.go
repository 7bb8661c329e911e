package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStorage()
	c.normalizeDaemon()
	c.normalizeLogging()
	return c.normalizeVirtualDevices()
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("FPRINTD_STATE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.StateDir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("FPRINTD_RUNTIME_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.RuntimeDir = strings.TrimSpace(value)
	}
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.PluginDir) == "" {
		c.Paths.PluginDir = defaultPluginDir
	}
	if c.Paths.PluginDir, err = expandPath(c.Paths.PluginDir); err != nil {
		return fmt.Errorf("paths.plugin_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStorage() {
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	if c.Storage.Type == "" {
		c.Storage.Type = defaultStorageType
	}
	c.Storage.Fallback = strings.ToLower(strings.TrimSpace(c.Storage.Fallback))
	if c.Storage.Fallback == "" {
		c.Storage.Fallback = defaultStorageFallback
	}
	if len(c.Storage.Settings) > 0 {
		trimmed := make(map[string]string, len(c.Storage.Settings))
		for key, value := range c.Storage.Settings {
			trimmed[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		c.Storage.Settings = trimmed
	}
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.StopTimeout <= 0 {
		c.Daemon.StopTimeout = defaultStopTimeout
	}
	if c.Daemon.RequestTimeout <= 0 {
		c.Daemon.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeVirtualDevices() error {
	for i := range c.VirtualDevices {
		dev := &c.VirtualDevices[i]
		dev.ID = strings.TrimSpace(dev.ID)
		if dev.ID == "" {
			dev.ID = fmt.Sprintf("virtual-%d", i)
		}
		dev.Name = strings.TrimSpace(dev.Name)
		if dev.Name == "" {
			dev.Name = "Virtual fingerprint reader"
		}
		if strings.TrimSpace(dev.Socket) == "" {
			dev.Socket = filepath.Join(c.Paths.RuntimeDir, dev.ID+".sock")
		}
		var err error
		if dev.Socket, err = expandPath(dev.Socket); err != nil {
			return fmt.Errorf("virtual_devices[%d].socket: %w", i, err)
		}
		if dev.EnrollStages == 0 {
			dev.EnrollStages = defaultEnrollStages
		}
		dev.ScanType = strings.ToLower(strings.TrimSpace(dev.ScanType))
		if dev.ScanType == "" {
			dev.ScanType = defaultScanType
		}
		if dev.ScanDelayMS < 0 {
			dev.ScanDelayMS = 0
		}
		dev.DevPath = strings.TrimSpace(dev.DevPath)
	}
	return nil
}
