package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"fprintd/internal/logging"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateVirtualDevices()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		return errors.New("paths.runtime_dir must be set")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if !moduleNamePattern.MatchString(c.Storage.Type) {
		return fmt.Errorf("storage.type %q must be \"file\" or a module name (lowercase letters, digits, '-' and '_')", c.Storage.Type)
	}
	switch c.Storage.Fallback {
	case "file", "abort":
	default:
		return fmt.Errorf("storage.fallback must be \"file\" or \"abort\", got %q", c.Storage.Fallback)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.IdleTimeout < 0 {
		return errors.New("daemon.idle_timeout must be zero (disabled) or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateVirtualDevices() error {
	seen := make(map[string]struct{}, len(c.VirtualDevices))
	sockets := make(map[string]struct{}, len(c.VirtualDevices))
	for i, dev := range c.VirtualDevices {
		if _, dup := seen[dev.ID]; dup {
			return fmt.Errorf("virtual_devices[%d].id %q is used twice", i, dev.ID)
		}
		seen[dev.ID] = struct{}{}
		if _, dup := sockets[dev.Socket]; dup {
			return fmt.Errorf("virtual_devices[%d].socket %q is used twice", i, dev.Socket)
		}
		sockets[dev.Socket] = struct{}{}
		if dev.EnrollStages < 1 || dev.EnrollStages > maxEnrollStages {
			return fmt.Errorf("virtual_devices[%d].enroll_stages must be between 1 and %d", i, maxEnrollStages)
		}
		switch dev.ScanType {
		case "press", "swipe":
		default:
			return fmt.Errorf("virtual_devices[%d].scan_type must be \"press\" or \"swipe\"", i)
		}
	}
	return nil
}
