package testsupport

import (
	"path/filepath"
	"testing"

	"fprintd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Hotplug monitoring and the idle exit are off; options turn them back on.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.PluginDir = filepath.Join(base, "modules")
	cfgVal.Daemon.Hotplug = false
	cfgVal.Daemon.IdleTimeout = 0
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStorage selects the storage backend and fallback policy.
func WithStorage(kind, fallback string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Storage.Type = kind
		b.cfg.Storage.Fallback = fallback
	}
}

// WithIdleTimeout sets the idle exit delay in seconds.
func WithIdleTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.IdleTimeout = seconds
	}
}

// WithVirtualDevice adds a virtual reader whose control socket lives in the
// test's runtime directory.
func WithVirtualDevice(id string, stages int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.VirtualDevices = append(b.cfg.VirtualDevices, config.VirtualDevice{
			ID:           id,
			Name:         "Test reader " + id,
			Socket:       filepath.Join(b.baseDir, "run", id+".sock"),
			EnrollStages: stages,
			ScanType:     "press",
			Identify:     true,
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
