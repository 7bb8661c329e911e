package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fprintd/internal/config"
)

func TestLoadDefaultsWhenConfigMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FPRINTD_STATE_DIR", "")
	t.Setenv("FPRINTD_RUNTIME_DIR", "")
	t.Chdir(t.TempDir())

	cfg, path, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatalf("expected no config file, got %s", path)
	}
	if cfg.Paths.StateDir != "/var/lib/fprint" {
		t.Fatalf("unexpected state dir %q", cfg.Paths.StateDir)
	}
	if cfg.Storage.Type != "file" || cfg.Storage.Fallback != "file" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.IdleTimeout().Seconds() != 30 {
		t.Fatalf("unexpected idle timeout %s", cfg.IdleTimeout())
	}
	if cfg.SocketPath() != "/run/fprintd/fprintd.sock" {
		t.Fatalf("unexpected socket path %q", cfg.SocketPath())
	}
}

func TestLoadCustomFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FPRINTD_STATE_DIR", "")
	t.Setenv("FPRINTD_RUNTIME_DIR", "")

	configPath := filepath.Join(home, "fprintd.toml")
	content := `
[paths]
state_dir = "~/prints"
runtime_dir = "~/run"

[storage]
type = "SQLite"
fallback = "abort"

[storage.settings]
path = " /tmp/templates.db "

[daemon]
idle_timeout = 0

[[virtual_devices]]
id = "bench"
enroll_stages = 3
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected %s to be loaded, got %s (exists=%v)", configPath, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(home, "prints") {
		t.Fatalf("state dir not expanded: %q", cfg.Paths.StateDir)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.Fallback != "abort" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Storage.Settings["path"] != "/tmp/templates.db" {
		t.Fatalf("settings not trimmed: %q", cfg.Storage.Settings["path"])
	}
	if cfg.IdleTimeout() != 0 {
		t.Fatalf("expected idle timeout disabled, got %s", cfg.IdleTimeout())
	}
	if len(cfg.VirtualDevices) != 1 {
		t.Fatalf("expected one virtual device, got %d", len(cfg.VirtualDevices))
	}
	dev := cfg.VirtualDevices[0]
	if dev.Socket != filepath.Join(home, "run", "bench.sock") {
		t.Fatalf("unexpected default socket %q", dev.Socket)
	}
	if dev.EnrollStages != 3 || dev.ScanType != "press" {
		t.Fatalf("unexpected device %+v", dev)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"fallback":      "[storage]\nfallback = \"maybe\"\n",
		"module name":   "[storage]\ntype = \"../evil\"\n",
		"idle timeout":  "[daemon]\nidle_timeout = -1\n",
		"stages":        "[[virtual_devices]]\nid = \"a\"\nenroll_stages = 40\n",
		"duplicate ids": "[[virtual_devices]]\nid = \"a\"\nsocket = \"/tmp/a.sock\"\n[[virtual_devices]]\nid = \"a\"\nsocket = \"/tmp/b.sock\"\n",
		"unknown key":   "[storage]\nsqlite_path = \"/tmp/x\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestEnvironmentOverridesStateDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Setenv("FPRINTD_STATE_DIR", dir)
	t.Setenv("FPRINTD_RUNTIME_DIR", "")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.StateDir != dir {
		t.Fatalf("expected state dir %q, got %q", dir, cfg.Paths.StateDir)
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FPRINTD_STATE_DIR", "")
	t.Setenv("FPRINTD_RUNTIME_DIR", "")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[storage]") {
		t.Fatalf("sample missing storage section")
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if !exists || len(cfg.VirtualDevices) != 1 {
		t.Fatalf("unexpected sample config %+v", cfg.VirtualDevices)
	}
}
