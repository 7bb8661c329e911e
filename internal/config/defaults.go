package config

const (
	defaultUserConfigPath   = "~/.config/fprintd/config.toml"
	defaultSystemConfigPath = "/etc/fprintd.toml"
	defaultStateDir         = "/var/lib/fprint"
	defaultRuntimeDir       = "/run/fprintd"
	defaultLogDir           = "/var/log/fprintd"
	defaultPluginDir        = "/usr/lib/fprintd/modules"
	defaultStorageType      = "file"
	defaultStorageFallback  = "file"
	defaultIdleTimeout      = 30
	defaultStopTimeout      = 10
	defaultRequestTimeout   = 30
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 14
	defaultEnrollStages     = 5
	defaultScanType         = "press"
	defaultScanDelayMS      = 50
	maxEnrollStages         = 20
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:   defaultStateDir,
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
			PluginDir:  defaultPluginDir,
		},
		Storage: Storage{
			Type:     defaultStorageType,
			Fallback: defaultStorageFallback,
		},
		Daemon: Daemon{
			IdleTimeout:    defaultIdleTimeout,
			Hotplug:        true,
			StopTimeout:    defaultStopTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
