package storage

import (
	"context"
	"errors"
	"log/slog"

	"fprintd/internal/config"
	"fprintd/internal/fault"
	"fprintd/internal/logging"
)

// Fallback policies for an unusable module.
const (
	FallbackFile  = "file"
	FallbackAbort = "abort"
)

// Selection describes which backend Select should bring up.
type Selection struct {
	Type      string
	Fallback  string
	PluginDir string
	Env       Env
}

// SelectionFromConfig maps the [storage] and [paths] sections.
func SelectionFromConfig(cfg *config.Config) Selection {
	return Selection{
		Type:      cfg.Storage.Type,
		Fallback:  cfg.Storage.Fallback,
		PluginDir: cfg.Paths.PluginDir,
		Env: Env{
			StateDir: cfg.Paths.StateDir,
			Settings: cfg.Storage.Settings,
		},
	}
}

// Open selects and initializes the configured backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	return Select(ctx, SelectionFromConfig(cfg), logger)
}

// Select resolves sel.Type to a backend and initializes it. A module that
// cannot be found, lacks entry points, or fails Init is discarded; the file
// backend takes its place unless sel.Fallback is FallbackAbort.
func Select(ctx context.Context, sel Selection, logger *slog.Logger) (Backend, error) {
	logger = logging.NewComponentLogger(logger, "storage")
	name := sel.Type
	if name == "" || name == FileName {
		return initFile(ctx, sel, logger)
	}

	backend, err := bindNamed(name, sel)
	if err == nil {
		err = backend.Init(ctx)
	}
	if err == nil {
		logger.Info("storage backend ready",
			logging.String("backend", backend.Name()),
			logging.String(logging.FieldEventType, "storage_ready"),
		)
		return backend, nil
	}

	if sel.Fallback == FallbackAbort {
		logging.ErrorWithContext(logger, "storage module unusable", "storage_module_failed",
			logging.String("backend", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the module or set storage.fallback = \"file\""),
			logging.String(logging.FieldImpact, "daemon will not start"),
		)
		return nil, err
	}
	logging.WarnWithContext(logger, "storage module unusable; falling back to file storage", "storage_fallback",
		logging.String("backend", name),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check plugin_dir and the module's exported entry points"),
		logging.String(logging.FieldImpact, "templates are read from and written to the file backend"),
	)
	return initFile(ctx, sel, logger)
}

func bindNamed(name string, sel Selection) (Backend, error) {
	module, ok := lookupRegistered(name)
	if !ok {
		loaded, err := LoadPlugin(sel.PluginDir, name)
		if err != nil {
			return nil, err
		}
		module = loaded
	}
	return Bind(module, sel.Env)
}

func initFile(ctx context.Context, sel Selection, logger *slog.Logger) (Backend, error) {
	backend := NewFileBackend(sel.Env.StateDir)
	if err := backend.Init(ctx); err != nil {
		if !errors.Is(err, fault.ErrBackendUnavailable) {
			err = fault.Wrap(fault.ErrBackendUnavailable, "storage", "init file backend", "", err)
		}
		return nil, err
	}
	logger.Info("storage backend ready",
		logging.String("backend", FileName),
		logging.String("state_dir", backend.Root()),
		logging.String(logging.FieldEventType, "storage_ready"),
	)
	return backend, nil
}
