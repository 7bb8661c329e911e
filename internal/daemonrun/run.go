package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"fprintd/internal/config"
	"fprintd/internal/daemon"
	"fprintd/internal/fplib"
	"fprintd/internal/fplib/virtual"
	"fprintd/internal/ipc"
	"fprintd/internal/logging"
	"fprintd/internal/storage"
	_ "fprintd/internal/storage/sqlitestore"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// NoTimeout keeps the daemon running while no sessions exist.
	NoTimeout bool
}

// Run starts the fprintd daemon and blocks until it is signalled, asked to
// shut down over RPC, or exits on idle timeout.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.NoTimeout {
		cfg.Daemon.IdleTimeout = 0
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	// A second instance stops here, before it touches logs, storage or the
	// socket path.
	lock, err := daemon.AcquireLock(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer lock.Release() //nolint:errcheck

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, logging.RunLogName(runID))
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		LogFile:     logPath,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog() //nolint:errcheck
	logger = logger.With(logging.String("run_id", uuid.NewString()))

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update fprintd.log link: %v\n", err)
	}
	logging.PruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, logPath)

	store, err := storage.Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open template storage", logging.Error(err))
		return fmt.Errorf("open storage: %w", err)
	}

	lib, err := virtual.New(virtualConfigs(cfg), logger)
	if err != nil {
		_ = store.Deinit()
		return fmt.Errorf("open device library: %w", err)
	}

	d, err := daemon.New(cfg, lib, store, logger)
	if err != nil {
		_ = lib.Close()
		_ = store.Deinit()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("daemon close",
				logging.Error(err),
				logging.String(logging.FieldEventType, "daemon_close_failed"),
				logging.String(logging.FieldErrorHint, "inspect the storage backend and device library logs"),
				logging.String(logging.FieldImpact, "some resources may not have been released cleanly"),
			)
		}
	}()

	if err := d.UseLock(lock); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logStartup(logger, cfg, lib, store)

	select {
	case <-signalCtx.Done():
		logger.Info("fprintd shutting down",
			logging.String(logging.FieldEventType, "daemon_signal"))
	case <-d.Done():
		logger.Info("fprintd shutting down",
			logging.String(logging.FieldEventType, "daemon_exit"),
			logging.String("reason", d.ExitReason()))
	}
	d.Stop()
	if err := d.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped with error", logging.Error(err))
		return err
	}
	return nil
}

func virtualConfigs(cfg *config.Config) []virtual.Config {
	out := make([]virtual.Config, 0, len(cfg.VirtualDevices))
	for _, dev := range cfg.VirtualDevices {
		out = append(out, virtual.Config{
			ID:           dev.ID,
			Name:         dev.Name,
			Socket:       dev.Socket,
			EnrollStages: dev.EnrollStages,
			ScanType:     fplib.ScanType(dev.ScanType),
			ScanDelay:    time.Duration(dev.ScanDelayMS) * time.Millisecond,
			DevPath:      dev.DevPath,
			Identify:     dev.Identify,
		})
	}
	return out
}

func logStartup(logger *slog.Logger, cfg *config.Config, lib fplib.Library, store storage.Backend) {
	logger.Info("fprintd ready",
		logging.String(logging.FieldEventType, "daemon_ready"),
		logging.String("socket", cfg.SocketPath()),
		logging.String("backend", store.Name()),
		logging.Int("devices", len(lib.Devices())),
		logging.Duration("idle_timeout", cfg.IdleTimeout()),
		logging.Bool("hotplug", cfg.Daemon.Hotplug),
	)
	if len(lib.Devices()) == 0 {
		logging.WarnWithContext(logger, "no fingerprint readers available", "no_devices",
			logging.String(logging.FieldErrorHint, "add [[virtual_devices]] entries to the configuration"),
			logging.String(logging.FieldImpact, "claims will fail with DeviceUnavailable"),
		)
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "fprintd.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
