package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fprintd/internal/config"
	"fprintd/internal/eventloop"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
	"fprintd/internal/session"
	"fprintd/internal/storage"
)

// Daemon owns the host loop, the device library bridge and the session
// manager, and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	lib     fplib.Library
	store   storage.Backend
	loop    *eventloop.Loop
	bridge  *eventloop.Bridge
	manager *session.Manager
	hotplug *hotplugMonitor

	lockPath string
	lock     *InstanceLock

	mu        sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	startedAt time.Time

	exit     chan struct{}
	exitOnce sync.Once
	exitErr  error
	reason   string
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	StartedAt    time.Time
	LockFilePath string
	Backend      string
	Devices      []session.DeviceState
	Sessions     int
	LastActivity time.Time
	IdleTimeout  time.Duration
	Hotplug      bool
}

// New constructs a daemon around an opened device library and an
// initialized storage backend. The daemon takes ownership of both.
func New(cfg *config.Config, lib fplib.Library, store storage.Backend, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || lib == nil || store == nil {
		return nil, errors.New("daemon requires config, device library, and storage backend")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	loop, err := eventloop.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	bridge := eventloop.NewBridge(loop, lib, logger)
	manager := session.New(lib, store, loop, bridge, logger, session.Options{
		StorageTimeout: cfg.RequestTimeout(),
	})

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lib:      lib,
		store:    store,
		loop:     loop,
		bridge:   bridge,
		manager:  manager,
		lockPath: cfg.LockPath(),
		exit:     make(chan struct{}),
	}
	if cfg.Daemon.Hotplug {
		d.hotplug = newHotplugMonitor(manager.ListDevices(), logger, manager.DeviceRemoved)
	}
	return d, nil
}

// UseLock hands an already acquired instance lock to the daemon, which then
// releases it on Stop or Close. Call it before Start.
func (d *Daemon) UseLock(lock *InstanceLock) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopDone != nil || d.lock != nil {
		return errors.New("daemon lock already set")
	}
	d.lock = lock
	d.lockPath = lock.Path()
	return nil
}

// Start acquires the daemon lock unless UseLock provided it, runs the host
// loop and installs the device library's watches.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.loopDone != nil {
		return errors.New("daemon cannot be restarted")
	}

	if d.lock == nil {
		lock, err := AcquireLock(d.lockPath)
		if err != nil {
			return err
		}
		d.lock = lock
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.loopDone = make(chan struct{})
	go d.runLoop(loopCtx)

	if err := d.loop.Call(ctx, d.bridge.SyncWatches); err != nil {
		cancel()
		<-d.loopDone
		_ = d.lock.Release()
		return fmt.Errorf("install device watches: %w", err)
	}

	if err := d.hotplug.Start(ctx); err != nil {
		d.logger.Debug("hotplug monitor not started", logging.Error(err))
	}
	if timeout := d.cfg.IdleTimeout(); timeout > 0 {
		go d.watchIdle(ctx, timeout)
	}

	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("fprintd daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("backend", d.store.Name()),
		logging.Int("devices", len(d.manager.ListDevices())),
		logging.Duration("idle_timeout", d.cfg.IdleTimeout()),
	)
	return nil
}

func (d *Daemon) runLoop(ctx context.Context) {
	defer close(d.loopDone)
	if err := d.loop.Run(ctx); err != nil {
		logging.ErrorWithContext(d.logger, "event loop stopped", "event_loop_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the device library logs"),
		)
		d.finish(err, "event loop failure")
		return
	}
	d.finish(nil, "event loop stopped")
}

// Stop releases every session, stops the loop and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.hotplug.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout())
	defer cancel()
	if err := d.manager.Shutdown(ctx); err != nil && !errors.Is(err, eventloop.ErrStopped) {
		logging.WarnWithContext(d.logger, "sessions not released cleanly", "daemon_shutdown_incomplete",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "a reader did not acknowledge cancellation in time"),
			logging.String(logging.FieldImpact, "readers are closed without a final stop"),
		)
	}
	_ = d.loop.Call(ctx, func() error {
		d.bridge.Detach()
		return nil
	})

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	<-d.loopDone
	if err := d.lock.Release(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if the next start fails"),
			logging.String(logging.FieldImpact, "a stale lock may remain"),
		)
	}
	d.running.Store(false)
	d.logger.Info("fprintd daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the storage backend, the device
// library and the loop.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	d.mu.Lock()
	if err := d.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	d.mu.Unlock()
	if err := d.store.Deinit(); err != nil {
		errs = append(errs, fmt.Errorf("deinit storage: %w", err))
	}
	if err := d.lib.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device library: %w", err))
	}
	if err := d.loop.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event loop: %w", err))
	}
	return errors.Join(errs...)
}

// Done is closed when the daemon wants the process to exit: a shutdown was
// requested, the idle timeout expired, or the loop failed.
func (d *Daemon) Done() <-chan struct{} { return d.exit }

// Err returns the fatal loop error once Done is closed, or nil.
func (d *Daemon) Err() error {
	select {
	case <-d.exit:
		return d.exitErr
	default:
		return nil
	}
}

// ExitReason describes why Done was closed.
func (d *Daemon) ExitReason() string {
	select {
	case <-d.exit:
		return d.reason
	default:
		return ""
	}
}

// RequestShutdown asks the process to exit.
func (d *Daemon) RequestShutdown(reason string) {
	d.logger.Info("shutdown requested",
		logging.String(logging.FieldEventType, "shutdown_requested"),
		logging.String("reason", reason),
	)
	d.finish(nil, reason)
}

func (d *Daemon) finish(err error, reason string) {
	d.exitOnce.Do(func() {
		d.exitErr = err
		d.reason = reason
		close(d.exit)
	})
}

// Manager returns the session manager.
func (d *Daemon) Manager() *session.Manager { return d.manager }

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config { return d.cfg }

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		LockFilePath: d.lockPath,
		Backend:      d.store.Name(),
		IdleTimeout:  d.cfg.IdleTimeout(),
		Hotplug:      d.hotplug.Running(),
	}
	if !status.Running {
		return status
	}
	if states, err := d.manager.DeviceStates(ctx); err == nil {
		status.Devices = states
	}
	if activity, err := d.manager.Activity(ctx); err == nil {
		status.Sessions = activity.Sessions
		status.LastActivity = activity.LastChange
	}
	return status
}
