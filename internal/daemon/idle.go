package daemon

import (
	"context"
	"time"

	"fprintd/internal/logging"
)

// watchIdle requests a shutdown once no session has existed for timeout.
func (d *Daemon) watchIdle(ctx context.Context, timeout time.Duration) {
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.exit:
			return
		case <-ticker.C:
		}
		if !d.running.Load() {
			return
		}
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		activity, err := d.manager.Activity(checkCtx)
		cancel()
		if err != nil {
			d.logger.Debug("idle check skipped", logging.Error(err))
			continue
		}
		if activity.Sessions > 0 {
			continue
		}
		if idle := time.Since(activity.LastChange); idle >= timeout {
			d.logger.Info("no clients for the idle timeout; exiting",
				logging.String(logging.FieldEventType, "daemon_idle_exit"),
				logging.Duration("idle", idle.Round(time.Millisecond)),
			)
			d.finish(nil, "idle timeout")
			return
		}
	}
}
