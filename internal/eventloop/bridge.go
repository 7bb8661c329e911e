package eventloop

import (
	"fmt"
	"log/slog"
	"sort"

	"fprintd/internal/fault"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// Bridge mirrors a device library's descriptor set and deadline into a Loop
// and routes readiness and expiry back into the library.
//
// After every call into the library the watch set is re-synchronized, since
// any call may open or close descriptors. A descriptor that cannot be
// watched stops the loop with fault.ErrWatchInstall: a device whose events
// are never serviced would hang every operation on it.
type Bridge struct {
	loop      *Loop
	lib       fplib.Library
	logger    *slog.Logger
	installed map[int]fplib.Events
	detached  bool
}

// NewBridge binds lib to loop. Call Sync on the dispatcher to install the
// initial watches.
func NewBridge(loop *Loop, lib fplib.Library, logger *slog.Logger) *Bridge {
	b := &Bridge{
		loop:      loop,
		lib:       lib,
		logger:    logging.NewComponentLogger(logger, "bridge"),
		installed: make(map[int]fplib.Events),
	}
	loop.SetInvalidWatchFunc(b.onInvalid)
	return b
}

// SyncWatches applies the difference between the installed watches and the
// library's current descriptor set, then re-arms the deadline.
func (b *Bridge) SyncWatches() error {
	if b.detached {
		return nil
	}
	wanted := make(map[int]fplib.Events)
	for _, pfd := range b.lib.PollFDs() {
		wanted[pfd.FD] |= pfd.Events
	}

	for fd := range b.installed {
		if _, keep := wanted[fd]; !keep {
			b.loop.RemoveWatch(fd)
			delete(b.installed, fd)
		}
	}

	fds := make([]int, 0, len(wanted))
	for fd := range wanted {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		events := wanted[fd]
		current, present := b.installed[fd]
		if present {
			if _, watched := b.loop.Watching(fd); !watched {
				delete(b.installed, fd)
				present = false
			}
		}
		switch {
		case !present:
			if err := b.loop.AddWatch(fd, events, b.onReady); err != nil {
				return fault.Wrap(fault.ErrWatchInstall, "bridge", "install watch", fmt.Sprintf("fd %d", fd), err)
			}
			b.installed[fd] = events
		case current != events:
			if err := b.loop.ModifyWatch(fd, events); err != nil {
				return fault.Wrap(fault.ErrWatchInstall, "bridge", "update watch", fmt.Sprintf("fd %d", fd), err)
			}
			b.installed[fd] = events
		}
	}

	if when, ok := b.lib.NextTimeout(); ok {
		b.loop.SetDeadline(when, b.onTimeout)
	} else {
		b.loop.ClearDeadline()
	}
	return nil
}

// Sync runs SyncWatches and stops the loop when it fails.
func (b *Bridge) Sync() {
	if err := b.SyncWatches(); err != nil {
		b.fail(err)
	}
}

func (b *Bridge) fail(err error) {
	logging.ErrorWithContext(b.logger, "device library descriptor could not be watched", "watch_install_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "the device library reported a closed or invalid descriptor"),
		logging.String(logging.FieldImpact, "daemon exits"),
	)
	b.loop.Stop(err)
}

// Detach removes every watch and the deadline; later syncs are no-ops.
func (b *Bridge) Detach() {
	for fd := range b.installed {
		b.loop.RemoveWatch(fd)
	}
	b.installed = make(map[int]fplib.Events)
	b.loop.ClearDeadline()
	b.detached = true
}

// Installed returns a copy of the installed watch set.
func (b *Bridge) Installed() map[int]fplib.Events {
	out := make(map[int]fplib.Events, len(b.installed))
	for fd, events := range b.installed {
		out[fd] = events
	}
	return out
}

// onInvalid runs when poll reports a watched descriptor as closed. Events on
// it are lost, so the loop stops.
func (b *Bridge) onInvalid(fd int) {
	if b.detached {
		return
	}
	delete(b.installed, fd)
	b.fail(fault.Wrap(fault.ErrWatchInstall, "bridge", "watch", fmt.Sprintf("fd %d closed while watched", fd), nil))
}

func (b *Bridge) onReady(fd int, revents fplib.Events) {
	if err := b.lib.HandleEvents(fd, revents); err != nil {
		b.logger.Debug("device library event handling failed",
			logging.Int("fd", fd),
			logging.Error(err),
		)
	}
	b.Sync()
}

func (b *Bridge) onTimeout() {
	if err := b.lib.HandleTimeout(); err != nil {
		b.logger.Debug("device library timeout handling failed", logging.Error(err))
	}
	b.Sync()
}
