// Package virtual implements a socket-driven fingerprint reader.
//
// Every configured reader listens on a unix socket while it is open. A test
// rig connects and writes line commands ("SCAN alice-thumb", "RETRY center",
// "ERROR", "UNPLUG"); the driver turns them into operation results after a
// configurable sensor delay. Templates are the bytes "FPV1:" followed by the
// scanned finger id, so verify and identify compare ids.
//
// Like any fplib.Library, the driver is single threaded: every method runs
// on the host loop goroutine and callbacks fire only from HandleEvents and
// HandleTimeout.
package virtual

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// Driver is the name reported in DeviceInfo.Driver.
const Driver = "virtual"

const templatePrefix = "FPV1:"

// Config describes one virtual reader.
type Config struct {
	ID           string
	Name         string
	Socket       string
	EnrollStages int
	ScanType     fplib.ScanType
	ScanDelay    time.Duration
	DevPath      string
	Identify     bool
}

// Template returns the template a completed enrollment of finger id yields.
func Template(id string) []byte {
	return []byte(templatePrefix + id)
}

func templateID(data []byte) (string, bool) {
	s := string(data)
	if !strings.HasPrefix(s, templatePrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, templatePrefix), true
}

// Library exposes the configured readers.
type Library struct {
	logger   *slog.Logger
	notifier *fplib.Notifier
	devices  []*device
	byID     map[string]*device
	now      func() time.Time
	closed   bool
}

// New creates the driver. Sockets are not created until a reader is opened.
func New(configs []Config, logger *slog.Logger) (*Library, error) {
	n, err := fplib.NewNotifier()
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}
	lib := &Library{
		logger:   logging.NewComponentLogger(logger, "virtual"),
		notifier: n,
		byID:     make(map[string]*device),
		now:      time.Now,
	}
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Socket == "" {
			_ = n.Close()
			return nil, fmt.Errorf("virtual device needs an id and a socket path")
		}
		if _, dup := lib.byID[cfg.ID]; dup {
			_ = n.Close()
			return nil, fmt.Errorf("duplicate virtual device %q", cfg.ID)
		}
		if cfg.EnrollStages <= 0 {
			cfg.EnrollStages = 5
		}
		if cfg.ScanType == "" {
			cfg.ScanType = fplib.ScanPress
		}
		d := &device{
			lib:      lib,
			cfg:      cfg,
			listener: -1,
			clients:  make(map[int]*client),
			logger:   lib.logger.With(logging.String(logging.FieldDeviceID, cfg.ID)),
		}
		lib.devices = append(lib.devices, d)
		lib.byID[cfg.ID] = d
	}
	return lib, nil
}

func (l *Library) Devices() []fplib.DeviceInfo {
	out := make([]fplib.DeviceInfo, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d.Info())
	}
	return out
}

func (l *Library) Open(id string) (fplib.Device, error) {
	if l.closed {
		return nil, fplib.ErrNotOpen
	}
	d, ok := l.byID[id]
	if !ok {
		return nil, fplib.ErrUnknownDevice
	}
	if d.gone {
		return nil, fplib.ErrDeviceGone
	}
	if d.open {
		return nil, fplib.ErrDeviceBusy
	}
	if err := d.listen(); err != nil {
		return nil, err
	}
	d.open = true
	d.logger.Debug("virtual reader opened", logging.String("socket", d.cfg.Socket))
	return d, nil
}

func (l *Library) PollFDs() []fplib.PollFD {
	if l.closed {
		return nil
	}
	fds := []fplib.PollFD{{FD: l.notifier.FD(), Events: fplib.EventRead}}
	for _, d := range l.devices {
		fds = append(fds, d.pollFDs()...)
	}
	return fds
}

func (l *Library) NextTimeout() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, d := range l.devices {
		if d.pending == nil {
			continue
		}
		if !found || d.pending.due.Before(earliest) {
			earliest = d.pending.due
			found = true
		}
	}
	return earliest, found
}

func (l *Library) HandleEvents(fd int, revents fplib.Events) error {
	if l.closed {
		return fplib.ErrNotOpen
	}
	if fd == l.notifier.FD() {
		l.notifier.Drain()
		return nil
	}
	for _, d := range l.devices {
		if d.owns(fd) {
			return d.handleEvents(fd, revents)
		}
	}
	return fmt.Errorf("fd %d is not a virtual driver descriptor", fd)
}

func (l *Library) HandleTimeout() error {
	now := l.now()
	for _, d := range l.devices {
		if d.pending != nil && !d.pending.due.After(now) {
			d.fire()
		}
	}
	return nil
}

func (l *Library) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for _, d := range l.devices {
		if d.open {
			_ = d.Close()
		}
	}
	return l.notifier.Close()
}
