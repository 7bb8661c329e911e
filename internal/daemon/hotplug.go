package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// hotplugMonitor listens for udev netlink remove events and reports readers
// whose sysfs path disappeared.
type hotplugMonitor struct {
	logger   *slog.Logger
	onRemove func(ctx context.Context, deviceID string) error
	devices  map[string]string // devpath -> device id

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newHotplugMonitor returns nil when no reader has a devpath to watch.
func newHotplugMonitor(infos []fplib.DeviceInfo, logger *slog.Logger, onRemove func(ctx context.Context, deviceID string) error) *hotplugMonitor {
	devices := make(map[string]string)
	for _, info := range infos {
		if path := normalizeDevPath(info.DevPath); path != "" {
			devices[path] = info.ID
		}
	}
	if len(devices) == 0 {
		return nil
	}
	return &hotplugMonitor{
		logger:   logging.NewComponentLogger(logger, "hotplug"),
		onRemove: onRemove,
		devices:  devices,
	}
}

// Start begins listening for udev netlink events.
func (m *hotplugMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; reader removal will go unnoticed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "operations on an unplugged reader fail only when the driver notices"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("hotplug monitor started",
		logging.String(logging.FieldEventType, "hotplug_monitor_started"),
		logging.Int("devices", len(m.devices)),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *hotplugMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("hotplug monitor stopped",
		logging.String(logging.FieldEventType, "hotplug_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *hotplugMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *hotplugMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "reader removal may go unnoticed"),
			)
		}
	}
}

// buildMatcher accepts every remove uevent; devpath filtering happens in
// handleEvent.
func (m *hotplugMonitor) buildMatcher() netlink.Matcher {
	action := "remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{Action: &action})
	return rules
}

func (m *hotplugMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	if uevent.Action != netlink.REMOVE {
		return
	}
	removed := normalizeDevPath(uevent.Env["DEVPATH"])
	if removed == "" {
		removed = normalizeDevPath(uevent.KObj)
	}
	if removed == "" {
		return
	}
	for _, id := range m.affected(removed) {
		m.logger.Info("fingerprint reader unplugged",
			logging.String(logging.FieldEventType, "reader_unplugged"),
			logging.String(logging.FieldDeviceID, id),
			logging.String("devpath", removed),
		)
		if m.onRemove == nil {
			continue
		}
		if err := m.onRemove(ctx, id); err != nil {
			m.logger.Warn("reader removal could not be applied",
				logging.Error(err),
				logging.String(logging.FieldDeviceID, id),
				logging.String(logging.FieldEventType, "reader_remove_failed"),
				logging.String(logging.FieldErrorHint, "restart the daemon after reconnecting the reader"),
				logging.String(logging.FieldImpact, "clients may keep waiting on the unplugged reader"),
			)
		}
	}
}

// affected returns the readers at removed or below it.
func (m *hotplugMonitor) affected(removed string) []string {
	var ids []string
	for path, id := range m.devices {
		if path == removed || strings.HasPrefix(path, removed+"/") {
			ids = append(ids, id)
		}
	}
	return ids
}

// normalizeDevPath strips the /sys mount point so configured paths and
// uevent DEVPATH values compare equal.
func normalizeDevPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/sys")
	return strings.TrimSuffix(path, "/")
}
