package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fprintd/internal/fault"
	"fprintd/internal/finger"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
	"fprintd/internal/storage"
)

// Dispatcher marshals work onto the event loop goroutine.
type Dispatcher interface {
	Call(ctx context.Context, fn func() error) error
	Await(ctx context.Context, fn func(done func(error))) error
	Defer(fn func())
}

// WatchSyncer re-reads the device library's descriptor set. The manager
// calls it after every call into the library.
type WatchSyncer interface {
	Sync()
}

// SessionInfo describes a claim.
type SessionInfo struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Device    fplib.DeviceInfo `json:"device"`
	ClaimedAt time.Time        `json:"claimed_at"`
}

// DeviceState is a registry snapshot row.
type DeviceState struct {
	Info      fplib.DeviceInfo `json:"info"`
	Removed   bool             `json:"removed"`
	SessionID string           `json:"session_id,omitempty"`
	Owner     string           `json:"owner,omitempty"`
	Operation string           `json:"operation,omitempty"`
	Phase     string           `json:"phase"`
}

// Activity summarizes claims for idle tracking.
type Activity struct {
	Sessions   int
	LastChange time.Time
}

// Options tunes a Manager.
type Options struct {
	// StorageTimeout bounds each backend call made on the dispatcher.
	StorageTimeout time.Duration
}

const defaultStorageTimeout = 10 * time.Second

type deviceEntry struct {
	info    fplib.DeviceInfo
	removed bool
	session *session
}

type session struct {
	id             string
	owner          string
	conn           string
	entry          *deviceEntry
	dev            fplib.Device
	hub            *StatusHub
	op             *operation
	releasing      bool
	releaseWaiters []func(error)
	claimedAt      time.Time
	logger         *slog.Logger
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, Owner: s.owner, Device: s.entry.info, ClaimedAt: s.claimedAt}
}

// Manager is the device registry and session manager.
type Manager struct {
	lib            fplib.Library
	store          storage.Backend
	loop           Dispatcher
	watches        WatchSyncer
	logger         *slog.Logger
	ctx            context.Context
	storageTimeout time.Duration

	infos      []fplib.DeviceInfo
	devices    []*deviceEntry
	byID       map[string]*deviceEntry
	sessions   map[string]*session
	nextGen    uint64
	lastChange time.Time
}

// New builds a manager over the devices lib enumerates now. It must be
// called before the event loop starts running.
func New(lib fplib.Library, store storage.Backend, loop Dispatcher, watches WatchSyncer, logger *slog.Logger, opts Options) *Manager {
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = defaultStorageTimeout
	}
	m := &Manager{
		lib:            lib,
		store:          store,
		loop:           loop,
		watches:        watches,
		logger:         logging.NewComponentLogger(logger, "session"),
		ctx:            context.Background(),
		storageTimeout: opts.StorageTimeout,
		byID:           make(map[string]*deviceEntry),
		sessions:       make(map[string]*session),
		lastChange:     time.Now(),
	}
	for _, info := range lib.Devices() {
		if _, dup := m.byID[info.ID]; dup {
			logging.WarnWithContext(m.logger, "duplicate device id ignored", "device_duplicate",
				logging.String(logging.FieldDeviceID, info.ID),
				logging.String(logging.FieldErrorHint, "give every reader a unique id"),
				logging.String(logging.FieldImpact, "the second reader is not usable"),
			)
			continue
		}
		entry := &deviceEntry{info: info}
		m.devices = append(m.devices, entry)
		m.byID[info.ID] = entry
		m.infos = append(m.infos, info)
	}
	return m
}

// ListDevices returns every enumerated reader in enumeration order.
func (m *Manager) ListDevices() []fplib.DeviceInfo {
	out := make([]fplib.DeviceInfo, len(m.infos))
	copy(out, m.infos)
	return out
}

// DefaultDevice returns the first reader that has not been removed.
func (m *Manager) DefaultDevice(ctx context.Context) (fplib.DeviceInfo, error) {
	var info fplib.DeviceInfo
	err := m.loop.Call(ctx, func() error {
		entry := m.defaultEntry()
		if entry == nil {
			return fault.Wrap(fault.ErrDeviceUnavailable, "session", "default device", "no fingerprint readers available", nil)
		}
		info = entry.info
		return nil
	})
	return info, err
}

// DeviceStates snapshots the registry.
func (m *Manager) DeviceStates(ctx context.Context) ([]DeviceState, error) {
	var states []DeviceState
	err := m.loop.Call(ctx, func() error {
		states = make([]DeviceState, 0, len(m.devices))
		for _, entry := range m.devices {
			state := DeviceState{Info: entry.info, Removed: entry.removed, Phase: PhaseIdle.String()}
			if s := entry.session; s != nil {
				state.SessionID = s.id
				state.Owner = s.owner
				if s.op != nil {
					state.Operation = s.op.kind.String()
					state.Phase = s.op.phase.String()
				}
			}
			states = append(states, state)
		}
		return nil
	})
	return states, err
}

// Activity reports the number of live sessions and when claims or
// operations last changed.
func (m *Manager) Activity(ctx context.Context) (Activity, error) {
	var activity Activity
	err := m.loop.Call(ctx, func() error {
		activity = Activity{Sessions: len(m.sessions), LastChange: m.lastChange}
		return nil
	})
	return activity, err
}

// Claim opens deviceID exclusively for owner on behalf of connection conn.
// An empty deviceID selects the default device.
func (m *Manager) Claim(ctx context.Context, deviceID, owner, conn string) (SessionInfo, error) {
	var info SessionInfo
	err := m.loop.Call(ctx, func() error {
		s, err := m.claim(deviceID, owner, conn)
		if err != nil {
			return err
		}
		info = s.info()
		return nil
	})
	return info, err
}

// Release cancels any operation, waits for the device to acknowledge, and
// closes the session.
func (m *Manager) Release(ctx context.Context, sessionID, conn string) error {
	return m.loop.Await(ctx, func(done func(error)) {
		s, err := m.lookup(sessionID, conn)
		if err != nil {
			done(err)
			return
		}
		m.release(s, done)
	})
}

// Start begins an operation. fingerName is required for enroll and verify
// and ignored for identify. It returns the status sequence to wait from.
func (m *Manager) Start(ctx context.Context, sessionID, conn string, kind fplib.Kind, fingerName string) (uint64, error) {
	var since uint64
	err := m.loop.Call(ctx, func() error {
		s, err := m.lookup(sessionID, conn)
		if err != nil {
			return err
		}
		since = s.hub.Sequence()
		return m.start(ctx, s, kind, fingerName)
	})
	return since, err
}

// Stop cancels the session's operation and returns once the device has
// acknowledged. kind may be zero to stop whatever runs.
func (m *Manager) Stop(ctx context.Context, sessionID, conn string, kind fplib.Kind) error {
	return m.loop.Await(ctx, func(done func(error)) {
		s, err := m.lookup(sessionID, conn)
		if err != nil {
			done(err)
			return
		}
		m.stopOperation(s, kind, done)
	})
}

// WaitStatus returns statuses published after since. With wait set it
// blocks until one arrives, the session is released, or ctx ends.
func (m *Manager) WaitStatus(ctx context.Context, sessionID, conn string, since uint64, limit int, wait bool) ([]Status, uint64, error) {
	var hub *StatusHub
	if err := m.loop.Call(ctx, func() error {
		s, err := m.lookup(sessionID, conn)
		if err != nil {
			return err
		}
		hub = s.hub
		return nil
	}); err != nil {
		return nil, since, err
	}
	statuses, next, err := hub.Fetch(ctx, since, limit, wait)
	if errors.Is(err, errHubClosed) {
		return nil, next, fault.Wrap(fault.ErrClaimRequired, "session", "wait status", "session released", nil)
	}
	return statuses, next, err
}

// ListEnrolled returns the fingers stored for owner.
func (m *Manager) ListEnrolled(ctx context.Context, owner string) ([]finger.Finger, error) {
	if owner == "" {
		return nil, fault.Wrap(fault.ErrInvalidArgument, "session", "list enrolled", "empty owner", nil)
	}
	return m.store.Discover(ctx, owner)
}

// DeleteEnrolled removes the session owner's template for fingerName, or
// every template when fingerName is empty. Deleting a template that is
// already gone succeeds.
func (m *Manager) DeleteEnrolled(ctx context.Context, sessionID, conn, fingerName string) ([]finger.Finger, error) {
	var deleted []finger.Finger
	err := m.loop.Call(ctx, func() error {
		s, err := m.lookup(sessionID, conn)
		if err != nil {
			return err
		}
		if s.op != nil && s.op.phase != PhaseCompleted {
			return fault.Wrap(fault.ErrOperationInProgress, "session", "delete enrolled", s.op.kind.String()+" in progress", nil)
		}
		var targets []finger.Finger
		if fingerName == "" {
			if targets, err = m.store.Discover(ctx, s.owner); err != nil {
				return err
			}
		} else {
			f, ok := finger.Parse(fingerName)
			if !ok {
				return fault.Wrap(fault.ErrInvalidFinger, "session", "delete enrolled", fingerName, nil)
			}
			targets = []finger.Finger{f}
		}
		for _, f := range targets {
			err := m.store.Delete(ctx, s.owner, f)
			switch {
			case err == nil:
				deleted = append(deleted, f)
			case errors.Is(err, fault.ErrNotFound):
				s.logger.Debug("template already absent", logging.String(logging.FieldFinger, string(f)))
			default:
				return err
			}
		}
		if len(deleted) > 0 {
			s.logger.Info("templates deleted",
				logging.Int("count", len(deleted)),
				logging.String(logging.FieldEventType, "templates_deleted"),
			)
		}
		return nil
	})
	return deleted, err
}

// ConnectionClosed releases every session held by conn and waits for the
// releases to complete.
func (m *Manager) ConnectionClosed(ctx context.Context, conn string) error {
	return m.loop.Await(ctx, func(done func(error)) {
		var owned []*session
		for _, s := range m.sessions {
			if s.conn == conn {
				owned = append(owned, s)
			}
		}
		if len(owned) > 0 {
			m.logger.Info("client disconnected; releasing its sessions",
				logging.String(logging.FieldConnectionID, conn),
				logging.Int("sessions", len(owned)),
			)
		}
		m.releaseAll(owned, done)
	})
}

// DeviceRemoved marks a reader as gone. A running operation on it ends with
// a failed-error status; the session stays until released.
func (m *Manager) DeviceRemoved(ctx context.Context, deviceID string) error {
	return m.loop.Call(ctx, func() error {
		entry, ok := m.byID[deviceID]
		if !ok {
			return fault.Wrap(fault.ErrInvalidArgument, "session", "device removed", "unknown device "+deviceID, nil)
		}
		if entry.removed {
			return nil
		}
		entry.removed = true
		logging.WarnWithContext(m.logger, "fingerprint reader removed", "device_removed",
			logging.String(logging.FieldDeviceID, deviceID),
			logging.String(logging.FieldErrorHint, "reconnect the reader and restart the daemon"),
			logging.String(logging.FieldImpact, "the reader cannot be claimed"),
		)
		if s := entry.session; s != nil && s.op != nil {
			switch s.op.phase {
			case PhaseStarting, PhaseRunning:
				m.finish(s, s.op, Status{Code: CodeError, Detail: DetailDisconnected})
			}
		}
		return nil
	})
}

// Shutdown releases every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.loop.Await(ctx, func(done func(error)) {
		owned := make([]*session, 0, len(m.sessions))
		for _, s := range m.sessions {
			owned = append(owned, s)
		}
		m.releaseAll(owned, done)
	})
}

func (m *Manager) defaultEntry() *deviceEntry {
	for _, entry := range m.devices {
		if !entry.removed {
			return entry
		}
	}
	return nil
}

func (m *Manager) claim(deviceID, owner, conn string) (*session, error) {
	if owner == "" {
		return nil, fault.Wrap(fault.ErrInvalidArgument, "session", "claim", "empty owner", nil)
	}
	if conn == "" {
		return nil, fault.Wrap(fault.ErrInvalidArgument, "session", "claim", "empty connection", nil)
	}
	var entry *deviceEntry
	if deviceID == "" {
		entry = m.defaultEntry()
		if entry == nil {
			return nil, fault.Wrap(fault.ErrDeviceUnavailable, "session", "claim", "no fingerprint readers available", nil)
		}
	} else {
		var ok bool
		if entry, ok = m.byID[deviceID]; !ok {
			return nil, fault.Wrap(fault.ErrDeviceUnavailable, "session", "claim", "unknown device "+deviceID, nil)
		}
	}
	if entry.session != nil {
		return nil, fault.Wrap(fault.ErrAlreadyClaimed, "session", "claim", entry.info.ID, nil)
	}
	if entry.removed {
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, "session", "claim", entry.info.ID+" was removed", nil)
	}

	dev, err := m.lib.Open(entry.info.ID)
	m.watches.Sync()
	if err != nil {
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, "session", "open device", entry.info.ID, err)
	}

	id := uuid.NewString()
	s := &session{
		id:        id,
		owner:     owner,
		conn:      conn,
		entry:     entry,
		dev:       dev,
		hub:       NewStatusHub(0),
		claimedAt: time.Now().UTC(),
		logger: m.logger.With(
			logging.String(logging.FieldSessionID, id),
			logging.String(logging.FieldDeviceID, entry.info.ID),
			logging.String(logging.FieldOwner, owner),
		),
	}
	entry.session = s
	m.sessions[id] = s
	m.touch()
	s.logger.Info("device claimed",
		logging.String(logging.FieldConnectionID, conn),
		logging.String(logging.FieldEventType, "device_claimed"),
	)
	return s, nil
}

func (m *Manager) lookup(sessionID, conn string) (*session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.Wrap(fault.ErrClaimRequired, "session", "", "no claim with id "+sessionID, nil)
	}
	if s.conn != conn {
		return nil, fault.Wrap(fault.ErrClaimRequired, "session", "", "session belongs to another connection", nil)
	}
	if s.releasing {
		return nil, fault.Wrap(fault.ErrClaimRequired, "session", "", "session is being released", nil)
	}
	return s, nil
}

func (m *Manager) start(ctx context.Context, s *session, kind fplib.Kind, fingerName string) error {
	if s.entry.removed {
		return fault.Wrap(fault.ErrDeviceUnavailable, "session", "start", s.entry.info.ID+" was removed", nil)
	}
	if s.op != nil {
		return fault.Wrap(fault.ErrOperationInProgress, "session", "start",
			fmt.Sprintf("%s is %s", s.op.kind, s.op.phase), nil)
	}
	if !s.entry.info.Capabilities.Supports(kind) {
		return fault.Wrap(fault.ErrNotSupported, "session", "start", fmt.Sprintf("%s on %s", kind, s.entry.info.ID), nil)
	}

	op := &operation{kind: kind, phase: PhaseStarting, stages: s.entry.info.Capabilities.EnrollStages}
	params := fplib.StartParams{Kind: kind}
	storeCtx, cancel := context.WithTimeout(ctx, m.storageTimeout)
	defer cancel()

	switch kind {
	case fplib.KindEnroll, fplib.KindVerify:
		f, ok := finger.Parse(fingerName)
		if !ok {
			return fault.Wrap(fault.ErrInvalidFinger, "session", "start", fmt.Sprintf("%q", fingerName), nil)
		}
		op.finger = f
		if kind == fplib.KindVerify {
			reference, err := m.store.Load(storeCtx, s.owner, f)
			switch {
			case err == nil:
				params.Reference = reference
			case errors.Is(err, fault.ErrNotFound):
				s.logger.Debug("no stored template; verify will not match", logging.String(logging.FieldFinger, string(f)))
			default:
				return err
			}
		}
	case fplib.KindIdentify:
		fingers, err := m.store.Discover(storeCtx, s.owner)
		if err != nil {
			return err
		}
		for _, f := range fingers {
			data, err := m.store.Load(storeCtx, s.owner, f)
			if errors.Is(err, fault.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			op.gallery = append(op.gallery, f)
			params.Gallery = append(params.Gallery, data)
		}
	default:
		return fault.Wrap(fault.ErrInvalidArgument, "session", "start", kind.String(), nil)
	}

	m.nextGen++
	op.gen = m.nextGen
	s.op = op
	err := s.dev.Start(params, handler{m: m, s: s, gen: op.gen})
	m.watches.Sync()
	if err != nil {
		s.op = nil
		return fault.Wrap(fault.ErrDeviceUnavailable, "session", "start "+kind.String(), s.entry.info.ID, err)
	}
	m.touch()
	s.logger.Info("operation started",
		logging.String(logging.FieldOperation, kind.String()),
		logging.String(logging.FieldFinger, string(op.finger)),
		logging.String(logging.FieldEventType, "operation_started"),
	)
	return nil
}

func (m *Manager) stopOperation(s *session, kind fplib.Kind, done func(error)) {
	op := s.op
	if op == nil {
		done(fault.Wrap(fault.ErrNoActiveOperation, "session", "stop", "", nil))
		return
	}
	if kind != 0 && op.kind != kind {
		done(fault.Wrap(fault.ErrNoActiveOperation, "session", "stop", fmt.Sprintf("no %s in progress (%s is)", kind, op.kind), nil))
		return
	}
	if op.phase == PhaseStopping {
		op.stopWaiters = append(op.stopWaiters, done)
		return
	}
	op.phase = PhaseStopping
	op.saving = false
	op.stopWaiters = []func(error){done}
	gen := op.gen
	err := s.dev.Stop(func(err error) { m.stopAcknowledged(s, gen, err) })
	m.watches.Sync()
	if err != nil {
		logging.WarnWithContext(s.logger, "device stop failed; ending operation locally", "operation_stop_failed",
			logging.String(logging.FieldOperation, op.kind.String()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the reader may have been removed"),
			logging.String(logging.FieldImpact, "no further results are delivered for this operation"),
		)
		m.stopAcknowledged(s, gen, err)
	}
}

func (m *Manager) stopAcknowledged(s *session, gen uint64, err error) {
	op := s.op
	if op == nil || op.gen != gen {
		return
	}
	s.op = nil
	m.touch()
	var result error
	if err != nil {
		result = fault.Wrap(fault.ErrDeviceUnavailable, "session", "stop "+op.kind.String(), s.entry.info.ID, err)
	}
	s.logger.Info("operation stopped",
		logging.String(logging.FieldOperation, op.kind.String()),
		logging.String(logging.FieldEventType, "operation_stopped"),
	)
	for _, waiter := range op.stopWaiters {
		waiter(result)
	}
}

func (m *Manager) release(s *session, done func(error)) {
	if s.releasing {
		s.releaseWaiters = append(s.releaseWaiters, done)
		return
	}
	s.releasing = true
	s.releaseWaiters = []func(error){done}
	if s.op == nil {
		m.closeSession(s)
		return
	}
	m.stopOperation(s, 0, func(err error) {
		if err != nil {
			s.logger.Debug("stop before release reported an error", logging.Error(err))
		}
		m.closeSession(s)
	})
}

func (m *Manager) releaseAll(sessions []*session, done func(error)) {
	if len(sessions) == 0 {
		done(nil)
		return
	}
	remaining := len(sessions)
	for _, s := range sessions {
		m.release(s, func(error) {
			remaining--
			if remaining == 0 {
				done(nil)
			}
		})
	}
}

func (m *Manager) closeSession(s *session) {
	if err := s.dev.Close(); err != nil {
		s.logger.Debug("device close reported an error", logging.Error(err))
	}
	m.watches.Sync()
	s.entry.session = nil
	delete(m.sessions, s.id)
	s.hub.Close()
	m.touch()
	s.logger.Info("device released", logging.String(logging.FieldEventType, "device_released"))
	waiters := s.releaseWaiters
	s.releaseWaiters = nil
	for _, waiter := range waiters {
		waiter(nil)
	}
}

func (m *Manager) touch() {
	m.lastChange = time.Now()
}
