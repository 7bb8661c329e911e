// Package fplibtest provides a scripted fplib.Library for tests.
//
// Acknowledgements and results are queued on a real self-pipe, so they reach
// the handler only when the host loop services the library descriptor, just
// like a hardware driver.
package fplibtest

import (
	"context"
	"sync"
	"time"

	"fprintd/internal/fplib"
)

// Library is a fake device library.
type Library struct {
	notifier *fplib.Notifier

	mu      sync.Mutex
	devices []*Device
	closed  bool
}

// New creates a library exposing one fake device per info.
func New(infos ...fplib.DeviceInfo) (*Library, error) {
	n, err := fplib.NewNotifier()
	if err != nil {
		return nil, err
	}
	lib := &Library{notifier: n}
	for _, info := range infos {
		lib.devices = append(lib.devices, &Device{lib: lib, info: info, autoStop: true, autoStart: true})
	}
	return lib, nil
}

// DefaultInfo returns a reader supporting all operations with stages
// enrollment stages.
func DefaultInfo(id string, stages int) fplib.DeviceInfo {
	return fplib.DeviceInfo{
		ID:     id,
		Driver: "fake",
		Name:   "Fake reader " + id,
		Capabilities: fplib.Capabilities{
			Enroll: true, Verify: true, Identify: true,
			ScanType:     fplib.ScanPress,
			EnrollStages: stages,
		},
	}
}

// Device returns the fake device with id, or nil.
func (l *Library) Device(id string) *Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.devices {
		if d.info.ID == id {
			return d
		}
	}
	return nil
}

func (l *Library) Devices() []fplib.DeviceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fplib.DeviceInfo, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d.info)
	}
	return out
}

func (l *Library) Open(id string) (fplib.Device, error) {
	d := l.Device(id)
	if d == nil {
		return nil, fplib.ErrUnknownDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.open {
		return nil, fplib.ErrDeviceBusy
	}
	d.open = true
	d.opens++
	return d, nil
}

func (l *Library) PollFDs() []fplib.PollFD {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return []fplib.PollFD{{FD: l.notifier.FD(), Events: fplib.EventRead}}
}

func (l *Library) NextTimeout() (time.Time, bool) { return time.Time{}, false }

func (l *Library) HandleEvents(fd int, revents fplib.Events) error {
	if fd == l.notifier.FD() {
		l.notifier.Drain()
	}
	return nil
}

func (l *Library) HandleTimeout() error { return nil }

func (l *Library) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.notifier.Close()
}

// Device is a fake reader. Test code drives it with Emit.
type Device struct {
	lib  *Library
	info fplib.DeviceInfo

	mu        sync.Mutex
	open      bool
	opens     int
	closes    int
	openErr   error
	startErr  error
	ackErr    error
	autoStart bool
	autoStop  bool
	handler   fplib.Handler
	starts    []fplib.StartParams
	stops     int
	heldStops []func(error)
}

func (d *Device) Info() fplib.DeviceInfo { return d.info }

func (d *Device) Start(params fplib.StartParams, h fplib.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fplib.ErrNotOpen
	}
	if d.startErr != nil {
		return d.startErr
	}
	d.handler = h
	d.starts = append(d.starts, params)
	if d.autoStart {
		ackErr := d.ackErr
		d.lib.notifier.Post(func() { h.Started(ackErr) })
	}
	return nil
}

// The handler is kept after Stop so a late Emit reaches the stale operation.
func (d *Device) Stop(done func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fplib.ErrNotOpen
	}
	d.stops++
	if !d.autoStop {
		d.heldStops = append(d.heldStops, done)
		return nil
	}
	d.lib.notifier.Post(func() { done(nil) })
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closes++
	return nil
}

// FailOpen makes Open return err until cleared with nil.
func (d *Device) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// FailStart makes Start reject synchronously with err.
func (d *Device) FailStart(err error) {
	d.mu.Lock()
	d.startErr = err
	d.mu.Unlock()
}

// FailStartAck makes the asynchronous start acknowledgement carry err.
func (d *Device) FailStartAck(err error) {
	d.mu.Lock()
	d.ackErr = err
	d.mu.Unlock()
}

// HoldStart stops Start from acknowledging; call AckStart to deliver.
func (d *Device) HoldStart() {
	d.mu.Lock()
	d.autoStart = false
	d.mu.Unlock()
}

// AckStart queues a start acknowledgement for the current handler.
func (d *Device) AckStart(err error) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		d.lib.notifier.Post(func() { h.Started(err) })
	}
}

// HoldStop keeps Stop acknowledgements until ReleaseStops.
func (d *Device) HoldStop() {
	d.mu.Lock()
	d.autoStop = false
	d.mu.Unlock()
}

// ReleaseStops queues every held stop acknowledgement.
func (d *Device) ReleaseStops() {
	d.mu.Lock()
	held := d.heldStops
	d.heldStops = nil
	d.autoStop = true
	d.mu.Unlock()
	for _, done := range held {
		done := done
		d.lib.notifier.Post(func() { done(nil) })
	}
}

// Emit queues r for the handler of the most recent Start.
func (d *Device) Emit(r fplib.Result) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return
	}
	d.lib.notifier.Post(func() { h.Result(r) })
}

// EmitAndWait is Emit followed by waiting until the handler has run.
func (d *Device) EmitAndWait(ctx context.Context, r fplib.Result) error {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return nil
	}
	delivered := make(chan struct{})
	d.lib.notifier.Post(func() {
		h.Result(r)
		close(delivered)
	})
	select {
	case <-delivered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Starts returns the parameters of every accepted Start.
func (d *Device) Starts() []fplib.StartParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fplib.StartParams, len(d.starts))
	copy(out, d.starts)
	return out
}

// Stops returns how many times Stop was called.
func (d *Device) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// IsOpen reports whether the device handle is open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Opens returns how many times the device was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}
