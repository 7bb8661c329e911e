package virtual

import (
	"fmt"
	"log/slog"
	"time"

	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

type operation struct {
	params  fplib.StartParams
	handler fplib.Handler
	stage   int
	done    bool
}

// pendingScan is a result waiting for the simulated sensor delay.
type pendingScan struct {
	due     time.Time
	deliver func(op *operation)
}

type device struct {
	lib     *Library
	cfg     Config
	logger  *slog.Logger
	open    bool
	gone    bool
	op      *operation
	pending *pendingScan

	listener int
	clients  map[int]*client
}

func (d *device) Info() fplib.DeviceInfo {
	return fplib.DeviceInfo{
		ID:      d.cfg.ID,
		Driver:  Driver,
		Name:    d.cfg.Name,
		DevPath: d.cfg.DevPath,
		Capabilities: fplib.Capabilities{
			Enroll:       true,
			Verify:       true,
			Identify:     d.cfg.Identify,
			ScanType:     d.cfg.ScanType,
			EnrollStages: d.cfg.EnrollStages,
		},
	}
}

func (d *device) Start(params fplib.StartParams, h fplib.Handler) error {
	if !d.open {
		return fplib.ErrNotOpen
	}
	if d.gone {
		return fplib.ErrDeviceGone
	}
	if d.op != nil && !d.op.done {
		return fplib.ErrOperationActive
	}
	if !d.Info().Capabilities.Supports(params.Kind) {
		return fmt.Errorf("%s not supported by %s", params.Kind, d.cfg.ID)
	}
	d.op = &operation{params: params, handler: h}
	d.pending = nil
	d.lib.notifier.Post(func() { h.Started(nil) })
	d.logger.Debug("virtual operation started", logging.String(logging.FieldOperation, params.Kind.String()))
	return nil
}

func (d *device) Stop(done func(error)) error {
	if !d.open {
		return fplib.ErrNotOpen
	}
	if d.gone {
		return fplib.ErrDeviceGone
	}
	d.op = nil
	d.pending = nil
	d.lib.notifier.Post(func() { done(nil) })
	return nil
}

func (d *device) Close() error {
	if !d.open {
		return fplib.ErrNotOpen
	}
	d.open = false
	d.op = nil
	d.pending = nil
	d.closeSockets()
	d.logger.Debug("virtual reader closed")
	return nil
}

// schedule queues deliver to run after the configured sensor delay.
func (d *device) schedule(deliver func(op *operation)) {
	d.pending = &pendingScan{due: d.lib.now().Add(d.cfg.ScanDelay), deliver: deliver}
}

func (d *device) fire() {
	p := d.pending
	d.pending = nil
	op := d.op
	if op == nil || op.done {
		return
	}
	p.deliver(op)
}

func (d *device) emit(op *operation, r fplib.Result, terminal bool) {
	if terminal {
		op.done = true
	}
	op.handler.Result(r)
}

func (d *device) scan(id string) {
	d.schedule(func(op *operation) {
		switch op.params.Kind {
		case fplib.KindEnroll:
			op.stage++
			if op.stage < d.cfg.EnrollStages {
				d.emit(op, fplib.Result{Code: fplib.ResultEnrollStagePassed, Stage: op.stage, MatchIndex: -1}, false)
				return
			}
			d.emit(op, fplib.Result{Code: fplib.ResultEnrollComplete, Stage: op.stage, Template: Template(id), MatchIndex: -1}, true)
		case fplib.KindVerify:
			code := fplib.ResultNoMatch
			if ref, ok := templateID(op.params.Reference); ok && ref == id {
				code = fplib.ResultMatch
			}
			d.emit(op, fplib.Result{Code: code, MatchIndex: -1}, true)
		case fplib.KindIdentify:
			for i, candidate := range op.params.Gallery {
				if ref, ok := templateID(candidate); ok && ref == id {
					d.emit(op, fplib.Result{Code: fplib.ResultMatch, MatchIndex: i}, true)
					return
				}
			}
			d.emit(op, fplib.Result{Code: fplib.ResultNoMatch, MatchIndex: -1}, true)
		}
	})
}

func (d *device) retry(code fplib.ResultCode) {
	d.schedule(func(op *operation) {
		d.emit(op, fplib.Result{Code: code, MatchIndex: -1}, false)
	})
}

func (d *device) fail() {
	d.schedule(func(op *operation) {
		d.emit(op, fplib.Result{Code: fplib.ResultFail, MatchIndex: -1, Err: fmt.Errorf("sensor error on %s", d.cfg.ID)}, true)
	})
}

func (d *device) unplug() {
	d.gone = true
	if d.op == nil || d.op.done {
		return
	}
	op := d.op
	d.pending = nil
	d.lib.notifier.Post(func() {
		if d.op != op || op.done {
			return
		}
		d.emit(op, fplib.Result{Code: fplib.ResultDisconnected, MatchIndex: -1, Err: fplib.ErrDeviceGone}, true)
	})
}
