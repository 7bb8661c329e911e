package session

import (
	"context"

	"fprintd/internal/finger"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// Phase is the lifecycle position of a session's operation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseCompleted
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type operation struct {
	gen          uint64
	kind         fplib.Kind
	finger       finger.Finger
	gallery      []finger.Finger
	phase        Phase
	stages       int
	stagesPassed int
	saving       bool
	stopWaiters  []func(error)
}

// handler routes library callbacks for one operation generation.
type handler struct {
	m   *Manager
	s   *session
	gen uint64
}

func (h handler) Started(err error) {
	op := h.m.live(h.s, h.gen)
	if op == nil {
		h.s.logger.Debug("discarding start acknowledgement for finished operation", logging.Uint64("generation", h.gen))
		return
	}
	if op.phase != PhaseStarting {
		return
	}
	if err != nil {
		logging.WarnWithContext(h.s.logger, "device rejected operation start", "operation_start_failed",
			logging.String(logging.FieldOperation, op.kind.String()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the reader connection and driver logs"),
			logging.String(logging.FieldImpact, "operation ended without a scan"),
		)
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailStart})
		return
	}
	op.phase = PhaseRunning
	h.s.logger.Debug("operation running", logging.String(logging.FieldOperation, op.kind.String()))
}

func (h handler) Result(r fplib.Result) {
	op := h.m.live(h.s, h.gen)
	if op == nil {
		h.s.logger.Debug("discarding result for finished operation",
			logging.Uint64("generation", h.gen),
			logging.String("result", r.Code.String()),
		)
		return
	}
	if op.phase == PhaseCompleted || op.saving {
		return
	}
	if op.phase == PhaseStarting {
		op.phase = PhaseRunning
	}

	switch {
	case r.Code.IsRetry():
		h.m.publish(h.s, op, Status{Code: CodeRetryScan, Detail: r.Code.String()})
		return
	case r.Code == fplib.ResultDisconnected:
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailDisconnected})
		return
	case r.Code == fplib.ResultFail:
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailDevice})
		return
	}

	switch op.kind {
	case fplib.KindEnroll:
		h.enrollResult(op, r)
	case fplib.KindVerify, fplib.KindIdentify:
		h.matchResult(op, r)
	}
}

func (h handler) enrollResult(op *operation, r fplib.Result) {
	switch r.Code {
	case fplib.ResultEnrollStagePassed:
		op.stagesPassed++
		if r.Stage > 0 {
			op.stagesPassed = r.Stage
		}
		h.m.publish(h.s, op, Status{Code: CodeStagePassed, Stage: op.stagesPassed})
	case fplib.ResultEnrollComplete:
		op.saving = true
		template := append([]byte(nil), r.Template...)
		gen := h.gen
		// Storage is never touched from inside a library callback.
		h.m.loop.Defer(func() { h.m.saveEnrolled(h.s, gen, template) })
	case fplib.ResultDataFull:
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailDataFull})
	default:
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailUnexpected})
	}
}

func (h handler) matchResult(op *operation, r fplib.Result) {
	switch r.Code {
	case fplib.ResultMatch:
		st := Status{Code: CodeSuccess}
		if op.kind == fplib.KindIdentify {
			if r.MatchIndex >= 0 && r.MatchIndex < len(op.gallery) {
				st.Finger = string(op.gallery[r.MatchIndex])
			}
		}
		h.m.finish(h.s, op, st)
	case fplib.ResultNoMatch:
		h.m.finish(h.s, op, Status{Code: CodeNoMatch})
	default:
		h.m.finish(h.s, op, Status{Code: CodeError, Detail: DetailUnexpected})
	}
}

func (m *Manager) saveEnrolled(s *session, gen uint64, template []byte) {
	op := m.live(s, gen)
	if op == nil {
		s.logger.Info("enrollment discarded; operation stopped before the template was stored",
			logging.Uint64("generation", gen),
		)
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.storageTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s.owner, op.finger, template); err != nil {
		logging.ErrorWithContext(s.logger, "enrolled template could not be stored", "template_save_failed",
			logging.String(logging.FieldFinger, string(op.finger)),
			logging.String("backend", m.store.Name()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the storage backend and state_dir permissions"),
		)
		m.finish(s, op, Status{Code: CodeError, Detail: DetailStorage})
		return
	}
	s.logger.Info("template enrolled",
		logging.String(logging.FieldFinger, string(op.finger)),
		logging.String("backend", m.store.Name()),
		logging.String(logging.FieldEventType, "template_enrolled"),
	)
	m.finish(s, op, Status{Code: CodeSuccess, Stage: op.stages})
}

// live returns the session's operation when gen is still current and the
// operation has not been asked to stop.
func (m *Manager) live(s *session, gen uint64) *operation {
	op := s.op
	if op == nil || op.gen != gen || op.phase == PhaseStopping {
		return nil
	}
	if m.sessions[s.id] != s {
		return nil
	}
	return op
}

func (m *Manager) publish(s *session, op *operation, st Status) Status {
	st.Operation = op.kind.String()
	if st.Finger == "" && op.finger != "" {
		st.Finger = string(op.finger)
	}
	if op.kind == fplib.KindEnroll {
		st.Stages = op.stages
	}
	st.Done = st.Code.Terminal()
	published := s.hub.Publish(st)
	s.logger.Debug("status published",
		logging.String(logging.FieldOperation, published.Operation),
		logging.String("code", string(published.Code)),
		logging.String("detail", published.Detail),
		logging.Uint64("seq", published.Seq),
	)
	return published
}

func (m *Manager) finish(s *session, op *operation, st Status) {
	op.phase = PhaseCompleted
	op.saving = false
	m.publish(s, op, st)
	m.touch()
}
