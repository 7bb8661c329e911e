// Package eventloop runs the single dispatcher goroutine that owns the device
// library, the session manager and every callback they produce.
//
// Loop multiplexes descriptor readiness, one library deadline, timers and
// work posted from other goroutines over unix.Poll. Bridge keeps the loop's
// watch set equal to what the device library reports. Everything except
// Post, Call, Await, Stop and Done must be called on the dispatcher.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// ErrStopped is returned for work submitted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// WatchFunc handles readiness of a watched descriptor.
type WatchFunc func(fd int, revents fplib.Events)

type watch struct {
	id     uint64
	fd     int
	events fplib.Events
	fn     WatchFunc
}

// Timer is a one-shot dispatcher timer created by AfterFunc.
type Timer struct {
	when    time.Time
	fn      func()
	stopped bool
}

// Stop prevents the timer from firing. Dispatcher only.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Loop is the host event loop.
type Loop struct {
	logger       *slog.Logger
	wakeR, wakeW int

	mu            sync.Mutex
	tasks         []func()
	stopRequested bool
	stopErr       error
	finished      bool

	watches     map[int]*watch
	nextWatchID uint64
	deadline    time.Time
	deadlineFn  func()
	invalidFn   func(fd int)
	timers      []*Timer
	deferred    []func()

	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a loop and its wake pipe.
func New(logger *slog.Logger) (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	return &Loop{
		logger:  logging.NewComponentLogger(logger, "eventloop"),
		wakeR:   fds[0],
		wakeW:   fds[1],
		watches: make(map[int]*watch),
		done:    make(chan struct{}),
	}, nil
}

// Run dispatches until ctx is cancelled or Stop is called. It returns the
// error passed to Stop, or nil.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer func() {
		l.mu.Lock()
		l.finished = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	}()
	stopWake := context.AfterFunc(ctx, l.wake)
	defer stopWake()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if stop, err := l.stopState(); stop {
			return err
		}
		if err := l.turn(); err != nil {
			return err
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stop asks Run to return err after the current callback. The first call wins.
func (l *Loop) Stop(err error) {
	l.mu.Lock()
	if !l.stopRequested {
		l.stopRequested = true
		l.stopErr = err
	}
	l.mu.Unlock()
	l.wake()
}

// Post queues fn for the dispatcher. It reports false once the loop has exited.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
	return true
}

// Call runs fn on the dispatcher and waits for its result. It must not be
// called from the dispatcher.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	return l.Await(ctx, func(done func(error)) { done(fn()) })
}

// Await runs fn on the dispatcher and waits until fn, or a later callback,
// invokes done. Only the first done counts.
func (l *Loop) Await(ctx context.Context, fn func(done func(error))) error {
	result := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() { result <- err })
	}
	if !l.Post(func() { fn(done) }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Defer runs fn on the dispatcher after the current callback returns and
// before the loop blocks again.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// AfterFunc schedules fn on the dispatcher after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{when: time.Now().Add(d), fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// AddWatch starts watching fd. It fails for descriptors that are not open.
func (l *Loop) AddWatch(fd int, events fplib.Events, fn WatchFunc) error {
	if fd < 0 {
		return fmt.Errorf("watch fd %d: invalid descriptor", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("watch fd %d: %w", fd, err)
	}
	if _, exists := l.watches[fd]; exists {
		return fmt.Errorf("watch fd %d: already watched", fd)
	}
	l.nextWatchID++
	l.watches[fd] = &watch{id: l.nextWatchID, fd: fd, events: events, fn: fn}
	return nil
}

// ModifyWatch changes the event mask of an installed watch.
func (l *Loop) ModifyWatch(fd int, events fplib.Events) error {
	w, ok := l.watches[fd]
	if !ok {
		return fmt.Errorf("modify watch fd %d: not watched", fd)
	}
	w.events = events
	return nil
}

// RemoveWatch stops watching fd. Readiness already collected for fd in the
// current turn is discarded.
func (l *Loop) RemoveWatch(fd int) bool {
	if _, ok := l.watches[fd]; !ok {
		return false
	}
	delete(l.watches, fd)
	return true
}

// Watching returns the event mask installed for fd.
func (l *Loop) Watching(fd int) (fplib.Events, bool) {
	w, ok := l.watches[fd]
	if !ok {
		return 0, false
	}
	return w.events, true
}

// SetInvalidWatchFunc installs the handler for a watched descriptor that
// poll reports as closed. The watch is already removed when fn runs. With no
// handler the loop stops.
func (l *Loop) SetInvalidWatchFunc(fn func(fd int)) {
	l.invalidFn = fn
}

// SetDeadline arms the single library deadline, replacing any earlier one.
func (l *Loop) SetDeadline(when time.Time, fn func()) {
	l.deadline = when
	l.deadlineFn = fn
}

// ClearDeadline disarms the library deadline.
func (l *Loop) ClearDeadline() {
	l.deadline = time.Time{}
	l.deadlineFn = nil
}

// Close releases the wake pipe. Call it after Run has returned.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
	})
	return err
}

func (l *Loop) wake() {
	var b [1]byte
	_, _ = unix.Write(l.wakeW, b[:])
}

func (l *Loop) stopState() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested, l.stopErr
}

func (l *Loop) turn() error {
	fds := make([]int, 0, len(l.watches))
	for fd := range l.watches {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	pfds := make([]unix.PollFd, 0, len(fds)+1)
	ids := make([]uint64, 0, len(fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	ids = append(ids, 0)
	for _, fd := range fds {
		w := l.watches[fd]
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: toPoll(w.events)})
		ids = append(ids, w.id)
	}

	n, err := unix.Poll(pfds, l.pollTimeout(time.Now()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	if n > 0 {
		if pfds[0].Revents != 0 {
			l.drainWake()
			l.runTasks()
		}
		for i := 1; i < len(pfds); i++ {
			revents := pfds[i].Revents
			if revents == 0 {
				continue
			}
			if stop, _ := l.stopState(); stop {
				return nil
			}
			w, ok := l.watches[int(pfds[i].Fd)]
			if !ok || w.id != ids[i] {
				continue
			}
			if revents&unix.POLLNVAL != 0 {
				delete(l.watches, w.fd)
				if l.invalidFn != nil {
					l.invalidFn(w.fd)
					continue
				}
				logging.ErrorWithContext(l.logger, "watched descriptor closed without removal", "watch_invalid",
					logging.Int("fd", w.fd),
					logging.String(logging.FieldErrorHint, "a descriptor was closed while still watched"),
					logging.String(logging.FieldImpact, "event loop stops"),
				)
				l.Stop(fmt.Errorf("watch fd %d: descriptor closed while watched", w.fd))
				continue
			}
			w.fn(w.fd, fromPoll(revents))
		}
	}

	now := time.Now()
	if l.deadlineFn != nil && !now.Before(l.deadline) {
		fn := l.deadlineFn
		l.deadlineFn = nil
		fn()
	}
	l.fireTimers(now)
	l.runDeferred()
	return nil
}

func (l *Loop) pollTimeout(now time.Time) int {
	if len(l.deferred) > 0 {
		return 0
	}
	var (
		earliest time.Time
		armed    bool
	)
	if l.deadlineFn != nil {
		earliest, armed = l.deadline, true
	}
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		if !armed || t.when.Before(earliest) {
			earliest, armed = t.when, true
		}
	}
	if !armed {
		return -1
	}
	wait := earliest.Sub(now)
	if wait <= 0 {
		return 0
	}
	ms := (wait + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		count, err := unix.Read(l.wakeR, buf[:])
		if count <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func (l *Loop) fireTimers(now time.Time) {
	if len(l.timers) == 0 {
		return
	}
	var due []*Timer
	pending := l.timers[:0]
	for _, t := range l.timers {
		switch {
		case t.stopped:
		case !now.Before(t.when):
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	l.timers = pending
	for _, t := range due {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

func (l *Loop) runDeferred() {
	if len(l.deferred) == 0 {
		return
	}
	deferred := l.deferred
	l.deferred = nil
	for _, fn := range deferred {
		fn()
	}
}

func toPoll(events fplib.Events) int16 {
	var out int16
	if events&fplib.EventRead != 0 {
		out |= unix.POLLIN
	}
	if events&fplib.EventWrite != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPoll(revents int16) fplib.Events {
	var out fplib.Events
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		out |= fplib.EventRead
	}
	if revents&unix.POLLOUT != 0 {
		out |= fplib.EventWrite
	}
	if revents&unix.POLLERR != 0 {
		out |= fplib.EventError
	}
	if revents&unix.POLLHUP != 0 {
		out |= fplib.EventHangup
	}
	return out
}
