package fplib

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// Notifier defers callbacks to the next HandleEvents call on its descriptor.
// Libraries use it so acknowledgements are never delivered re-entrantly from
// Start or Stop. Post may be called from any goroutine.
type Notifier struct {
	mu     sync.Mutex
	r, w   int
	queue  []func()
	closed bool
}

// NewNotifier creates the non-blocking self-pipe.
func NewNotifier() (*Notifier, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Notifier{r: fds[0], w: fds[1]}, nil
}

// FD is the descriptor to watch for EventRead.
func (n *Notifier) FD() int { return n.r }

// Post queues fn and wakes the reader side.
func (n *Notifier) Post(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	// A full pipe already guarantees a wakeup.
	var b [1]byte
	_, _ = unix.Write(n.w, b[:])
}

// Pending reports whether callbacks are queued.
func (n *Notifier) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue) > 0
}

// Drain empties the pipe and runs the callbacks queued so far. Callbacks
// posted while draining run on the next Drain.
func (n *Notifier) Drain() {
	var buf [64]byte
	for {
		count, err := unix.Read(n.r, buf[:])
		if count <= 0 || err != nil {
			break
		}
	}
	n.mu.Lock()
	pending := n.queue
	n.queue = nil
	n.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Close releases both pipe ends and drops queued callbacks.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.queue = nil
	n.mu.Unlock()
	return errors.Join(unix.Close(n.r), unix.Close(n.w))
}
