package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errHubClosed is returned by Fetch once the session is gone and every
// buffered status has been read.
var errHubClosed = errors.New("status hub closed")

const defaultHubCapacity = 256

// StatusHub buffers a session's notifications and wakes waiters when new
// ones arrive. Publish is called on the dispatcher; Fetch from transport
// goroutines.
type StatusHub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Status
	nextSeq  uint64
	closed   bool
	now      func() time.Time
}

// NewStatusHub constructs a bounded notification buffer.
func NewStatusHub(capacity int) *StatusHub {
	if capacity <= 0 {
		capacity = defaultHubCapacity
	}
	h := &StatusHub{capacity: capacity, now: time.Now}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish assigns the next sequence number and timestamp and stores st.
func (h *StatusHub) Publish(st Status) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return st
	}
	h.nextSeq++
	st.Seq = h.nextSeq
	if st.Timestamp.IsZero() {
		st.Timestamp = h.now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, st)
	h.cond.Broadcast()
	return st
}

// Sequence returns the last published sequence number.
func (h *StatusHub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// Close wakes every waiter; later Fetch calls drain what is buffered and
// then fail with errHubClosed.
func (h *StatusHub) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Fetch returns statuses with sequence greater than since, at most limit of
// them, and the sequence to pass as since next time. When wait is true,
// Fetch blocks until at least one status is available, the hub closes, or
// the context ends.
func (h *StatusHub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Status, uint64, error) {
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		statuses, next := h.snapshotLocked(since, limit)
		if len(statuses) > 0 {
			return statuses, next, nil
		}
		if h.closed {
			return nil, next, errHubClosed
		}
		if !wait {
			return nil, next, nil
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, next, ctx.Err()
		}
		h.cond.Wait()
	}
}

func (h *StatusHub) snapshotLocked(since uint64, limit int) ([]Status, uint64) {
	if since > h.nextSeq {
		since = h.nextSeq
	}
	start := len(h.buffer)
	for i, st := range h.buffer {
		if st.Seq > since {
			start = i
			break
		}
	}
	if start == len(h.buffer) {
		return nil, since
	}
	end := start + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := make([]Status, end-start)
	copy(out, h.buffer[start:end])
	return out, out[len(out)-1].Seq
}
