package eventloop_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"fprintd/internal/eventloop"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

func startLoop(t *testing.T) (*eventloop.Loop, <-chan error) {
	t.Helper()
	loop, err := eventloop.New(logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
		_ = loop.Close()
	})
	return loop, errs
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallRunsOnDispatcher(t *testing.T) {
	loop, _ := startLoop(t)
	ctx := waitCtx(t)

	var ran atomic.Bool
	if err := loop.Call(ctx, func() error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected function to run")
	}
	want := errors.New("boom")
	if err := loop.Call(ctx, func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Call error = %v", err)
	}
}

func TestAwaitCompletesFromLaterTurn(t *testing.T) {
	loop, _ := startLoop(t)
	ctx := waitCtx(t)

	order := make([]string, 0, 2)
	err := loop.Await(ctx, func(done func(error)) {
		loop.Defer(func() {
			order = append(order, "deferred")
			done(nil)
		})
		order = append(order, "body")
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(order) != 2 || order[0] != "body" || order[1] != "deferred" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestWatchDispatchesReadiness(t *testing.T) {
	loop, _ := startLoop(t)
	ctx := waitCtx(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan fplib.Events, 4)
	if err := loop.Call(ctx, func() error {
		return loop.AddWatch(fds[0], fplib.EventRead, func(fd int, revents fplib.Events) {
			var buf [8]byte
			_, _ = unix.Read(fd, buf[:])
			fired <- revents
		})
	}); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case revents := <-fired:
		if revents&fplib.EventRead == 0 {
			t.Fatalf("expected read readiness, got %v", revents)
		}
	case <-ctx.Done():
		t.Fatal("watch callback never fired")
	}

	if err := loop.Call(ctx, func() error {
		if !loop.RemoveWatch(fds[0]) {
			return errors.New("watch missing")
		}
		return nil
	}); err != nil {
		t.Fatalf("RemoveWatch: %v", err)
	}
	if _, err := unix.Write(fds[1], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := loop.Call(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("removed watch still dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddWatchRejectsClosedDescriptor(t *testing.T) {
	loop, _ := startLoop(t)
	ctx := waitCtx(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	_ = unix.Close(fds[0])
	_ = unix.Close(fds[1])

	err := loop.Call(ctx, func() error {
		return loop.AddWatch(fds[0], fplib.EventRead, func(int, fplib.Events) {})
	})
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("expected EBADF, got %v", err)
	}
}

func TestClosedWatchedDescriptorStopsLoop(t *testing.T) {
	loop, errs := startLoop(t)
	ctx := waitCtx(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := loop.Call(ctx, func() error {
		if err := loop.AddWatch(fds[0], fplib.EventRead, func(int, fplib.Events) {}); err != nil {
			return err
		}
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected Run to fail after a watched descriptor closed")
		}
	case <-ctx.Done():
		t.Fatal("loop kept running with a closed watched descriptor")
	}
}

func TestAfterFuncAndTimerStop(t *testing.T) {
	loop, _ := startLoop(t)
	ctx := waitCtx(t)

	fired := make(chan string, 2)
	if err := loop.Call(ctx, func() error {
		loop.AfterFunc(10*time.Millisecond, func() { fired <- "kept" })
		cancelled := loop.AfterFunc(5*time.Millisecond, func() { fired <- "stopped" })
		cancelled.Stop()
		return nil
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case name := <-fired:
		if name != "kept" {
			t.Fatalf("stopped timer fired")
		}
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}
}

func TestStopReturnsErrorAndRejectsWork(t *testing.T) {
	loop, errs := startLoop(t)
	ctx := waitCtx(t)

	fatal := errors.New("fatal")
	loop.Stop(fatal)
	select {
	case err := <-errs:
		if !errors.Is(err, fatal) {
			t.Fatalf("Run returned %v", err)
		}
	case <-ctx.Done():
		t.Fatal("loop did not stop")
	}
	if err := loop.Call(ctx, func() error { return nil }); !errors.Is(err, eventloop.ErrStopped) {
		t.Fatalf("Call after stop = %v", err)
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	loop, err := eventloop.New(logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- loop.Run(ctx) }()
	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
}
