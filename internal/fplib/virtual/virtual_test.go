package virtual_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fprintd/internal/eventloop"
	"fprintd/internal/fplib"
	"fprintd/internal/fplib/virtual"
	"fprintd/internal/logging"
)

type event struct {
	started bool
	err     error
	result  fplib.Result
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder { return &recorder{events: make(chan event, 32)} }

func (r *recorder) Started(err error) { r.events <- event{started: true, err: err} }
func (r *recorder) Result(res fplib.Result) { r.events <- event{result: res} }

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a device callback")
	}
	return event{}
}

type rig struct {
	lib    *virtual.Library
	loop   *eventloop.Loop
	bridge *eventloop.Bridge
	ctx    context.Context
	socket string
}

func newRig(t *testing.T, stages int) *rig {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "v0.sock")
	lib, err := virtual.New([]virtual.Config{{
		ID:           "v0",
		Name:         "Virtual",
		Socket:       socket,
		EnrollStages: stages,
		ScanDelay:    5 * time.Millisecond,
		Identify:     true,
	}}, logging.NewNop())
	if err != nil {
		t.Fatalf("virtual.New: %v", err)
	}
	loop, err := eventloop.New(logging.NewNop())
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	bridge := eventloop.NewBridge(loop, lib, logging.NewNop())
	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(runCtx) }()
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		cancelWait()
		cancel()
		<-loop.Done()
		_ = loop.Close()
		_ = lib.Close()
	})
	return &rig{lib: lib, loop: loop, bridge: bridge, ctx: ctx, socket: socket}
}

func (r *rig) open(t *testing.T) fplib.Device {
	t.Helper()
	var dev fplib.Device
	err := r.loop.Call(r.ctx, func() error {
		var err error
		dev, err = r.lib.Open("v0")
		if err != nil {
			return err
		}
		return r.bridge.SyncWatches()
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return dev
}

func (r *rig) start(t *testing.T, dev fplib.Device, params fplib.StartParams, h fplib.Handler) {
	t.Helper()
	err := r.loop.Call(r.ctx, func() error {
		err := dev.Start(params, h)
		r.bridge.Sync()
		return err
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
}

type control struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, socket string) *control {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &control{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *control) send(t *testing.T, line string) string {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimSpace(reply)
}

func TestEnrollThroughControlSocket(t *testing.T) {
	r := newRig(t, 3)
	dev := r.open(t)
	h := newRecorder()
	r.start(t, dev, fplib.StartParams{Kind: fplib.KindEnroll}, h)
	if ev := h.next(t); !ev.started || ev.err != nil {
		t.Fatalf("expected start ack, got %+v", ev)
	}

	ctl := dial(t, r.socket)
	for stage := 1; stage <= 3; stage++ {
		if reply := ctl.send(t, "SCAN alice-thumb"); !strings.HasPrefix(reply, "OK") {
			t.Fatalf("scan reply = %q", reply)
		}
		ev := h.next(t)
		if stage < 3 {
			if ev.result.Code != fplib.ResultEnrollStagePassed || ev.result.Stage != stage {
				t.Fatalf("stage %d result = %+v", stage, ev.result)
			}
			continue
		}
		if ev.result.Code != fplib.ResultEnrollComplete {
			t.Fatalf("final result = %+v", ev.result)
		}
		if string(ev.result.Template) != string(virtual.Template("alice-thumb")) {
			t.Fatalf("template = %q", ev.result.Template)
		}
	}
	if reply := ctl.send(t, "SCAN alice-thumb"); !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("scan after completion reply = %q", reply)
	}
}

func TestVerifyAndIdentifyCompareIDs(t *testing.T) {
	r := newRig(t, 2)
	dev := r.open(t)
	ctl := dial(t, r.socket)

	verify := newRecorder()
	r.start(t, dev, fplib.StartParams{Kind: fplib.KindVerify, Reference: virtual.Template("bob")}, verify)
	verify.next(t)
	ctl.send(t, "SCAN mallory")
	if ev := verify.next(t); ev.result.Code != fplib.ResultNoMatch {
		t.Fatalf("verify result = %+v", ev.result)
	}

	stopped := make(chan error, 1)
	if err := r.loop.Call(r.ctx, func() error {
		err := dev.Stop(func(err error) { stopped <- err })
		r.bridge.Sync()
		return err
	}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop ack: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop never acknowledged")
	}

	identify := newRecorder()
	gallery := [][]byte{virtual.Template("carol"), virtual.Template("bob")}
	r.start(t, dev, fplib.StartParams{Kind: fplib.KindIdentify, Gallery: gallery}, identify)
	identify.next(t)
	ctl.send(t, "SCAN bob")
	if ev := identify.next(t); ev.result.Code != fplib.ResultMatch || ev.result.MatchIndex != 1 {
		t.Fatalf("identify result = %+v", ev.result)
	}
}

func TestRetryAndUnplug(t *testing.T) {
	r := newRig(t, 2)
	dev := r.open(t)
	ctl := dial(t, r.socket)
	h := newRecorder()
	r.start(t, dev, fplib.StartParams{Kind: fplib.KindVerify}, h)
	h.next(t)

	ctl.send(t, "RETRY center")
	if ev := h.next(t); ev.result.Code != fplib.ResultRetryCenterFinger {
		t.Fatalf("retry result = %+v", ev.result)
	}
	if reply := ctl.send(t, "RETRY sideways"); !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("bad retry reply = %q", reply)
	}
	ctl.send(t, "UNPLUG")
	if ev := h.next(t); ev.result.Code != fplib.ResultDisconnected {
		t.Fatalf("unplug result = %+v", ev.result)
	}

	err := r.loop.Call(r.ctx, func() error {
		return dev.Start(fplib.StartParams{Kind: fplib.KindVerify}, h)
	})
	if !errors.Is(err, fplib.ErrDeviceGone) {
		t.Fatalf("start after unplug = %v", err)
	}
}

func TestOpenTwiceIsBusy(t *testing.T) {
	r := newRig(t, 2)
	r.open(t)
	err := r.loop.Call(r.ctx, func() error {
		_, err := r.lib.Open("v0")
		return err
	})
	if !errors.Is(err, fplib.ErrDeviceBusy) {
		t.Fatalf("second open = %v", err)
	}
	err = r.loop.Call(r.ctx, func() error {
		_, err := r.lib.Open("nope")
		return err
	})
	if !errors.Is(err, fplib.ErrUnknownDevice) {
		t.Fatalf("unknown open = %v", err)
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	r := newRig(t, 2)
	dev := r.open(t)
	if err := r.loop.Call(r.ctx, func() error {
		err := dev.Close()
		r.bridge.Sync()
		return err
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := net.Dial("unix", r.socket); err == nil {
		t.Fatal("expected control socket to be gone after close")
	}
}
