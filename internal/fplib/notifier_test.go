package fplib_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"fprintd/internal/fplib"
)

func TestNotifierDefersUntilDrain(t *testing.T) {
	n, err := fplib.NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	var calls []int
	n.Post(func() {
		calls = append(calls, 1)
		n.Post(func() { calls = append(calls, 3) })
	})
	n.Post(func() { calls = append(calls, 2) })
	if len(calls) != 0 {
		t.Fatalf("callbacks ran before Drain")
	}

	fds := []unix.PollFd{{Fd: int32(n.FD()), Events: unix.POLLIN}}
	if count, err := unix.Poll(fds, 1000); err != nil || count != 1 {
		t.Fatalf("expected notifier fd to be readable, count=%d err=%v", count, err)
	}

	n.Drain()
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("first drain ran %v", calls)
	}
	if !n.Pending() {
		t.Fatalf("expected callback posted during drain to stay queued")
	}
	n.Drain()
	if len(calls) != 3 || calls[2] != 3 {
		t.Fatalf("second drain ran %v", calls)
	}
}

func TestKindAndResultNames(t *testing.T) {
	kind, ok := fplib.ParseKind("identify")
	if !ok || kind != fplib.KindIdentify || kind.String() != "identify" {
		t.Fatalf("ParseKind(identify) = %v, %v", kind, ok)
	}
	if !fplib.ResultRetryTooShort.IsRetry() || fplib.ResultNoMatch.IsRetry() {
		t.Fatalf("IsRetry misclassified")
	}
	caps := fplib.Capabilities{Enroll: true, Verify: true}
	if caps.Supports(fplib.KindIdentify) || !caps.Supports(fplib.KindVerify) {
		t.Fatalf("Supports misreported %+v", caps)
	}
}
