package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"fprintd/internal/fplib"
	"fprintd/internal/ipc"
	"fprintd/internal/session"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("fprintd", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "fprintd:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("fprintd", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestFingerDisplayName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"right-index", "Right Index Finger"},
		{"right-index-finger", "Right Index Finger"},
		{"left-thumb", "Left Thumb"},
		{"pinky", "pinky"},
	}
	for _, tt := range tests {
		if got := fingerDisplayName(tt.in); got != tt.want {
			t.Fatalf("fingerDisplayName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDescribeStatus(t *testing.T) {
	tests := []struct {
		status ipc.StatusEvent
		kind   statusKind
		want   string
	}{
		{ipc.StatusEvent{Operation: "enroll", Code: session.CodeStagePassed, Stage: 2, Stages: 5}, statusInfo, "Enroll result: enroll-stage-passed (2/5)"},
		{ipc.StatusEvent{Operation: "verify", Code: session.CodeRetryScan, Detail: "swipe-too-short"}, statusWarn, "Verify result: verify-swipe-too-short"},
		{ipc.StatusEvent{Operation: "identify", Code: session.CodeSuccess, Finger: "left-thumb", Done: true}, statusOK, "Identify result: identify-match (Left Thumb)"},
		{ipc.StatusEvent{Operation: "verify", Code: session.CodeNoMatch, Done: true}, statusError, "Verify result: verify-no-match"},
		{ipc.StatusEvent{Operation: "enroll", Code: session.CodeError, Detail: session.DetailDisconnected, Done: true}, statusError, "Enroll result: enroll-disconnected"},
	}
	for _, tt := range tests {
		kind, got := describeStatus(tt.status)
		if kind != tt.kind || got != tt.want {
			t.Fatalf("describeStatus(%+v) = %v %q, want %v %q", tt.status, kind, got, tt.kind, tt.want)
		}
	}
}

func TestRenderStatusOffline(t *testing.T) {
	lines := renderStatus(&ipc.StatusResponse{Backend: "file"}, false)
	joined := strings.Join(lines, "\n")
	requireContains(t, joined, "Not running")
	requireContains(t, joined, "Disabled")
	if strings.Contains(joined, "Readers") {
		t.Fatalf("offline status should not list readers:\n%s", joined)
	}
}

func TestRenderDeviceTable(t *testing.T) {
	devices := []ipc.Device{{
		ID:     "virtual-0",
		Name:   "Virtual reader",
		Driver: "virtual_image",
		Capabilities: fplib.Capabilities{
			Enroll:       true,
			Verify:       true,
			ScanType:     fplib.ScanSwipe,
			EnrollStages: 5,
		},
	}}
	out := renderDeviceTable(devices)
	requireContains(t, out, "Stages")
	requireContains(t, out, "virtual-0")
	requireContains(t, out, "enroll, verify")
	if strings.Contains(out, "identify") {
		t.Fatalf("identify listed for a reader without it:\n%s", out)
	}
}

func TestReaderState(t *testing.T) {
	tests := []struct {
		dev  ipc.DeviceStatus
		want string
	}{
		{ipc.DeviceStatus{Phase: "idle"}, "idle"},
		{ipc.DeviceStatus{Session: "s1", Owner: "alice", Phase: "idle"}, "claimed"},
		{ipc.DeviceStatus{Session: "s1", Operation: "verify", Phase: "running"}, "verify running"},
		{ipc.DeviceStatus{Removed: true, Session: "s1"}, "removed"},
	}
	for _, tt := range tests {
		if got := readerState(tt.dev); got != tt.want {
			t.Fatalf("readerState(%+v) = %q, want %q", tt.dev, got, tt.want)
		}
	}
	out := renderReaderTable([]ipc.DeviceStatus{{Device: ipc.Device{ID: "virtual-0"}, Phase: "idle"}})
	requireContains(t, out, "virtual-0")
	requireContains(t, out, " - ")
}
