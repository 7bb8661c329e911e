// Package fplib is the contract between the daemon and a fingerprint device
// library.
//
// A Library enumerates readers and exposes the file descriptors and deadline
// it needs serviced. The host loop polls those descriptors and calls
// HandleEvents or HandleTimeout; every Handler callback is delivered from
// inside one of those two calls, never from Start or Stop directly and never
// from another goroutine. All methods must be called from the host loop's
// goroutine.
package fplib

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceGone reports a reader that was unplugged.
	ErrDeviceGone = errors.New("device gone")
	// ErrDeviceBusy reports a reader that is already open.
	ErrDeviceBusy = errors.New("device busy")
	// ErrUnknownDevice reports an identifier the library never enumerated.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotOpen reports a call on a closed device handle.
	ErrNotOpen = errors.New("device not open")
	// ErrOperationActive reports Start while another operation runs.
	ErrOperationActive = errors.New("operation already active")
)

// Kind is the type of a device operation.
type Kind int

const (
	KindEnroll Kind = iota + 1
	KindVerify
	KindIdentify
)

func (k Kind) String() string {
	switch k {
	case KindEnroll:
		return "enroll"
	case KindVerify:
		return "verify"
	case KindIdentify:
		return "identify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps "enroll", "verify" and "identify".
func ParseKind(value string) (Kind, bool) {
	switch value {
	case "enroll":
		return KindEnroll, true
	case "verify":
		return KindVerify, true
	case "identify":
		return KindIdentify, true
	}
	return 0, false
}

// ScanType describes how the finger is presented.
type ScanType string

const (
	ScanPress ScanType = "press"
	ScanSwipe ScanType = "swipe"
)

// Capabilities lists what a reader supports.
type Capabilities struct {
	Enroll       bool     `json:"enroll"`
	Verify       bool     `json:"verify"`
	Identify     bool     `json:"identify"`
	ScanType     ScanType `json:"scan_type"`
	EnrollStages int      `json:"enroll_stages"`
}

// Supports reports whether kind is available on the reader.
func (c Capabilities) Supports(kind Kind) bool {
	switch kind {
	case KindEnroll:
		return c.Enroll
	case KindVerify:
		return c.Verify
	case KindIdentify:
		return c.Identify
	}
	return false
}

// DeviceInfo identifies one reader. DevPath is the sysfs device path used to
// match udev removal events; it may be empty.
type DeviceInfo struct {
	ID           string       `json:"id"`
	Driver       string       `json:"driver"`
	Name         string       `json:"name"`
	DevPath      string       `json:"devpath,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Events is a poll event mask.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// PollFD is one descriptor the library wants watched.
type PollFD struct {
	FD     int
	Events Events
}

// ResultCode is a library-specific progress or outcome code.
type ResultCode int

const (
	// ResultEnrollComplete ends an enrollment; Result.Template is set.
	ResultEnrollComplete ResultCode = iota + 1
	// ResultEnrollStagePassed reports one accepted enrollment scan.
	ResultEnrollStagePassed
	// ResultMatch ends a verify or identify with a match.
	ResultMatch
	// ResultNoMatch ends a verify or identify without a match.
	ResultNoMatch
	// ResultRetry asks for the scan to be repeated.
	ResultRetry
	// ResultRetryTooShort asks for a longer swipe.
	ResultRetryTooShort
	// ResultRetryCenterFinger asks for a better centered finger.
	ResultRetryCenterFinger
	// ResultRetryRemoveFinger asks for the finger to be lifted and placed again.
	ResultRetryRemoveFinger
	// ResultFail ends the operation with a device-side failure.
	ResultFail
	// ResultDataFull ends an enrollment because on-device storage is full.
	ResultDataFull
	// ResultDisconnected ends the operation because the reader went away.
	ResultDisconnected
)

var resultNames = map[ResultCode]string{
	ResultEnrollComplete:    "enroll-complete",
	ResultEnrollStagePassed: "enroll-stage-passed",
	ResultMatch:             "match",
	ResultNoMatch:           "no-match",
	ResultRetry:             "retry-scan",
	ResultRetryTooShort:     "swipe-too-short",
	ResultRetryCenterFinger: "finger-not-centered",
	ResultRetryRemoveFinger: "remove-and-retry",
	ResultFail:              "fail",
	ResultDataFull:          "data-full",
	ResultDisconnected:      "disconnected",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(c))
}

// IsRetry reports whether the code asks for another scan.
func (c ResultCode) IsRetry() bool {
	switch c {
	case ResultRetry, ResultRetryTooShort, ResultRetryCenterFinger, ResultRetryRemoveFinger:
		return true
	}
	return false
}

// Result is delivered through Handler.Result.
type Result struct {
	Code ResultCode
	// Stage is the number of accepted enrollment scans so far.
	Stage int
	// Template is the enrolled template for ResultEnrollComplete.
	Template []byte
	// MatchIndex is the gallery index matched by identify, or -1.
	MatchIndex int
	Err        error
}

// StartParams configures one operation.
type StartParams struct {
	Kind Kind
	// Reference is the stored template for verify; nil when none is stored.
	Reference []byte
	// Gallery holds the candidate templates for identify.
	Gallery [][]byte
}

// Handler receives asynchronous notifications for one operation.
type Handler interface {
	// Started acknowledges Start; a non-nil error means the operation
	// never ran.
	Started(err error)
	// Result reports progress or the outcome.
	Result(r Result)
}

// Device is an open reader handle.
type Device interface {
	Info() DeviceInfo
	// Start begins an operation. A returned error means the request was
	// rejected synchronously and no callback will follow.
	Start(params StartParams, h Handler) error
	// Stop cancels the running operation; done fires once the reader has
	// acknowledged. No Handler callback follows done.
	Stop(done func(error)) error
	Close() error
}

// Library is a device library instance.
type Library interface {
	Devices() []DeviceInfo
	Open(id string) (Device, error)
	PollFDs() []PollFD
	// NextTimeout reports the earliest deadline the library needs serviced.
	NextTimeout() (time.Time, bool)
	HandleEvents(fd int, revents Events) error
	HandleTimeout() error
	Close() error
}
