package session

import (
	"time"

	"fprintd/internal/fplib"
)

// Code is the transport-neutral status vocabulary.
type Code string

const (
	CodeRetryScan   Code = "retry-scan"
	CodeStagePassed Code = "stage-passed"
	CodeSuccess     Code = "success"
	CodeNoMatch     Code = "failed-no-match"
	CodeError       Code = "failed-error"
)

// Terminal reports whether the code ends an operation.
func (c Code) Terminal() bool {
	switch c {
	case CodeSuccess, CodeNoMatch, CodeError:
		return true
	}
	return false
}

// Status is one notification for a session's operation. Seq increases
// monotonically within a session.
type Status struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Operation string    `json:"operation"`
	Code      Code      `json:"code"`
	Detail    string    `json:"detail,omitempty"`
	Finger    string    `json:"finger,omitempty"`
	Stage     int       `json:"stage,omitempty"`
	Stages    int       `json:"stages,omitempty"`
	Done      bool      `json:"done"`
}

// Detail values for CodeError and CodeRetryScan.
const (
	DetailStorage      = "storage"
	DetailStart        = "start-failed"
	DetailDisconnected = "disconnected"
	DetailDataFull     = "data-full"
	DetailDevice       = "device-error"
	DetailUnexpected   = "unexpected-result"
)

// Name renders the status the way the D-Bus era signals did, for example
// "enroll-stage-passed" or "verify-no-match".
func (s Status) Name() string {
	switch s.Code {
	case CodeStagePassed:
		return s.Operation + "-stage-passed"
	case CodeSuccess:
		if s.Operation == fplib.KindEnroll.String() {
			return "enroll-completed"
		}
		return s.Operation + "-match"
	case CodeNoMatch:
		return s.Operation + "-no-match"
	case CodeRetryScan:
		if s.Detail != "" {
			return s.Operation + "-" + s.Detail
		}
		return s.Operation + "-retry-scan"
	case CodeError:
		if s.Detail == DetailDisconnected {
			return s.Operation + "-disconnected"
		}
		return s.Operation + "-failed"
	}
	return s.Operation + "-unknown-error"
}
