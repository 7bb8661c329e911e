package ipc

import (
	"time"

	"fprintd/internal/fplib"
	"fprintd/internal/session"
)

// Device mirrors the device library descriptor on the wire.
type Device = fplib.DeviceInfo

// StatusEvent is one operation notification.
type StatusEvent = session.Status

// GetDevicesRequest lists every reader.
type GetDevicesRequest struct{}

// GetDevicesResponse contains readers in enumeration order.
type GetDevicesResponse struct {
	Devices []Device `json:"devices"`
}

// GetDefaultDeviceRequest asks for the first usable reader.
type GetDefaultDeviceRequest struct{}

// GetDefaultDeviceResponse names the default reader.
type GetDefaultDeviceResponse struct {
	Device Device `json:"device"`
}

// ClaimRequest claims Device for Username. An empty Device selects the
// default reader; an empty Username claims for the calling user.
type ClaimRequest struct {
	Device   string `json:"device"`
	Username string `json:"username"`
}

// ClaimResponse identifies the session used by later calls.
type ClaimResponse struct {
	Session   string    `json:"session"`
	Owner     string    `json:"owner"`
	Device    Device    `json:"device"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ReleaseRequest ends a claim.
type ReleaseRequest struct {
	Session string `json:"session"`
}

// ReleaseResponse is empty.
type ReleaseResponse struct{}

// StartRequest starts enroll, verify or identify. Finger is ignored for
// identify.
type StartRequest struct {
	Session string `json:"session"`
	Finger  string `json:"finger"`
}

// StartResponse carries the status cursor to pass to WaitStatus.
type StartResponse struct {
	Since uint64 `json:"since"`
}

// StopRequest stops the running operation.
type StopRequest struct {
	Session string `json:"session"`
}

// StopResponse is empty.
type StopResponse struct{}

// WaitStatusRequest fetches notifications after Since. A positive
// WaitMillis blocks up to that long for the next one.
type WaitStatusRequest struct {
	Session    string `json:"session"`
	Since      uint64 `json:"since"`
	Limit      int    `json:"limit"`
	WaitMillis int    `json:"wait_ms"`
}

// WaitStatusResponse returns notifications in order and the next cursor.
type WaitStatusResponse struct {
	Statuses []StatusEvent `json:"statuses"`
	Next     uint64        `json:"next"`
}

// ListEnrolledRequest lists the fingers stored for Username, or for the
// calling user when empty.
type ListEnrolledRequest struct {
	Username string `json:"username"`
}

// ListEnrolledResponse holds canonical finger names.
type ListEnrolledResponse struct {
	Username string   `json:"username"`
	Fingers  []string `json:"fingers"`
}

// DeleteEnrolledRequest deletes one template of the session owner, or all of
// them when Finger is empty.
type DeleteEnrolledRequest struct {
	Session string `json:"session"`
	Finger  string `json:"finger"`
}

// DeleteEnrolledResponse lists the fingers actually removed.
type DeleteEnrolledResponse struct {
	Deleted []string `json:"deleted"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// DeviceStatus is one registry row.
type DeviceStatus struct {
	Device    Device `json:"device"`
	Removed   bool   `json:"removed"`
	Session   string `json:"session,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Operation string `json:"operation,omitempty"`
	Phase     string `json:"phase"`
}

// StatusResponse represents daemon runtime information.
type StatusResponse struct {
	Running            bool           `json:"running"`
	PID                int            `json:"pid"`
	StartedAt          time.Time      `json:"started_at"`
	LockPath           string         `json:"lock_path"`
	SocketPath         string         `json:"socket_path"`
	Backend            string         `json:"backend"`
	Sessions           int            `json:"sessions"`
	LastActivity       time.Time      `json:"last_activity"`
	IdleTimeoutSeconds int            `json:"idle_timeout_seconds"`
	Hotplug            bool           `json:"hotplug"`
	Devices            []DeviceStatus `json:"devices"`
}

// ShutdownRequest asks the daemon to exit.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges the request.
type ShutdownResponse struct {
	Stopping bool `json:"stopping"`
}
