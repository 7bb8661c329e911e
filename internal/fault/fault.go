// Package fault defines the error taxonomy shared by storage, the session
// manager and the RPC transport.
//
// Every failure surfaced to a caller wraps exactly one of the sentinel
// markers below, so callers classify errors with errors.Is. The transport
// carries the marker name across the wire (see Encode and Decode).
package fault

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrNotFound            = errors.New("not found")
	ErrStorageRead         = errors.New("storage read failed")
	ErrStorageWrite        = errors.New("storage write failed")
	ErrAlreadyClaimed      = errors.New("device already claimed")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrNoActiveOperation   = errors.New("no active operation")
	ErrOperationInProgress = errors.New("operation in progress")
	ErrInvalidFinger       = errors.New("invalid finger")
	ErrWatchInstall        = errors.New("watch install failed")
	ErrClaimRequired       = errors.New("claim required")
	ErrNotSupported        = errors.New("not supported")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPermissionDenied    = errors.New("permission denied")
)

var names = []struct {
	name   string
	marker error
}{
	{"BackendUnavailable", ErrBackendUnavailable},
	{"NotFound", ErrNotFound},
	{"StorageReadError", ErrStorageRead},
	{"StorageWriteError", ErrStorageWrite},
	{"AlreadyClaimed", ErrAlreadyClaimed},
	{"DeviceUnavailable", ErrDeviceUnavailable},
	{"NoActiveOperation", ErrNoActiveOperation},
	{"OperationInProgress", ErrOperationInProgress},
	{"InvalidFinger", ErrInvalidFinger},
	{"WatchInstallFailure", ErrWatchInstall},
	{"ClaimRequired", ErrClaimRequired},
	{"NotSupported", ErrNotSupported},
	{"InvalidArgument", ErrInvalidArgument},
	{"PermissionDenied", ErrPermissionDenied},
}

// Wrap builds an error carrying component and operation context, tagged with
// marker for classification. A nil marker defaults to ErrDeviceUnavailable.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrDeviceUnavailable
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Name returns the taxonomy name of the first marker err wraps, or "" when
// err carries none.
func Name(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range names {
		if errors.Is(err, entry.marker) {
			return entry.name
		}
	}
	return ""
}

// Marker returns the sentinel registered under name.
func Marker(name string) (error, bool) {
	for _, entry := range names {
		if entry.name == name {
			return entry.marker, true
		}
	}
	return nil, false
}

// Encode renders err as "<Name>: <message>" for transports that only carry
// strings. Unclassified errors are returned as their plain message.
func Encode(err error) string {
	if err == nil {
		return ""
	}
	name := Name(err)
	if name == "" {
		return err.Error()
	}
	return name + ": " + err.Error()
}

// Decode reverses Encode. The returned error wraps the named marker when the
// prefix is recognised.
func Decode(message string) error {
	name, rest, ok := strings.Cut(message, ": ")
	if ok {
		if marker, known := Marker(name); known {
			return &remoteError{marker: marker, message: rest}
		}
	}
	return errors.New(message)
}

type remoteError struct {
	marker  error
	message string
}

func (e *remoteError) Error() string { return e.message }

func (e *remoteError) Unwrap() error { return e.marker }

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "fprintd failure"
	}
	return strings.Join(parts, ": ")
}
