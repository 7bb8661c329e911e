// Package daemon coordinates the long-running fprintd process.
//
// It wires the device library, the storage backend and the session manager
// onto a single host loop, takes a flock-based lock to prevent multiple
// instances, watches udev for unplugged readers and exits after a period
// without clients when an idle timeout is configured.
package daemon
