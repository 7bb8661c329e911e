// Package session owns the device registry, the exclusive claims clients hold
// on readers, and the enroll/verify/identify operation state machine.
//
// All state lives on the event loop's dispatcher goroutine. Exported Manager
// methods are safe to call from transport goroutines: they marshal onto the
// dispatcher with Dispatcher.Call or Dispatcher.Await and never touch state
// directly. Device library callbacks arrive on the dispatcher and are matched
// to their operation by generation number, so a callback for an operation
// that was already stopped is discarded.
package session
