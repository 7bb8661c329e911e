// Package storage persists enrolled fingerprint templates keyed by
// (owner, finger).
//
// A Backend is chosen once at startup by Select: the built-in file backend,
// a module registered in-process (Register), or a Go plugin found in the
// configured plugin directory. Modules must provide all six entry points;
// an incomplete or failing module is discarded and selection falls back to
// the file backend unless the configuration asks to abort.
//
// Backends are safe for concurrent use. Templates are opaque bytes; a
// successful Save is durable and a later Load returns identical bytes.
package storage
