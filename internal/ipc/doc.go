// Package ipc exposes the session manager over JSON-RPC on a Unix domain
// socket and ships the matching client used by the CLI.
//
// Every accepted connection gets its own RPC service instance, so the
// connection identity and the peer's credentials are known to each call.
// When a connection ends, every session it claimed is released.
//
// Errors cross the wire as "<Name>: <message>" strings (see fault.Encode);
// the client turns them back into errors matching the fault sentinels.
package ipc
