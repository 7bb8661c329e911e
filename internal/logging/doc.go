// Package logging builds the slog loggers used by the daemon and CLI.
//
// The console handler prints the component and reader as a line prefix
// ("session[virtual-0]: ...") and orders session, operation and finger
// fields ahead of the rest, with error, error_hint and impact last. The JSON
// handler writes the same attributes as flat keys. WarnWithContext and
// ErrorWithContext keep WARN and ERROR lines shaped alike, and connection
// and session identifiers travel on the context until WithContext attaches
// them.
package logging
