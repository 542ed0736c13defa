// Package monitoring carries the process-wide diagnostic logger used by
// the link ingest paths. The serial and UDP loops log through Logf so a
// test (or an embedding program) can redirect or mute the noise without
// touching the global log package.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger, which silences the ingest paths entirely.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
