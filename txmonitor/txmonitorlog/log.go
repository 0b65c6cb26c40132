// Package txmonitorlog holds the package-level subsystem logger shared by
// every txmonitor package, following the same UseLogger/DisableLog pattern
// channeldb and chainntnfs use in the teacher codebase: library code never
// configures its own logging backend, it only ever writes through a
// btclog.Logger that the embedding application installs.
package txmonitorlog

import "github.com/btcsuite/btclog"

// Subsystem is the four-letter subsystem tag used when the embedding
// application registers this package with its backend logger, mirroring
// daemon/log.go's per-subsystem tags (e.g. "CHDB", "NTFN").
const Subsystem = "TXMN"

// log is the package-wide logger. Disabled by default so that importing
// this module without calling UseLogger produces no output, the same
// default every teacher subsystem logger starts from.
var log = btclog.Disabled

// UseLogger installs logger as the package-wide logger used by every
// txmonitor subpackage. Call this once during application startup, before
// any monitor operation runs.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Log returns the currently installed logger. The other txmonitor packages
// call it at each log site rather than holding their own logger.
func Log() btclog.Logger {
	return log
}

// logClosure defers formatting of expensive log arguments until the
// message is actually going to be emitted, following daemon/log.go's
// logClosure idiom.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

// NewLogClosure wraps fn as a fmt.Stringer, suitable for passing to
// log.Debugf/log.Tracef as a %v argument that's only evaluated when that
// log level is enabled.
func NewLogClosure(fn func() string) logClosure {
	return logClosure(fn)
}
