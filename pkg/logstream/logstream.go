// Package logstream exposes the global structured-logging sink of spec.md
// §4.8 as part of the runtime's public programmatic API. The actual
// fan-out registry lives in internal/obslog (shared with every package's
// category logger); this package just re-exports it under the name the
// spec's programmatic API surface uses: addLogStreamCallback.
package logstream

import "github.com/agentworld/agentworld/internal/obslog"

// Record is one structured log line: {level, category, message, timestamp,
// data?, messageId?}.
type Record = obslog.Record

// Callback receives every log record produced anywhere in the process.
type Callback = obslog.Callback

// AddLogStreamCallback registers cb to receive every log record produced
// from now on. The returned unsubscribe func detaches it. UIs use this to
// surface runtime warnings/errors in real time without polling.
func AddLogStreamCallback(cb Callback) (unsubscribe func()) {
	return obslog.AddLogStreamCallback(cb)
}
