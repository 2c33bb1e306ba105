// Package trace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver wrapping the plain "sqlite" driver,
// intercepting every Exec and Query at the database/sql/driver level. No
// call sites change; only the driver name does:
//
//	traceDB, _ := dbopen.Open("traces.db")
//	store, _ := trace.NewStore(traceDB)
//	trace.SetStore(store)
//
//	db, _ := dbopen.Open("esquisse.db", dbopen.WithDriver("sqlite-trace"))
//
// The store must sit on a plain "sqlite" handle or its own writes would be
// traced recursively. Without a store the driver still logs every query
// through slog with adaptive levels (Debug, Warn above 100ms, Error on
// failure), carrying the request's trace ID from the context.
package trace

import (
	"database/sql"
	"sync"

	sqlite "modernc.org/sqlite"
)

// PollMarker prefixes queries issued by background pollers. The driver
// drops fast successful marked queries instead of tracing the same
// fingerprint poll thousands of times a day.
const PollMarker = "/*poll*/"

// Entry is one traced statement.
type Entry struct {
	TraceID    string `json:"trace_id,omitempty"`
	Op         string `json:"op"`
	Query      string `json:"query"`
	DurationUs int64  `json:"duration_us"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix microseconds
}

// Recorder receives traced statements for persistence.
type Recorder interface {
	RecordAsync(e *Entry)
	Close() error
}

var (
	globalStore Recorder
	storeMu     sync.RWMutex
)

// SetStore installs the recorder traced statements are persisted to.
// Pass nil for slog-only tracing.
func SetStore(r Recorder) {
	storeMu.Lock()
	globalStore = r
	storeMu.Unlock()
}

func getStore() Recorder {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return globalStore
}

func init() {
	sql.Register("sqlite-trace", &Driver{inner: &sqlite.Driver{}})
}
