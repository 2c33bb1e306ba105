// CLAUDE:SUMMARY SQLite-flagged maintenance gate answering 503 JSON with Retry-After while delivery is paused.
package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

const defaultMaintenanceMessage = "service temporarily unavailable for maintenance"

// Maintenance provides a middleware that answers 503 Service Unavailable
// while delivery is paused, for example during template pack or profile
// bundle rollouts. The flag is stored in a SQLite table and cached in
// memory.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS maintenance (
//	    id INTEGER PRIMARY KEY CHECK (id = 1),
//	    active INTEGER NOT NULL DEFAULT 0,
//	    message TEXT NOT NULL DEFAULT 'service temporarily unavailable for maintenance'
//	);
//
// Only one row (id=1) is expected. If the table does not exist or is empty,
// maintenance mode is off.
type Maintenance struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass the gate (e.g. /healthz)
}

// NewMaintenance creates a maintenance gate. Paths matching any of
// excludePrefixes are never blocked (health checks, readiness probes).
func NewMaintenance(db *sql.DB, excludePrefixes ...string) *Maintenance {
	m := &Maintenance{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store(defaultMaintenanceMessage)
	m.reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *Maintenance) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *Maintenance) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Reload re-reads the flag immediately. Admin endpoints call it after
// flipping the table row so the gate reacts without waiting for the poller.
func (m *Maintenance) Reload() {
	m.reload()
}

func (m *Maintenance) reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		// Table missing or empty means maintenance off (normal state).
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}

	if active == 1 && !was {
		slog.Warn("maintenance: delivery paused", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: delivery resumed")
	}
}

// Middleware blocks requests with a 503 JSON response while maintenance is
// active. Excluded prefixes pass through.
func (m *Maintenance) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}

		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error": m.Message(),
		})
	})
}
