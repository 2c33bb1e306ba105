// CLAUDE:SUMMARY Generic SQLite change watcher: poll a version query, debounce, run a reload action.
// Package watch provides a generic "poll SQLite, detect change, debounce,
// reload" loop. The shield stack uses it to hot-reload rate limit rules and
// the maintenance flag when another process edits the tables; any component
// that keeps in-memory state derived from a table can reuse it.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: 2 * time.Second})
//	go w.OnChange(ctx, func() error { return service.Reload() })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean "something changed". int64 maps naturally to
// PRAGMA data_version, PRAGMA user_version, or a fingerprint query.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// action fires. Further changes inside the window reset the timer.
	// 0 fires immediately. Default: 0.
	Debounce time.Duration
	// Detector overrides the default PragmaDataVersion detector.
	Detector ChangeDetector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a SQLite database for changes and runs an action when a
// change is detected. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	// version is the last version token whose action completed.
	version atomic.Int64

	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the last observed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval. When the
// detector reports a version change and the debounce window passes without
// further changes, action is called.
//
// If action returns an error the version is NOT advanced, so the action is
// retried on the next poll cycle.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	// Seed the initial version so a pre-existing state does not count as a
	// change. Callers prime their in-memory state before starting the loop.
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pendingVersion := int64(-1)

	log.Debug("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur != w.version.Load() && cur != pendingVersion {
				w.changes.Add(1)
				pendingVersion = cur

				if w.opts.Debounce <= 0 {
					w.fire(log, action, pendingVersion)
					pendingVersion = -1
				} else {
					// Restart the timer only when the pending version moved
					// again, not on every poll cycle.
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					log.Debug("watch: change detected, debouncing", "pending_version", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pendingVersion >= 0 {
				w.fire(log, action, pendingVersion)
				pendingVersion = -1
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.version.Store(ver)
	log.Info("watch: reload complete", "version", ver, "duration", elapsed)
}

// ---------- Built-in detectors ----------

// PragmaDataVersion uses PRAGMA data_version, which increments whenever
// another connection writes to the same database file. Only usable when the
// watched database sees no unrelated writes; a busy shared database needs a
// table-scoped QueryDetector instead.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PragmaUserVersion uses PRAGMA user_version, an application-controlled
// integer. Callers bump it explicitly after writes.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// QueryDetector builds a detector from any query returning a single int64:
// a MAX(updated_at), a COUNT, or a content fingerprint over the watched
// rows. The query runs once per poll, so keep it cheap.
func QueryDetector(query string) ChangeDetector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}
