package perfmon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	component   TEXT NOT NULL,
	metric      TEXT NOT NULL,
	value       REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_metric
	ON metric_samples(component, metric, recorded_at);

CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	component    TEXT NOT NULL,
	metric       TEXT NOT NULL,
	severity     TEXT NOT NULL,
	value        REAL NOT NULL,
	threshold    REAL NOT NULL,
	message      TEXT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 1,
	resolved     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	resolved_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved, component);
`

type bufferedSample struct {
	component string
	metric    string
	value     float64
	at        time.Time
}

// StoredSample is one persisted metric sample.
type StoredSample struct {
	Component string    `json:"component"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	At        time.Time `json:"at"`
}

// Store persists metric samples and alert history to SQLite. Samples are
// buffered and written in batches; a full buffer flushes inline and the
// monitor's run loop flushes the remainder on its poll tick. Alert writes
// go straight through since breaches are rare next to samples.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int

	mu     sync.Mutex
	buffer []bufferedSample
}

// StoreOption tunes a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger. Defaults to slog.Default().
func WithStoreLogger(l *slog.Logger) StoreOption { return func(s *Store) { s.logger = l } }

// WithBatchSize sets the sample buffer size that triggers an inline flush.
func WithBatchSize(n int) StoreOption { return func(s *Store) { s.batchSize = n } }

// NewStore initializes the schema on db and returns a Store.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{
		db:        db,
		logger:    slog.Default(),
		batchSize: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batchSize <= 0 {
		s.batchSize = 64
	}
	s.buffer = make([]bufferedSample, 0, s.batchSize)
	if _, err := db.Exec(storeSchema); err != nil {
		return nil, fmt.Errorf("perfmon store: init schema: %w", err)
	}
	return s, nil
}

// SaveSample queues one sample for batch persistence. Non-blocking apart
// from an inline flush when the buffer fills.
func (s *Store) SaveSample(component, metric string, value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, bufferedSample{component, metric, value, at})
	if len(s.buffer) >= s.batchSize {
		s.flushLocked(context.Background())
	}
}

// Flush writes all buffered samples.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("perfmon store: begin tx", "error", err)
		return fmt.Errorf("perfmon store: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metric_samples (component, metric, value, recorded_at) VALUES (?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		s.logger.Error("perfmon store: prepare", "error", err)
		return fmt.Errorf("perfmon store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range s.buffer {
		if _, err := stmt.ExecContext(ctx, b.component, b.metric, b.value, b.at.UnixMilli()); err != nil {
			s.logger.Error("perfmon store: insert sample", "error", err,
				"component", b.component, "metric", b.metric)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("perfmon store: commit", "error", err)
		return fmt.Errorf("perfmon store: commit: %w", err)
	}
	s.buffer = s.buffer[:0]
	return nil
}

// SaveAlert inserts or updates an alert row.
func (s *Store) SaveAlert(a Alert) {
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, component, metric, severity, value, threshold, message, count, resolved, created_at, last_seen_at)
		VALUES (?,?,?,?,?,?,?,?,0,?,?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			value = excluded.value,
			threshold = excluded.threshold,
			message = excluded.message,
			count = excluded.count,
			last_seen_at = excluded.last_seen_at`,
		a.ID, a.Component, a.Metric, a.Severity, a.Value, a.Threshold,
		a.Message, a.Count, a.CreatedAt.UnixMilli(), a.LastSeenAt.UnixMilli())
	if err != nil {
		s.logger.Error("perfmon store: save alert", "error", err, "alert", a.ID)
	}
}

// MarkResolved flags an alert row resolved.
func (s *Store) MarkResolved(id string, at time.Time) {
	_, err := s.db.Exec(`UPDATE alerts SET resolved = 1, resolved_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		s.logger.Error("perfmon store: mark resolved", "error", err, "alert", id)
	}
}

// Samples retrieves persisted samples, newest first. Empty component or
// metric leaves that filter off; a zero since means unbounded.
func (s *Store) Samples(ctx context.Context, component, metric string, since time.Time, limit int) ([]StoredSample, error) {
	q := `SELECT component, metric, value, recorded_at FROM metric_samples WHERE 1=1`
	args := make([]any, 0, 4)
	if component != "" {
		q += ` AND component = ?`
		args = append(args, component)
	}
	if metric != "" {
		q += ` AND metric = ?`
		args = append(args, metric)
	}
	if !since.IsZero() {
		q += ` AND recorded_at >= ?`
		args = append(args, since.UnixMilli())
	}
	q += ` ORDER BY recorded_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("perfmon store: query samples: %w", err)
	}
	defer rows.Close()

	var out []StoredSample
	for rows.Next() {
		var sm StoredSample
		var at int64
		if err := rows.Scan(&sm.Component, &sm.Metric, &sm.Value, &at); err != nil {
			return nil, fmt.Errorf("perfmon store: scan sample: %w", err)
		}
		sm.At = time.UnixMilli(at).UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}

// AlertHistory retrieves persisted alerts, newest first.
func (s *Store) AlertHistory(ctx context.Context, limit int) ([]Alert, error) {
	q := `SELECT id, component, metric, severity, value, threshold, message, count, resolved, created_at, last_seen_at, resolved_at
		FROM alerts ORDER BY created_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("perfmon store: query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var resolved int
		var created, seen int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Component, &a.Metric, &a.Severity, &a.Value,
			&a.Threshold, &a.Message, &a.Count, &resolved, &created, &seen, &resolvedAt); err != nil {
			return nil, fmt.Errorf("perfmon store: scan alert: %w", err)
		}
		a.Resolved = resolved != 0
		a.CreatedAt = time.UnixMilli(created).UTC()
		a.LastSeenAt = time.UnixMilli(seen).UTC()
		if resolvedAt.Valid {
			a.ResolvedAt = time.UnixMilli(resolvedAt.Int64).UTC()
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Cleanup deletes samples older than retention and resolved alerts whose
// resolution is older than retention. Returns rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	threshold := now.Add(-retention).UnixMilli()
	var removed int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE recorded_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("perfmon store: cleanup samples: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n
	res, err = s.db.ExecContext(ctx, `DELETE FROM alerts WHERE resolved = 1 AND resolved_at < ?`, threshold)
	if err != nil {
		return removed, fmt.Errorf("perfmon store: cleanup alerts: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n
	return removed, nil
}

// Close flushes buffered samples. The caller owns the db handle.
func (s *Store) Close() error {
	return s.Flush(context.Background())
}
