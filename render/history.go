// CLAUDE:SUMMARY SQLite render history: session summaries persisted on eviction, retention cleanup.
package render

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS render_history (
	session_id       TEXT PRIMARY KEY,
	page_id          TEXT NOT NULL,
	widget_id        TEXT NOT NULL DEFAULT '',
	strategy         TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER NOT NULL DEFAULT 0,
	finished_at      INTEGER NOT NULL DEFAULT 0,
	estimated_chunks INTEGER NOT NULL DEFAULT 0,
	generated_chunks INTEGER NOT NULL DEFAULT 0,
	violations       INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	duration_ms      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_finished ON render_history(finished_at);
CREATE INDEX IF NOT EXISTS idx_history_page ON render_history(page_id);
`

// History persists session summaries after the sweep evicts them from memory,
// so terminal sessions stay queryable past the in-memory retention window.
// Wire Manager's OnEvict to Save.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

// HistoryOption adjusts a History.
type HistoryOption func(*History)

// WithHistoryLogger sets the slog logger.
func WithHistoryLogger(logger *slog.Logger) HistoryOption {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHistory wraps db and creates the render_history table. The caller owns
// db.
func NewHistory(db *sql.DB, opts ...HistoryOption) (*History, error) {
	h := &History{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("render: history schema: %w", err)
	}
	return h, nil
}

// Save upserts one session summary.
func (h *History) Save(ctx context.Context, snap SessionSnapshot) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO render_history (
			session_id, page_id, widget_id, strategy, status,
			created_at, started_at, finished_at,
			estimated_chunks, generated_chunks, violations, last_error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			generated_chunks = excluded.generated_chunks,
			violations = excluded.violations,
			last_error = excluded.last_error,
			duration_ms = excluded.duration_ms`,
		snap.ID, snap.PageID, snap.WidgetID, snap.Strategy, string(snap.Status),
		unixMilliOrZero(snap.CreatedAt), unixMilliOrZero(snap.StartedAt), unixMilliOrZero(snap.FinishedAt),
		snap.EstimatedChunks, snap.GeneratedChunks, snap.Violations, snap.LastError,
		snap.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("render: save history %s: %w", snap.ID, err)
	}
	return nil
}

// Record is an OnEvict adapter: it saves the snapshot with a short deadline
// and logs failures instead of returning them.
func (h *History) Record(snap SessionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Save(ctx, snap); err != nil {
		h.logger.Error("render: history save failed", "session_id", snap.ID, "error", err)
	}
}

// Session returns one stored summary. Missing sessions report
// ErrSessionNotFound.
func (h *History) Session(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT session_id, page_id, widget_id, strategy, status,
		       created_at, started_at, finished_at,
		       estimated_chunks, generated_chunks, violations, last_error, duration_ms
		FROM render_history WHERE session_id = ?`, sessionID)
	snap, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionSnapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionSnapshot{}, fmt.Errorf("render: load history %s: %w", sessionID, err)
	}
	return snap, nil
}

// Recent returns stored summaries, most recently finished first.
func (h *History) Recent(ctx context.Context, limit int) ([]SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT session_id, page_id, widget_id, strategy, status,
		       created_at, started_at, finished_at,
		       estimated_chunks, generated_chunks, violations, last_error, duration_ms
		FROM render_history ORDER BY finished_at DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("render: query history: %w", err)
	}
	defer rows.Close()

	var out []SessionSnapshot
	for rows.Next() {
		snap, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("render: scan history: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Cleanup deletes summaries whose sessions finished before the retention
// window. Returns the number removed.
func (h *History) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM render_history WHERE finished_at > 0 AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("render: history cleanup: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (SessionSnapshot, error) {
	var (
		snap       SessionSnapshot
		status     string
		createdMs  int64
		startedMs  int64
		finishMs   int64
		durationMs int64
	)
	err := row.Scan(
		&snap.ID, &snap.PageID, &snap.WidgetID, &snap.Strategy, &status,
		&createdMs, &startedMs, &finishMs,
		&snap.EstimatedChunks, &snap.GeneratedChunks, &snap.Violations, &snap.LastError,
		&durationMs,
	)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap.Status = Status(status)
	snap.CreatedAt = timeFromMilli(createdMs)
	snap.StartedAt = timeFromMilli(startedMs)
	snap.FinishedAt = timeFromMilli(finishMs)
	snap.Elapsed = time.Duration(durationMs) * time.Millisecond

	if snap.Status == StatusCompleted {
		snap.Progress = 100
	} else if snap.EstimatedChunks > 0 {
		snap.Progress = float64(snap.GeneratedChunks) / float64(snap.EstimatedChunks) * 100
		if snap.Progress > 100 {
			snap.Progress = 100
		}
	}
	return snap, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
