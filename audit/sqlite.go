// CLAUDE:SUMMARY Async SQLite audit logger: buffered channel, batch flush loop, filtered queries.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	component     TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	page_id       TEXT NOT NULL DEFAULT '',
	transport     TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component, action);
`

const (
	defaultBufferSize    = 256
	defaultBatchSize     = 32
	defaultFlushInterval = 5 * time.Second
)

// SQLiteLogger persists entries to an audit_log table. LogAsync hands entries
// to a flush goroutine; when the buffer is full it falls back to a synchronous
// insert rather than dropping the entry.
type SQLiteLogger struct {
	db     *sql.DB
	logger *slog.Logger
	clock  tick.Clock
	newID  idgen.Generator
	batch  int
	every  time.Duration

	ch       chan *Entry
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	closing  sync.Once

	fallbacks atomic.Int64
}

// LoggerOption adjusts a SQLiteLogger.
type LoggerOption func(*SQLiteLogger)

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(gen idgen.Generator) LoggerOption {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) LoggerOption {
	return func(l *SQLiteLogger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the time source for default timestamps.
func WithClock(c tick.Clock) LoggerOption {
	return func(l *SQLiteLogger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithBufferSize sets the async channel capacity.
func WithBufferSize(n int) LoggerOption {
	return func(l *SQLiteLogger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// WithBatchSize sets how many buffered entries trigger an early flush.
func WithBatchSize(n int) LoggerOption {
	return func(l *SQLiteLogger) {
		if n > 0 {
			l.batch = n
		}
	}
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) LoggerOption {
	return func(l *SQLiteLogger) {
		if d > 0 {
			l.every = d
		}
	}
}

// NewSQLiteLogger wraps db and starts the flush goroutine. The caller owns db.
// Call Init before logging to create the table.
func NewSQLiteLogger(db *sql.DB, opts ...LoggerOption) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		logger: slog.Default(),
		clock:  tick.System{},
		newID:  idgen.Prefixed("au_", idgen.Default),
		batch:  defaultBatchSize,
		every:  defaultFlushInterval,

		ch:       make(chan *Entry, defaultBufferSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table and indexes.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log inserts one entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, []*Entry{e})
}

// LogAsync queues the entry for the flush goroutine. When the buffer is full
// it falls back to a synchronous insert so no entry is lost.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.fallbacks.Add(1)
		l.logger.Warn("audit: buffer full, falling back to sync insert", "action", e.Action)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.insert(ctx, []*Entry{e}); err != nil {
			l.logger.Error("audit: sync fallback failed", "action", e.Action, "error", err)
		}
	}
}

// Flush drains queued entries to the database and returns once they are
// committed.
func (l *SQLiteLogger) Flush() {
	ack := make(chan struct{})
	select {
	case l.flushReq <- ack:
		<-ack
	case <-l.done:
	}
}

// Close stops the flush goroutine after draining the buffer. Safe to call
// more than once.
func (l *SQLiteLogger) Close() {
	l.closing.Do(func() { close(l.stop) })
	<-l.done
}

// Fallbacks reports how often LogAsync had to insert synchronously.
func (l *SQLiteLogger) Fallbacks() int64 { return l.fallbacks.Load() }

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.clock.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()

	buf := make([]*Entry, 0, l.batch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.insert(ctx, buf); err != nil {
			l.logger.Error("audit: batch insert failed", "entries", len(buf), "error", err)
		}
		cancel()
		buf = buf[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-l.ch:
				buf = append(buf, e)
				if len(buf) >= l.batch {
					flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-l.ch:
			buf = append(buf, e)
			if len(buf) >= l.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-l.flushReq:
			drain()
			flush()
			close(ack)
		case <-l.stop:
			drain()
			flush()
			return
		}
	}
}

func (l *SQLiteLogger) insert(ctx context.Context, entries []*Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (
			entry_id, timestamp, component, action, actor, session_id, page_id,
			transport, request_id, parameters, result, status, error_message, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.EntryID, e.Timestamp, e.Component, e.Action, e.Actor, e.SessionID, e.PageID,
			e.Transport, e.RequestID, e.Parameters, e.Result, e.Status, e.Error, e.DurationMs,
		); err != nil {
			return fmt.Errorf("audit: insert entry %s: %w", e.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// Filter narrows Query results. Zero fields are ignored.
type Filter struct {
	Component string
	Action    string
	Actor     string
	Status    string
	SessionID string
	Since     time.Time
	Until     time.Time

	// OrderBy must be one of timestamp, duration_ms, component, status.
	// Defaults to timestamp.
	OrderBy  string
	OrderDir string // ASC | DESC, defaults to DESC
	Limit    int    // defaults to 100
	Offset   int
}

var orderableColumns = map[string]bool{
	"timestamp":   true,
	"duration_ms": true,
	"component":   true,
	"status":      true,
}

// Query returns stored entries matching the filter, newest first by default.
// Entries still queued for flushing are not visible; call Flush first when
// that matters.
func (l *SQLiteLogger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT entry_id, timestamp, component, action, actor, session_id, page_id,
		       transport, request_id, parameters, result, status, error_message, duration_ms
		FROM audit_log WHERE 1=1`)
	args := []any{}

	if f.Component != "" {
		sb.WriteString(" AND component = ?")
		args = append(args, f.Component)
	}
	if f.Action != "" {
		sb.WriteString(" AND action = ?")
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		sb.WriteString(" AND actor = ?")
		args = append(args, f.Actor)
	}
	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = "timestamp"
	}
	if !orderableColumns[orderBy] {
		return nil, fmt.Errorf("audit: invalid order column %q", orderBy)
	}
	dir := strings.ToUpper(f.OrderDir)
	switch dir {
	case "":
		dir = "DESC"
	case "ASC", "DESC":
	default:
		return nil, fmt.Errorf("audit: invalid order direction %q", f.OrderDir)
	}
	fmt.Fprintf(&sb, " ORDER BY %s %s", orderBy, dir)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(
			&e.EntryID, &e.Timestamp, &e.Component, &e.Action, &e.Actor, &e.SessionID, &e.PageID,
			&e.Transport, &e.RequestID, &e.Parameters, &e.Result, &e.Status, &e.Error, &e.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than the retention window. Returns the number
// removed.
func (l *SQLiteLogger) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

var _ Logger = (*SQLiteLogger)(nil)
