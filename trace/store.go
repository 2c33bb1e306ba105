package trace

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Schema for the sql_traces table, applied by Store.Init.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	op TEXT NOT NULL,
	query TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_ts ON sql_traces(timestamp);
CREATE INDEX IF NOT EXISTS idx_sql_traces_tid ON sql_traces(trace_id) WHERE trace_id != '';
CREATE INDEX IF NOT EXISTS idx_sql_traces_slow ON sql_traces(duration_us) WHERE duration_us > 100000;
`

// Store persists trace entries to SQLite in batches off the hot path.
// Its handle must use the plain "sqlite" driver, not "sqlite-trace",
// or every flush would trace itself.
type Store struct {
	db     *sql.DB
	ch     chan *Entry
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets a custom logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a trace store over db and starts its flush loop.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		ch:     make(chan *Entry, 1024),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.flushLoop()
	return s
}

// Init creates the sql_traces table.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync queues an entry without blocking; when the buffer is full
// the entry is dropped rather than backpressuring the traced statement.
func (s *Store) RecordAsync(e *Entry) {
	select {
	case s.ch <- e:
	default:
	}
}

// Close drains the buffer and stops the flush loop. Idempotent.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

// Slow returns the slowest traced statements taking at least minDur,
// slowest first, capped at limit (default 50).
func (s *Store) Slow(ctx context.Context, minDur time.Duration, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, op, query, duration_us, COALESCE(error, ''), timestamp
		FROM sql_traces
		WHERE duration_us >= ?
		ORDER BY duration_us DESC
		LIMIT ?`, minDur.Microseconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.Op, &e.Query, &e.DurationUs, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes traces older than keep and reports how many went.
func (s *Store) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).UnixMicro()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sql_traces WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*Entry, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("trace: begin flush tx", "error", err)
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO sql_traces (trace_id, op, query, duration_us, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		s.logger.Error("trace: prepare flush", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.TraceID, e.Op, e.Query, e.DurationUs, e.Error, e.Timestamp); err != nil {
			s.logger.Error("trace: insert", "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("trace: commit flush", "error", err)
	}
}
