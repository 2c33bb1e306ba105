// CLAUDE:SUMMARY SQLite fragment cache with hash-based write skipping and expiry cleanup.

package fragcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fragments (
	page_id     TEXT NOT NULL,
	widget_id   TEXT NOT NULL,
	content     BLOB NOT NULL,
	hash        TEXT NOT NULL,
	rendered_at INTEGER NOT NULL,
	expires_at  INTEGER,
	PRIMARY KEY (page_id, widget_id)
);
CREATE INDEX IF NOT EXISTS idx_fragments_expiry ON fragments(expires_at);
`

// SQLite is a durable fragment cache. Safe for concurrent use; the usual
// WAL-mode single-writer rules apply to the underlying handle.
type SQLite struct {
	db         *sql.DB
	logger     *slog.Logger
	clock      tick.Clock
	defaultTTL time.Duration
}

// SQLiteOption tunes a SQLite cache.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets the logger. Defaults to slog.Default().
func WithSQLiteLogger(l *slog.Logger) SQLiteOption { return func(s *SQLite) { s.logger = l } }

// WithSQLiteClock sets the time source, for tests.
func WithSQLiteClock(c tick.Clock) SQLiteOption { return func(s *SQLite) { s.clock = c } }

// WithSQLiteTTL applies a default expiry to fragments stored without one.
func WithSQLiteTTL(d time.Duration) SQLiteOption { return func(s *SQLite) { s.defaultTTL = d } }

// NewSQLite initializes the fragment schema on db and returns the cache.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{
		db:     db,
		logger: slog.Default(),
		clock:  tick.System{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("fragcache: init schema: %w", err)
	}
	return s, nil
}

// Get returns the fragment for page/widget. Expired rows report a miss and
// stay on disk until Cleanup.
func (s *SQLite) Get(ctx context.Context, pageID, widgetID string) (Fragment, bool, error) {
	frag := Fragment{PageID: pageID, WidgetID: widgetID}
	var rendered int64
	var expires sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT content, hash, rendered_at, expires_at
		FROM fragments WHERE page_id = ? AND widget_id = ?`,
		pageID, widgetID).Scan(&frag.Content, &frag.Hash, &rendered, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Fragment{}, false, nil
	}
	if err != nil {
		return Fragment{}, false, fmt.Errorf("fragcache: get %s/%s: %w", pageID, widgetID, err)
	}
	frag.RenderedAt = time.UnixMilli(rendered).UTC()
	if expires.Valid {
		frag.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	if frag.expired(s.clock.Now()) {
		return Fragment{}, false, nil
	}
	return frag, true, nil
}

// Put stores a fragment. When the stored hash already matches, only the
// timestamps move, sparing the blob write.
func (s *SQLite) Put(ctx context.Context, frag Fragment) error {
	if frag.PageID == "" {
		return fmt.Errorf("%w: page id required", ErrInvalidFragment)
	}
	now := s.clock.Now()
	if frag.RenderedAt.IsZero() {
		frag.RenderedAt = now
	}
	if frag.ExpiresAt.IsZero() && s.defaultTTL > 0 {
		frag.ExpiresAt = now.Add(s.defaultTTL)
	}
	frag.Hash = contentHash(frag.Content)

	var expires sql.NullInt64
	if !frag.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: frag.ExpiresAt.UnixMilli(), Valid: true}
	}

	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash FROM fragments WHERE page_id = ? AND widget_id = ?`,
		frag.PageID, frag.WidgetID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO fragments (page_id, widget_id, content, hash, rendered_at, expires_at)
			VALUES (?,?,?,?,?,?)`,
			frag.PageID, frag.WidgetID, frag.Content, frag.Hash,
			frag.RenderedAt.UnixMilli(), expires)
	case err != nil:
		return fmt.Errorf("fragcache: put %s/%s: %w", frag.PageID, frag.WidgetID, err)
	case existing == frag.Hash:
		_, err = s.db.ExecContext(ctx, `
			UPDATE fragments SET rendered_at = ?, expires_at = ?
			WHERE page_id = ? AND widget_id = ?`,
			frag.RenderedAt.UnixMilli(), expires, frag.PageID, frag.WidgetID)
	default:
		_, err = s.db.ExecContext(ctx, `
			UPDATE fragments SET content = ?, hash = ?, rendered_at = ?, expires_at = ?
			WHERE page_id = ? AND widget_id = ?`,
			frag.Content, frag.Hash, frag.RenderedAt.UnixMilli(), expires,
			frag.PageID, frag.WidgetID)
	}
	if err != nil {
		return fmt.Errorf("fragcache: put %s/%s: %w", frag.PageID, frag.WidgetID, err)
	}
	return nil
}

// Delete removes one fragment.
func (s *SQLite) Delete(ctx context.Context, pageID, widgetID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE page_id = ? AND widget_id = ?`, pageID, widgetID)
	if err != nil {
		return fmt.Errorf("fragcache: delete %s/%s: %w", pageID, widgetID, err)
	}
	return nil
}

// PurgePage removes every fragment of a page.
func (s *SQLite) PurgePage(ctx context.Context, pageID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, fmt.Errorf("fragcache: purge %s: %w", pageID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Cleanup removes fragments past their expiry. Returns rows removed.
func (s *SQLite) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fragments WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("fragcache: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Cached serves the render fallback path.
func (s *SQLite) Cached(ctx context.Context, pageID, widgetID string) ([]byte, bool, error) {
	frag, ok, err := s.Get(ctx, pageID, widgetID)
	if err != nil || !ok {
		return nil, false, err
	}
	return frag.Content, true, nil
}

// GetCached serves the safety recovery path with the page snapshot. The
// contract has no error channel, so read failures log and report a miss.
func (s *SQLite) GetCached(ctx context.Context, pageID string) (string, bool) {
	frag, ok, err := s.Get(ctx, pageID, "")
	if err != nil {
		s.logger.Warn("fragcache: snapshot read failed", "page", pageID, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(frag.Content), true
}

var _ Cache = (*SQLite)(nil)
