// Package shield provides the HTTP middleware stack for the esquisse
// delivery API: security headers, per-endpoint rate limiting, request body
// caps, request tracing, maintenance mode, and HEAD method handling.
//
// Usage:
//
//	st := shield.NewStack(db)
//	st.StartReloaders(ctx)
//	r := chi.NewRouter()
//	for _, mw := range st.Middleware() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/hazyhaar/esquisse/watch"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Stack bundles the standard esquisse middleware chain with the handles
// that need lifecycle management (rule reloading, maintenance flag polling).
type Stack struct {
	Maintenance *Maintenance
	RateLimiter *RateLimiter

	db *sql.DB
}

// NewStack builds the default middleware stack, reading rate limit rules and
// the maintenance flag from db. Health checks (/healthz) bypass both.
func NewStack(db *sql.DB) *Stack {
	return &Stack{
		Maintenance: NewMaintenance(db, "/healthz"),
		RateLimiter: NewRateLimiter(db, "/healthz"),
		db:          db,
	}
}

// Middleware returns the chain in application order: maintenance gate, HEAD
// rewrite, security headers, body cap, tracing, rate limiting.
func (s *Stack) Middleware() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		s.Maintenance.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
		s.RateLimiter.Middleware,
	}
}

// Fingerprint queries for the table watchers. PRAGMA data_version cannot be
// used here: the shield tables share the database with the audit trail and
// the metrics store, which write constantly. The /*poll*/ marker keeps the
// sqlite-trace driver from recording these every few seconds.
const (
	maintenanceFingerprint = `/*poll*/ SELECT COALESCE((SELECT active + length(message) * 31 FROM maintenance WHERE id = 1), -1)`
	rateLimitFingerprint   = `/*poll*/ SELECT COALESCE(SUM(length(endpoint) * 1000003 + max_requests * 8191 + window_seconds * 127 + enabled + 7), 0) FROM rate_limits`
)

// StartReloaders primes both modules from the database, then hot-reloads
// them when their tables change. Admin endpoints in this process call
// Reload directly; the watchers cover edits from other processes. Bucket GC
// for the rate limiter runs on the same lifecycle. Everything stops when
// ctx is cancelled.
func (s *Stack) StartReloaders(ctx context.Context) {
	s.Maintenance.Reload()
	s.RateLimiter.Reload()

	go watch.New(s.db, watch.Options{
		Interval: 2 * time.Second,
		Detector: watch.QueryDetector(maintenanceFingerprint),
	}).OnChange(ctx, func() error {
		s.Maintenance.Reload()
		return nil
	})

	go watch.New(s.db, watch.Options{
		Interval: 5 * time.Second,
		Debounce: time.Second,
		Detector: watch.QueryDetector(rateLimitFingerprint),
	}).OnChange(ctx, func() error {
		s.RateLimiter.Reload()
		return nil
	})

	go s.RateLimiter.runGC(ctx)
}
