// CLAUDE:SUMMARY Per-IP, per-endpoint rate limiter backed by a SQLite rules table with hot reload and bucket GC.
package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint rule.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint rate limiting backed by a SQLite
// rate_limits table. Rule keys are "METHOD /path"; a key ending in "/" acts
// as a prefix rule so session and context lookups with IDs in the path can
// share one rule. Rules are reloaded periodically and expired buckets are
// garbage collected.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS rate_limits (
//	    endpoint TEXT PRIMARY KEY,
//	    max_requests INTEGER NOT NULL DEFAULT 60,
//	    window_seconds INTEGER NOT NULL DEFAULT 60,
//	    enabled INTEGER NOT NULL DEFAULT 1
//	);
type RateLimiter struct {
	db      *sql.DB
	rules   map[string]RateLimitConfig
	buckets sync.Map
	mu      sync.RWMutex
	exclude []string // path prefixes excluded from rate limiting
}

// NewRateLimiter creates a rate limiter that reads rules from the
// rate_limits table in db. Rule refresh and bucket GC run on the Stack's
// reloader lifecycle.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
	}
	rl.reload()
	return rl
}

// runGC drops expired buckets every five minutes until ctx is cancelled.
func (rl *RateLimiter) runGC(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.gc()
		}
	}
}

// Reload re-reads the rules immediately. Admin endpoints call it after
// editing the table so new rules apply without waiting for the poller.
func (rl *RateLimiter) Reload() {
	rl.reload()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()

	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := !b.resetAt.IsZero() && now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// rule finds the config for an endpoint: exact match first, then the
// longest matching prefix rule (keys ending in "/").
func (rl *RateLimiter) rule(endpoint string) (RateLimitConfig, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if cfg, ok := rl.rules[endpoint]; ok {
		return cfg, true
	}
	best := ""
	var bestCfg RateLimitConfig
	for key, cfg := range rl.rules {
		if strings.HasSuffix(key, "/") && strings.HasPrefix(endpoint, key) && len(key) > len(best) {
			best, bestCfg = key, cfg
		}
	}
	if best != "" {
		return bestCfg, true
	}
	return RateLimitConfig{}, false
}

// allow reports whether the request fits the rule, and when it does not,
// the number of seconds until the client's window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, int) {
	cfg, ok := rl.rule(endpoint)
	if !ok || !cfg.Enabled {
		return true, 0
	}

	key := ip + ":" + endpoint
	val, _ := rl.buckets.LoadOrStore(key, &bucket{})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.resetAt.IsZero() || now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(time.Duration(cfg.WindowSeconds) * time.Second)
		return true, 0
	}

	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	retry := int(b.resetAt.Sub(now).Seconds()) + 1
	return false, retry
}

// Middleware enforces rate limits and answers blocked requests with a JSON
// 429 carrying a Retry-After header. Excluded prefixes pass through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, retry := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint, "retry_after", retry)

		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
