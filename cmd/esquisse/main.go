// CLAUDE:SUMMARY Entry point for the esquisse delivery service: chi router, shield stack, admin endpoints, optional MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/esquisse/audit"
	"github.com/hazyhaar/esquisse/dbopen"
	"github.com/hazyhaar/esquisse/domvis"
	"github.com/hazyhaar/esquisse/export"
	"github.com/hazyhaar/esquisse/fragcache"
	"github.com/hazyhaar/esquisse/guard"
	"github.com/hazyhaar/esquisse/hub"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/kit"
	"github.com/hazyhaar/esquisse/perfmon"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/shield"
	"github.com/hazyhaar/esquisse/skeleton"
	"github.com/hazyhaar/esquisse/stream"
	"github.com/hazyhaar/esquisse/trace"
)

func main() {
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		slog.Error("ADMIN_PASSWORD is required")
		os.Exit(1)
	}

	// Config file first, env overrides second.
	cfg := &Config{}
	if path := os.Getenv("ESQUISSE_CONFIG"); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			slog.Error("config file", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Addr = ":" + v
	}
	if v := os.Getenv("ESQUISSE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SPILL_DIR"); v != "" {
		cfg.SpillDir = v
	}
	if v := os.Getenv("PROFILES_PATH"); v != "" {
		cfg.ProfilesPath = v
	}
	if v := os.Getenv("TEMPLATES_PATH"); v != "" {
		cfg.TemplatesPath = v
	}
	if v := os.Getenv("OBSERVE_URL"); v != "" {
		cfg.ObserveURL = v
	}
	if v := os.Getenv("ALERT_WEBHOOK"); v != "" {
		cfg.AlertWebhook = v
	}
	cfg.defaults()

	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging. When MCP runs on stdio the protocol owns stdout, so logs
	// move to stderr.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := os.Stdout
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// SQL_TRACE=1 routes the main database through the tracing driver.
	// The traces live in their own file so the store's writes are not
	// traced in turn.
	openOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	var traceStore *trace.Store
	if env("SQL_TRACE", "") == "1" {
		tracePath := cfg.DBPath + ".traces"
		traceDB, err := dbopen.Open(tracePath, dbopen.WithMkdirAll())
		if err != nil {
			slog.Error("open trace db", "path", tracePath, "error", err)
			os.Exit(1)
		}
		defer traceDB.Close()
		traceStore = trace.NewStore(traceDB, trace.WithStoreLogger(logger))
		if err := traceStore.Init(); err != nil {
			slog.Error("trace store init", "error", err)
			os.Exit(1)
		}
		if n, err := traceStore.Prune(ctx, 7*24*time.Hour); err == nil && n > 0 {
			slog.Info("pruned old sql traces", "rows", n)
		}
		trace.SetStore(traceStore)
		defer traceStore.Close()
		openOpts = append(openOpts, dbopen.WithDriver("sqlite-trace"))
		slog.Info("sql tracing enabled", "trace_db", tracePath)
	}

	// One SQLite database carries audit, history, metrics, fragments, and
	// the shield tables.
	db, err := dbopen.Open(cfg.DBPath, openOpts...)
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := shield.Init(db); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}

	auditLogger := audit.NewSQLiteLogger(db)
	if err := auditLogger.Init(); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	cache, err := fragcache.NewSQLite(db, fragcache.WithSQLiteLogger(logger))
	if err != nil {
		slog.Error("fragment cache", "error", err)
		os.Exit(1)
	}

	history, err := render.NewHistory(db, render.WithHistoryLogger(logger))
	if err != nil {
		slog.Error("render history", "error", err)
		os.Exit(1)
	}

	store, err := perfmon.NewStore(db, perfmon.WithStoreLogger(logger))
	if err != nil {
		slog.Error("metrics store", "error", err)
		os.Exit(1)
	}

	// Skeleton template pack loads before construction; the generator's
	// template set is fixed at startup.
	if cfg.TemplatesPath != "" {
		tpls, err := skeleton.LoadTemplateFile(cfg.TemplatesPath)
		if err != nil {
			slog.Error("load templates", "path", cfg.TemplatesPath, "error", err)
			os.Exit(1)
		}
		cfg.Hub.Skeleton.Templates = append(cfg.Hub.Skeleton.Templates, tpls...)
		slog.Info("skeleton templates loaded", "count", len(tpls))
	}

	if cfg.Hub.Stream.SpillDir == "" {
		cfg.Hub.Stream.SpillDir = cfg.SpillDir
	}
	cfg.Hub.Logger = logger

	opts := []hub.ServiceOption{
		hub.WithCache(cache),
		hub.WithHistory(history),
		hub.WithExporter(export.New(export.Config{Logger: logger})),
		hub.WithAudit(auditLogger),
		hub.WithStore(store),
	}
	// Alerts go through a durable outbox so a webhook outage or a restart
	// cannot lose them. The URL is refused outright when it points inside
	// the network: the daemon must not POST alert payloads at itself or at
	// neighbouring services.
	if cfg.AlertWebhook != "" {
		if err := guard.URL(cfg.AlertWebhook); err != nil {
			slog.Error("alert webhook rejected", "url", cfg.AlertWebhook, "error", err)
			os.Exit(1)
		}
		sink := perfmon.NewWebhookSink(cfg.AlertWebhook, perfmon.WithWebhookLogger(logger))
		outbox, err := perfmon.NewOutbox(db, sink, perfmon.WithOutboxLogger(logger))
		if err != nil {
			slog.Error("alert outbox", "error", err)
			os.Exit(1)
		}
		go outbox.Run(ctx)
		opts = append(opts, hub.WithAlertSink(outbox))
	}

	// Optional browser observer against a canary page. Failure to attach
	// degrades hydration to client signals only.
	if cfg.ObserveURL != "" {
		prov := domvis.New(domvis.Config{Logger: logger})
		if err := prov.Start(ctx, cfg.ObserveURL); err != nil {
			slog.Warn("browser observer unavailable", "url", cfg.ObserveURL, "error", err)
		} else {
			defer prov.Close()
			opts = append(opts, hub.WithVisibility(prov), hub.WithIdle(prov))
			slog.Info("browser observer attached", "url", cfg.ObserveURL)
		}
	}

	svc, err := hub.New(cfg.Hub, opts...)
	if err != nil {
		slog.Error("hub service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if cfg.ProfilesPath != "" {
		n, err := svc.Monitor().LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			slog.Error("load profiles", "path", cfg.ProfilesPath, "error", err)
			os.Exit(1)
		}
		slog.Info("performance profiles loaded", "count", n)
	}

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		go serveMCPStdio(ctx, svc, logger)
	}

	// Background loops.
	go svc.Run(ctx)

	// Admin credential. Hashed once; every admin request compares against
	// the hash.
	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("admin hash", "error", err)
		os.Exit(1)
	}

	// Middleware stack.
	st := shield.NewStack(db)
	st.StartReloaders(ctx)

	r := chi.NewRouter()
	for _, mw := range st.Middleware() {
		r.Use(mw)
	}
	r.Use(tagHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Rendering.
	r.Post("/api/render", func(w http.ResponseWriter, r *http.Request) {
		var opts hub.Options
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, 400, err)
			return
		}
		res, err := svc.Render(r.Context(), opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, res)
	})

	// Sessions.
	r.Get("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Sessions())
	})

	r.Get("/api/sessions/recent", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		list, err := svc.RecentSessions(r.Context(), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		if list == nil {
			list = []render.SessionSnapshot{}
		}
		writeJSON(w, 200, list)
	})

	r.Get("/api/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, snap)
	})

	r.Get("/api/sessions/{sessionID}/chunks", func(w http.ResponseWriter, r *http.Request) {
		chunks, err := svc.SessionChunks(chi.URLParam(r, "sessionID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, chunks)
	})

	r.Get("/api/sessions/{sessionID}/export", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		data, err := svc.ExportSessionPDF(r.Context(), sessionID)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="`+sessionID+`.pdf"`)
		w.Write(data)
	})

	// Navigation and safety.
	r.Post("/api/navigate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContextID string `json:"context_id"`
			ToPageID  string `json:"to_page_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		res, err := svc.Navigate(r.Context(), req.ContextID, req.ToPageID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/api/contexts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Safety().Contexts())
	})

	r.Get("/api/contexts/{contextID}", func(w http.ResponseWriter, r *http.Request) {
		contextID := chi.URLParam(r, "contextID")
		sctx, ok := svc.Safety().GetContext(contextID)
		if !ok {
			writeErr(w, safety.ErrContextNotFound)
			return
		}
		violations, err := svc.Safety().Violations(contextID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"context": sctx, "violations": violations})
	})

	r.Get("/api/page-state/{userSessionID}", func(w http.ResponseWriter, r *http.Request) {
		state, ok := svc.Safety().PageState(chi.URLParam(r, "userSessionID"))
		if !ok {
			writeJSON(w, 404, map[string]string{"error": "no page state for session"})
			return
		}
		writeJSON(w, 200, state)
	})

	r.Get("/api/locks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Safety().Locks())
	})

	r.Get("/api/barriers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Safety().Barriers())
	})

	// Status.
	r.Get("/api/system", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.SystemInfo())
	})

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Health())
	})

	r.Get("/api/alerts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("all") != "" {
			writeJSON(w, 200, svc.Monitor().Alerts())
			return
		}
		writeJSON(w, 200, svc.Monitor().ActiveAlerts())
	})

	r.Get("/api/profiles", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"profiles": svc.Profiles()}
		if current, ok := svc.CurrentProfile(); ok {
			resp["current"] = current
		}
		writeJSON(w, 200, resp)
	})

	// Admin surface.
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireAdmin(adminHash))

		r.Post("/profiles/{profileID}/apply", func(w http.ResponseWriter, r *http.Request) {
			profileID := chi.URLParam(r, "profileID")
			if err := svc.ApplyProfile(r.Context(), profileID); err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "applied", "profile_id": profileID})
		})

		r.Post("/optimize", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.Optimize(r.Context())
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Post("/shutdown", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Reason == "" {
				req.Reason = "admin request"
			}
			writeJSON(w, 200, svc.EmergencyShutdown(r.Context(), req.Reason))
		})

		r.Post("/maintenance", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Active  bool   `json:"active"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			active := 0
			if req.Active {
				active = 1
			}
			var execErr error
			if req.Message != "" {
				_, execErr = db.ExecContext(r.Context(),
					`UPDATE maintenance SET active = ?, message = ? WHERE id = 1`, active, req.Message)
			} else {
				_, execErr = db.ExecContext(r.Context(),
					`UPDATE maintenance SET active = ? WHERE id = 1`, active)
			}
			if execErr != nil {
				writeError(w, 500, execErr)
				return
			}
			st.Maintenance.Reload()
			writeJSON(w, 200, map[string]any{
				"active":  st.Maintenance.Active(),
				"message": st.Maintenance.Message(),
			})
		})

		r.Get("/rate-limits", func(w http.ResponseWriter, r *http.Request) {
			rows, err := db.QueryContext(r.Context(),
				`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits ORDER BY endpoint`)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			defer rows.Close()
			var rules []map[string]any
			for rows.Next() {
				var endpoint string
				var maxReq, window, enabled int
				if err := rows.Scan(&endpoint, &maxReq, &window, &enabled); err != nil {
					writeError(w, 500, err)
					return
				}
				rules = append(rules, map[string]any{
					"endpoint": endpoint, "max_requests": maxReq,
					"window_seconds": window, "enabled": enabled != 0,
				})
			}
			if rules == nil {
				rules = []map[string]any{}
			}
			writeJSON(w, 200, rules)
		})

		r.Post("/rate-limits", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Endpoint      string `json:"endpoint"`
				MaxRequests   int    `json:"max_requests"`
				WindowSeconds int    `json:"window_seconds"`
				Enabled       *bool  `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Endpoint == "" {
				writeJSON(w, 400, map[string]string{"error": "endpoint required"})
				return
			}
			if req.MaxRequests <= 0 {
				req.MaxRequests = 60
			}
			if req.WindowSeconds <= 0 {
				req.WindowSeconds = 60
			}
			enabled := 1
			if req.Enabled != nil && !*req.Enabled {
				enabled = 0
			}
			_, err := db.ExecContext(r.Context(),
				`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(endpoint) DO UPDATE SET
					max_requests = excluded.max_requests,
					window_seconds = excluded.window_seconds,
					enabled = excluded.enabled`,
				req.Endpoint, req.MaxRequests, req.WindowSeconds, enabled)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			st.RateLimiter.Reload()
			writeJSON(w, 201, map[string]string{"endpoint": req.Endpoint, "status": "saved"})
		})

		r.Delete("/rate-limits", func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Query().Get("endpoint")
			if endpoint == "" {
				writeJSON(w, 400, map[string]string{"error": "endpoint query parameter required"})
				return
			}
			if _, err := db.ExecContext(r.Context(),
				`DELETE FROM rate_limits WHERE endpoint = ?`, endpoint); err != nil {
				writeError(w, 500, err)
				return
			}
			st.RateLimiter.Reload()
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})

		r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
			entries, err := auditLogger.Query(r.Context(), audit.Filter{
				Action: r.URL.Query().Get("action"),
				Actor:  r.URL.Query().Get("actor"),
				Status: r.URL.Query().Get("status"),
				Limit:  queryInt(r, "limit", 100),
			})
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if entries == nil {
				entries = []*audit.Entry{}
			}
			writeJSON(w, 200, entries)
		})

		r.Get("/slow-queries", func(w http.ResponseWriter, r *http.Request) {
			if traceStore == nil {
				writeError(w, http.StatusServiceUnavailable, errors.New("sql tracing disabled, start with SQL_TRACE=1"))
				return
			}
			minDur := time.Duration(queryInt(r, "min_ms", 100)) * time.Millisecond
			entries, err := traceStore.Slow(r.Context(), minDur, queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if entries == nil {
				entries = []trace.Entry{}
			}
			writeJSON(w, 200, entries)
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// serveMCPStdio serves one MCP session over stdin/stdout until the client
// disconnects or the context is cancelled.
func serveMCPStdio(ctx context.Context, svc *hub.Service, logger *slog.Logger) {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "esquisse",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(srv)

	transport := &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}
	ss, err := srv.Connect(kit.WithTransport(ctx, "mcp_stdio"), transport, nil)
	if err != nil {
		logger.Error("mcp connect", "error", err)
		return
	}
	logger.Info("mcp serving on stdio")
	if err := ss.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("mcp session", "error", err)
	}
}

// --- Middleware ---

// tagHTTP marks requests as HTTP client traffic for the audit trail. Admin
// routes overwrite the role downstream.
func tagHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRole(ctx, "client")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin enforces Basic Auth against the admin credential hash and
// tags the request with the admin role.
func requireAdmin(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "admin" || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="esquisse admin"`)
				writeJSON(w, 401, map[string]string{"error": "admin credentials required"})
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithRole(r.Context(), "admin")))
		})
	}
}

// --- Error mapping ---

// writeErr maps component sentinels onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, render.ErrSessionNotFound),
		errors.Is(err, stream.ErrSessionNotFound),
		errors.Is(err, hydrate.ErrSessionNotFound),
		errors.Is(err, safety.ErrContextNotFound),
		errors.Is(err, safety.ErrLockNotFound),
		errors.Is(err, safety.ErrBarrierNotFound),
		errors.Is(err, perfmon.ErrProfileNotFound):
		writeError(w, 404, err)
	case errors.Is(err, render.ErrInvalidRequest),
		errors.Is(err, safety.ErrInvalidRequest),
		errors.Is(err, stream.ErrInvalidCaps),
		errors.Is(err, hydrate.ErrInvalidTarget),
		errors.Is(err, perfmon.ErrInvalidProfile):
		writeError(w, 400, err)
	case errors.Is(err, safety.ErrNavigationCollision),
		errors.Is(err, render.ErrInconsistentDependencies),
		errors.Is(err, safety.ErrLockHeld):
		writeError(w, 409, err)
	case errors.Is(err, render.ErrTooManySessions),
		errors.Is(err, stream.ErrTooManySessions),
		errors.Is(err, hydrate.ErrTooManySessions),
		errors.Is(err, safety.ErrTooManyContexts):
		writeError(w, 429, err)
	case errors.Is(err, hub.ErrShutdown),
		errors.Is(err, hub.ErrExportUnavailable):
		writeError(w, 503, err)
	default:
		writeError(w, 500, err)
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
