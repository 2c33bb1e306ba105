// Package kit holds the transport-agnostic endpoint plumbing shared by the
// HTTP and MCP surfaces of the hub: the Endpoint signature, middleware
// composition, and request-scoped context accessors.
package kit

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Endpoint is a transport-agnostic handler: decoded request in, response out.
// Both the chi routes and the MCP tools reduce to this signature so
// middlewares apply uniformly.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint, adding cross-cutting behaviour
// (logging, timeout, recovery) without changing the signature.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the request path).
//
//	chain := Chain(logging, timeout, recovery)
//	wrapped := chain(baseEndpoint)
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging returns a middleware that logs every call with its duration.
func Logging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			dur := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "endpoint failed",
					"op", op,
					"duration_ms", dur.Milliseconds(),
					"transport", GetTransport(ctx),
					"error", err)
			} else {
				logger.DebugContext(ctx, "endpoint ok",
					"op", op,
					"duration_ms", dur.Milliseconds(),
					"transport", GetTransport(ctx))
			}
			return resp, err
		}
	}
}

// Timeout returns a middleware that enforces a maximum call duration.
// If the deadline is exceeded the endpoint's goroutine keeps running
// (Go has no goroutine cancellation), but the caller gets an immediate
// context.DeadlineExceeded error.
func Timeout(d time.Duration) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recovery returns a middleware that catches panics in downstream endpoints
// and converts them into errors instead of crashing the process.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					logger.ErrorContext(ctx, "endpoint panic recovered",
						"panic", r,
						"stack", string(stack))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "kit: endpoint panicked"
}
