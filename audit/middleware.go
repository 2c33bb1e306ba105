package audit

import (
	"context"
	"time"

	"github.com/hazyhaar/esquisse/kit"
)

// Middleware audits every call through the wrapped endpoint. Request and
// response values are marshalled into the entry; actor, transport, request ID,
// and render session are taken from the context.
func Middleware(l Logger, component, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := NewEntry(component, action, req, resp, err, time.Since(start))
			e.Actor = kit.GetRole(ctx)
			e.Transport = kit.GetTransport(ctx)
			e.RequestID = kit.GetRequestID(ctx)
			e.SessionID = kit.GetRenderSession(ctx)
			l.LogAsync(e)

			return resp, err
		}
	}
}
