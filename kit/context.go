package kit

import "context"

type contextKey string

const (
	RequestIDKey     contextKey = "kit_request_id"
	TraceIDKey       contextKey = "kit_trace_id"
	TransportKey     contextKey = "kit_transport" // "http", "mcp"
	RenderSessionKey contextKey = "kit_render_session"
	PageURLKey       contextKey = "kit_page_url"
	RemoteAddrKey    contextKey = "kit_remote_addr"
	RoleKey          contextKey = "kit_role"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRenderSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RenderSessionKey, id)
}
func GetRenderSession(ctx context.Context) string {
	v, _ := ctx.Value(RenderSessionKey).(string)
	return v
}

func WithPageURL(ctx context.Context, url string) context.Context {
	return context.WithValue(ctx, PageURLKey, url)
}
func GetPageURL(ctx context.Context) string {
	v, _ := ctx.Value(PageURLKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
