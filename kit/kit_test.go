package kit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	chained := Chain(mw("a"), mw("b"), mw("c"))(base)
	resp, err := chained(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}

	noop := func(next Endpoint) Endpoint { return next }
	chained := Chain(noop)(base)

	_, err := chained(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestRecovery(t *testing.T) {
	base := func(_ context.Context, _ any) (any, error) {
		panic("boom")
	}

	wrapped := Recovery(slog.Default())(base)
	_, err := wrapped(context.Background(), nil)

	var ep *ErrPanic
	if !errors.As(err, &ep) {
		t.Fatalf("error: got %v, want *ErrPanic", err)
	}
	if ep.Value != "boom" {
		t.Fatalf("panic value: got %v", ep.Value)
	}
}

func TestContext_RequestID(t *testing.T) {
	ctx := context.Background()
	if v := GetRequestID(ctx); v != "" {
		t.Fatalf("empty context: got %q", v)
	}

	ctx = WithRequestID(ctx, "req_abc")
	if v := GetRequestID(ctx); v != "req_abc" {
		t.Fatalf("after set: got %q", v)
	}
}

func TestContext_Transport_Default(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q, want 'http'", v)
	}
}

func TestContext_Transport_Set(t *testing.T) {
	ctx := WithTransport(context.Background(), "mcp")
	if v := GetTransport(ctx); v != "mcp" {
		t.Fatalf("transport: got %q", v)
	}
}

func TestContext_RenderSession(t *testing.T) {
	ctx := WithRenderSession(context.Background(), "rs_123")
	if v := GetRenderSession(ctx); v != "rs_123" {
		t.Fatalf("render session: got %q", v)
	}
}

func TestContext_PageURL(t *testing.T) {
	ctx := WithPageURL(context.Background(), "https://example.com/a")
	if v := GetPageURL(ctx); v != "https://example.com/a" {
		t.Fatalf("page url: got %q", v)
	}
}

func TestContext_EmptyDefaults(t *testing.T) {
	ctx := context.Background()
	if v := GetRenderSession(ctx); v != "" {
		t.Fatalf("render session default: got %q", v)
	}
	if v := GetTraceID(ctx); v != "" {
		t.Fatalf("trace_id default: got %q", v)
	}
	if v := GetRole(ctx); v != "" {
		t.Fatalf("role default: got %q", v)
	}
}
