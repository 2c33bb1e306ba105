package hub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/esquisse/audit"
	"github.com/hazyhaar/esquisse/fragcache"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/kit"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/stream"
)

// staticGraph reports a fixed consistency verdict.
type staticGraph struct {
	consistent bool
	issues     []string
}

func (g staticGraph) Dependencies(context.Context, string) (render.Dependencies, error) {
	return render.Dependencies{}, nil
}

func (g staticGraph) CheckConsistency(context.Context, string) (render.Consistency, error) {
	return render.Consistency{Consistent: g.consistent, Issues: g.issues}, nil
}

func TestRender_DeliversEndToEnd(t *testing.T) {
	clk := testClock()
	cache := fragcache.NewMemory(fragcache.MemoryConfig{Clock: clk})
	svc, _ := newTestService(t, func(cfg *Config) { cfg.Clock = clk }, WithCache(cache))
	ctx := context.Background()

	res, err := svc.Render(ctx, waitOptions("page-home", "user-1"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	if res.Render.Status != render.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Render.Status)
	}
	if res.Render.GeneratedChunks != res.Render.EstimatedChunks {
		t.Errorf("generated %d of %d chunks", res.Render.GeneratedChunks, res.Render.EstimatedChunks)
	}
	if res.SkeletonID == "" || res.SkeletonMarkup == "" {
		t.Error("skeleton missing from result")
	}
	if res.Stream == nil {
		t.Fatal("no stream metrics on result")
	}
	if res.Stream.ChunksDelivered != int64(res.Render.GeneratedChunks) {
		t.Errorf("delivered %d of %d chunks", res.Stream.ChunksDelivered, res.Render.GeneratedChunks)
	}

	got, ok := svc.Safety().ContextForUser("user-1")
	if !ok || got.ID != res.ContextID {
		t.Fatalf("context for user = %+v, %v", got, ok)
	}
	if got.State != safety.StateStable {
		t.Errorf("context state = %s, want stable", got.State)
	}
	if len(got.RenderSessions) != 1 || len(got.StreamSessions) != 1 {
		t.Errorf("attached sessions = %+v", got)
	}

	// Full section replacement marks the skeleton complete.
	if st, ok := svc.Skeletons().State(res.SkeletonID); !ok || !st.Complete {
		t.Errorf("skeleton state = %+v, %v", st, ok)
	}

	// The final chunk lands in the fragment cache and the cross-page state.
	frag, ok, err := cache.Get(ctx, "page-home", "")
	if err != nil || !ok {
		t.Fatalf("fragment not cached: %v, %v", ok, err)
	}
	if len(frag.Content) == 0 {
		t.Error("cached fragment is empty")
	}
	if ps, ok := svc.Safety().PageState("user-1"); !ok || ps.CurrentPageID != "page-home" {
		t.Errorf("page state = %+v, %v", ps, ok)
	}
}

func TestRender_DerivesAnonymousSession(t *testing.T) {
	svc, _ := newTestService(t, nil)

	res, err := svc.Render(context.Background(), Options{
		PageID:   "page-a",
		Strategy: render.StrategyChunked,
		Wait:     true,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	got, ok := svc.Safety().ContextForUser("anon:page-a")
	if !ok {
		t.Fatal("no context under the derived anonymous session")
	}
	if got.ID != res.ContextID {
		t.Errorf("context = %s, want %s", got.ID, res.ContextID)
	}
}

func TestRender_RequiresPageID(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.Render(context.Background(), Options{Strategy: render.StrategyStreaming}); !errors.Is(err, render.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestRender_RefusedAfterClose(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.Close()
	if _, err := svc.Render(context.Background(), waitOptions("page-a", "user-1")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestRender_InconsistentDependenciesRefused(t *testing.T) {
	svc, _ := newTestService(t, nil, WithGraph(staticGraph{issues: []string{"shared widget diverged"}}))

	opts := waitOptions("page-a", "user-7")
	opts.Safety.CrossPageConsistency = true
	_, err := svc.Render(context.Background(), opts)
	if !errors.Is(err, render.ErrInconsistentDependencies) {
		t.Fatalf("err = %v, want ErrInconsistentDependencies", err)
	}

	got, ok := svc.Safety().ContextForUser("user-7")
	if !ok {
		t.Fatal("safety context missing")
	}
	if got.State != safety.StateUnsafe {
		t.Errorf("context state = %s, want unsafe", got.State)
	}
	if got.Violations == 0 {
		t.Error("refusal left no violation on the context")
	}
}

func TestRender_DegradesWithoutStream(t *testing.T) {
	svc, _ := newTestService(t, nil)

	opts := waitOptions("page-a", "user-1")
	opts.Caps = &stream.ClientCaps{BandwidthMbps: -1}
	res, err := svc.Render(context.Background(), opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.StreamSessionID != "" || res.Stream != nil {
		t.Errorf("stream set up despite invalid caps: %q", res.StreamSessionID)
	}
	if res.Render.Status != render.StatusCompleted {
		t.Errorf("status = %s, want completed", res.Render.Status)
	}
	var warned bool
	for _, w := range res.Warnings {
		if strings.HasPrefix(w, "stream:") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want a stream warning", res.Warnings)
	}
}

func TestRender_SchedulesHydrationTargets(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	opts := waitOptions("page-a", "user-1")
	opts.Strategy = render.StrategyProgressiveHydration
	opts.Targets = []hydrate.TargetSpec{
		{ElementID: "hero"},
		{ElementID: "comments", Strategy: hydrate.StrategyImmediate, Priority: 8},
	}
	res, err := svc.Render(ctx, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.HydrationID == "" {
		t.Fatalf("no hydration session, warnings = %v", res.Warnings)
	}

	hs, ok := svc.Hydrations().Get(res.HydrationID)
	if !ok {
		t.Fatal("hydration session not tracked")
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hs.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if m := hs.Metrics(); m.Hydrated != len(opts.Targets) {
		t.Errorf("hydrated = %d, want %d", m.Hydrated, len(opts.Targets))
	}

	if got, _ := svc.Safety().GetContext(res.ContextID); len(got.HydrationSessions) != 1 {
		t.Errorf("hydration sessions attached = %v", got.HydrationSessions)
	}
}

func TestRender_BackgroundCompletes(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	opts := waitOptions("page-a", "user-1")
	opts.Wait = false
	res, err := svc.Render(ctx, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := svc.Session(ctx, res.RenderSessionID)
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if snap.Status.Terminal() {
			if snap.Status != render.StatusCompleted {
				t.Fatalf("status = %s, want completed", snap.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("render stuck in %s", snap.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRender_WritesAuditTrail(t *testing.T) {
	rec := &captureAudit{}
	svc, _ := newTestService(t, nil, WithAudit(rec))
	ctx := kit.WithRole(context.Background(), "operator")

	if _, err := svc.Render(ctx, waitOptions("page-a", "user-1")); err != nil {
		t.Fatalf("Render: %v", err)
	}

	e, ok := rec.find("render")
	if !ok {
		t.Fatal("no render audit entry")
	}
	if e.Component != "hub" {
		t.Errorf("component = %q, want hub", e.Component)
	}
	if e.Status == audit.StatusError || e.Error != "" {
		t.Errorf("entry reports failure: %+v", e)
	}
	if e.Actor != "operator" {
		t.Errorf("actor = %q, want operator", e.Actor)
	}
	if e.Parameters == "" || e.Result == "" {
		t.Error("entry missing parameters or result")
	}
}
