package hub

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/esquisse/audit"
	"github.com/hazyhaar/esquisse/dbopen"
	"github.com/hazyhaar/esquisse/export"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/perfmon"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/stream"
	"github.com/hazyhaar/esquisse/tick"
)

func testClock() *tick.Virtual {
	return tick.NewVirtual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

// newTestService builds a hub whose renders and hydrations run without
// simulated delays, so Wait calls finish synchronously on the virtual clock.
func newTestService(t *testing.T, mutate func(*Config), opts ...ServiceOption) (*Service, *tick.Virtual) {
	t.Helper()
	clk := testClock()
	cfg := Config{Clock: clk}
	cfg.Render.BaseDelay = -1
	cfg.Render.IDs = idgen.Sequential("rs_")
	cfg.Stream.IDs = idgen.Sequential("ss_")
	cfg.Stream.SpillDir = t.TempDir()
	cfg.Hydrate.IDs = idgen.Sequential("hy_")
	cfg.Hydrate.Hydrator = hydrate.SimulatedHydrator{BaseDelay: -1}
	cfg.Safety.IDs = idgen.Sequential("sc_")
	cfg.Skeleton.IDs = idgen.Sequential("sk_")
	cfg.Monitor.AlertIDs = idgen.Sequential("al_")
	cfg.Monitor.ActionIDs = idgen.Sequential("act_")
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, clk
}

func waitOptions(pageID, userID string) Options {
	return Options{
		PageID:        pageID,
		UserSessionID: userID,
		Strategy:      render.StrategyStreaming,
		Client:        render.ClientProfile{ConnectionSpeed: render.SpeedMedium, DeviceClass: "desktop"},
		Wait:          true,
	}
}

// captureAudit retains entries in memory for assertions.
type captureAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureAudit) LogAsync(e *audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, *e)
}

func (c *captureAudit) find(action string) (audit.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Action == action {
			return e, true
		}
	}
	return audit.Entry{}, false
}

func TestSystemInfo(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Render(ctx, waitOptions("page-a", "user-1")); err != nil {
		t.Fatalf("Render: %v", err)
	}

	info := svc.SystemInfo()
	if info.Status != "running" {
		t.Errorf("status = %q, want running", info.Status)
	}
	if !info.StartedAt.Equal(clk.Now()) {
		t.Errorf("started at %v, want %v", info.StartedAt, clk.Now())
	}
	if info.Render.TotalSessions != 1 || info.Render.TotalCompleted != 1 {
		t.Errorf("render stats = %+v", info.Render)
	}
	if info.Stream.TotalSessions != 1 {
		t.Errorf("stream stats = %+v", info.Stream)
	}
	if info.Safety.TotalContexts != 1 {
		t.Errorf("safety stats = %+v", info.Safety)
	}
	if info.Skeleton != 1 {
		t.Errorf("skeleton states = %d, want 1", info.Skeleton)
	}

	svc.Close()
	if got := svc.SystemInfo().Status; got != "shutdown" {
		t.Errorf("status after close = %q, want shutdown", got)
	}
}

func TestNavigate_MovesContext(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Render(ctx, waitOptions("page-a", "user-nav"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Render.Status != render.StatusCompleted {
		t.Fatalf("render status = %s, want completed", res.Render.Status)
	}

	nav, err := svc.Navigate(ctx, res.ContextID, "page-b")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if nav.Blocked {
		t.Fatalf("navigation blocked behind lock %s", nav.LockID)
	}
	if nav.FromPageID != "page-a" || nav.ToPageID != "page-b" {
		t.Errorf("navigation = %s -> %s", nav.FromPageID, nav.ToPageID)
	}

	got, ok := svc.Safety().GetContext(res.ContextID)
	if !ok {
		t.Fatal("context gone after navigation")
	}
	if got.PageID != "page-b" || got.State != safety.StateLoading {
		t.Errorf("context = page %s state %s, want page-b loading", got.PageID, got.State)
	}
	if len(got.RenderSessions) != 0 || len(got.StreamSessions) != 0 {
		t.Errorf("sessions not cleared: %+v", got)
	}

	ps, ok := svc.Safety().PageState("user-nav")
	if !ok {
		t.Fatal("no cross-page state for user")
	}
	if ps.CurrentPageID != "page-b" || ps.PreviousPageID != "page-a" {
		t.Errorf("page state = %+v", ps)
	}
	if ps.PreviousContent == "" {
		t.Error("previous page content not preserved for recovery")
	}
}

func TestNavigate_RefusedAfterClose(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.Close()
	if _, err := svc.Navigate(context.Background(), "sc_1", "page-b"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestSession_ServedFromHistoryAfterSweep(t *testing.T) {
	hist, err := render.NewHistory(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	svc, clk := newTestService(t, nil, WithHistory(hist))
	ctx := context.Background()

	res, err := svc.Render(ctx, waitOptions("page-a", "user-1"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	id := res.RenderSessionID

	clk.Advance(10 * time.Minute)
	if n := svc.Renders().Sweep(ctx); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, ok := svc.Renders().Get(id); ok {
		t.Fatal("session still live after sweep")
	}

	snap, err := svc.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session after sweep: %v", err)
	}
	if snap.ID != id || snap.Status != render.StatusCompleted {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.GeneratedChunks != res.Render.GeneratedChunks {
		t.Errorf("chunks = %d, want %d", snap.GeneratedChunks, res.Render.GeneratedChunks)
	}

	recent, err := svc.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != id {
		t.Errorf("recent = %+v", recent)
	}

	if _, err := svc.Session(ctx, "rs_404"); !errors.Is(err, render.ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestRecentSessions_NoHistory(t *testing.T) {
	svc, _ := newTestService(t, nil)
	recent, err := svc.RecentSessions(context.Background(), 10)
	if err != nil || recent != nil {
		t.Fatalf("got %v, %v; want nil, nil", recent, err)
	}
}

func TestExportSessionPDF(t *testing.T) {
	svc, _ := newTestService(t, nil, WithExporter(export.New(export.Config{})))
	ctx := context.Background()

	res, err := svc.Render(ctx, waitOptions("page-a", "user-1"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	pdf, err := svc.ExportSessionPDF(ctx, res.RenderSessionID)
	if err != nil {
		t.Fatalf("ExportSessionPDF: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Error("export does not start with a PDF header")
	}
}

func TestExportSessionPDF_RequiresExporter(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.ExportSessionPDF(context.Background(), "rs_1"); !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("err = %v, want ErrExportUnavailable", err)
	}
}

func TestApplyProfile_BiasesDerivedCaps(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	profile := perfmon.Profile{
		ID:      "eco",
		Name:    "Battery saver",
		Quality: perfmon.QualitySettings{Preset: perfmon.PresetLow, Compression: true},
	}
	if err := svc.Monitor().RegisterProfile(profile); err != nil {
		t.Fatalf("RegisterProfile: %v", err)
	}
	if err := svc.ApplyProfile(ctx, "eco"); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	cur, ok := svc.CurrentProfile()
	if !ok || cur.ID != "eco" {
		t.Fatalf("current profile = %+v, %v", cur, ok)
	}

	// The low preset clamps derived bandwidth, which lands the next stream
	// session on the minimal quality tier in buffered mode.
	res, err := svc.Render(ctx, waitOptions("page-a", "user-1"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	ss, ok := svc.Streams().Get(res.StreamSessionID)
	if !ok {
		t.Fatalf("stream session %q not tracked", res.StreamSessionID)
	}
	if got := ss.Profile().Name; got != stream.QualityMinimal {
		t.Errorf("stream profile = %q, want %q", got, stream.QualityMinimal)
	}
	if got := ss.Mode(); got != stream.ModeBuffered {
		t.Errorf("stream mode = %q, want %q", got, stream.ModeBuffered)
	}
}

func TestApplyProfile_UnknownProfile(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if err := svc.ApplyProfile(context.Background(), "nope"); !errors.Is(err, perfmon.ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}
}

func TestOptimize_ExecutesTuningActions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	records := []struct {
		component, metric string
		value             float64
	}{
		{"render", "failure_rate", 40},
		{"stream", "failure_rate", 40},
		{"hydrate", "error_rate", 40},
	}
	for _, rec := range records {
		if err := svc.Monitor().Record(rec.component, rec.metric, rec.value); err != nil {
			t.Fatalf("Record %s/%s: %v", rec.component, rec.metric, err)
		}
	}

	res, err := svc.Optimize(ctx)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Skipped {
		t.Fatalf("sweep skipped: %s", res.Reason)
	}
	if len(res.Executed) == 0 {
		t.Fatalf("nothing executed, %d suggested", len(res.Suggested))
	}
	if got := len(svc.AppliedActions()); got != len(res.Executed) {
		t.Errorf("applied actions = %d, want %d", got, len(res.Executed))
	}
}

func TestOptimize_SkipsWhileHealthy(t *testing.T) {
	svc, _ := newTestService(t, nil)
	res, err := svc.Optimize(context.Background())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("healthy sweep executed %d actions", len(res.Executed))
	}
	if len(svc.AppliedActions()) != 0 {
		t.Error("actions recorded for a skipped sweep")
	}
}

func TestEmergencyShutdown_CancelsEverything(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	snap, err := svc.Renders().Initialize(ctx, render.Request{PageID: "page-a", Strategy: render.StrategyStreaming})
	if err != nil {
		t.Fatalf("render initialize: %v", err)
	}
	ss, err := svc.Streams().Initialize(snap.ID, stream.ClientCaps{SupportsStreaming: true, BandwidthMbps: 10})
	if err != nil {
		t.Fatalf("stream initialize: %v", err)
	}
	hs, err := svc.Hydrations().Initialize("page-a", hydrate.ClientSignals{})
	if err != nil {
		t.Fatalf("hydrate initialize: %v", err)
	}
	sctx, err := svc.Safety().CreateContext("user-1", "page-a", safety.LevelBalanced)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	rep := svc.EmergencyShutdown(ctx, "backing store corrupted")
	if rep.Reason != "backing store corrupted" {
		t.Errorf("reason = %q", rep.Reason)
	}
	if rep.CancelledRenders != 1 || rep.CancelledStreams != 1 || rep.CancelledHydrations != 1 || rep.UnsafeContexts != 1 {
		t.Fatalf("report = %+v", rep)
	}

	if got, _ := svc.Renders().Get(snap.ID); got.Status != render.StatusCancelled {
		t.Errorf("render status = %s, want cancelled", got.Status)
	}
	if got, ok := svc.Streams().Get(ss.ID()); !ok || got.Snapshot().Status != stream.SessionCancelled {
		t.Error("stream session not cancelled")
	}
	if got := hs.Status(); got != hydrate.SessionCancelled {
		t.Errorf("hydration status = %s, want cancelled", got)
	}
	if got, _ := svc.Safety().GetContext(sctx.ID); got.State != safety.StateUnsafe {
		t.Errorf("context state = %s, want unsafe", got.State)
	}

	if _, err := svc.Render(ctx, waitOptions("page-b", "user-2")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("render after shutdown: err = %v, want ErrShutdown", err)
	}
}
