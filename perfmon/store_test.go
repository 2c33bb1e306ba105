package perfmon

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/esquisse/dbopen"
)

var storeBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := NewStore(db, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_FlushAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveSample("render", "duration_ms", 120, storeBase)
	s.SaveSample("stream", "buffer_utilization", 40, storeBase.Add(time.Second))
	s.SaveSample("render", "duration_ms", 180, storeBase.Add(2*time.Second))

	// Buffered samples are invisible until flushed.
	got, err := s.Samples(ctx, "", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Samples before flush: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("samples visible before flush: %d", len(got))
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err = s.Samples(ctx, "", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("samples = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].Value != 180 || !got[0].At.Equal(storeBase.Add(2*time.Second)) {
		t.Errorf("first sample = %+v, want the newest", got[0])
	}

	byComponent, err := s.Samples(ctx, "render", "duration_ms", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Samples by component: %v", err)
	}
	if len(byComponent) != 2 {
		t.Errorf("render samples = %d, want 2", len(byComponent))
	}

	since, err := s.Samples(ctx, "", "", storeBase.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("Samples since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("samples since +1s = %d, want 2", len(since))
	}

	limited, err := s.Samples(ctx, "", "", time.Time{}, 1)
	if err != nil {
		t.Fatalf("Samples limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited samples = %d, want 1", len(limited))
	}
}

func TestStore_BatchTriggersFlush(t *testing.T) {
	s := newTestStore(t, WithBatchSize(2))
	ctx := context.Background()

	s.SaveSample("render", "duration_ms", 100, storeBase)
	s.SaveSample("render", "duration_ms", 110, storeBase.Add(time.Second))

	// WHAT: hitting the batch size flushes inline without an explicit
	// Flush call.
	got, err := s.Samples(ctx, "", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("samples after batch fill = %d, want 2", len(got))
	}
}

func TestStore_AlertUpsertAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := Alert{
		ID: "al_1", Component: "render", Metric: "duration_ms",
		Severity: AlertWarning, Value: 400, Threshold: 300,
		Message: "render duration_ms at 400ms breached warning threshold 300ms",
		Count:   1, CreatedAt: storeBase, LastSeenAt: storeBase,
	}
	s.SaveAlert(a)

	hist, err := s.AlertHistory(ctx, 0)
	if err != nil {
		t.Fatalf("AlertHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Count != 1 || hist[0].Severity != AlertWarning {
		t.Fatalf("history = %+v, want one warning row", hist)
	}

	// Saving the same ID updates in place.
	a.Severity = AlertCritical
	a.Value = 1200
	a.Threshold = 1000
	a.Count = 3
	a.LastSeenAt = storeBase.Add(10 * time.Second)
	s.SaveAlert(a)

	hist, err = s.AlertHistory(ctx, 0)
	if err != nil {
		t.Fatalf("AlertHistory after upsert: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("upsert created a second row: %d", len(hist))
	}
	got := hist[0]
	if got.Severity != AlertCritical || got.Count != 3 || got.Value != 1200 {
		t.Errorf("upserted alert = %+v", got)
	}
	if !got.CreatedAt.Equal(storeBase) {
		t.Errorf("created_at moved on upsert: %v", got.CreatedAt)
	}
	if got.Resolved {
		t.Error("alert resolved before MarkResolved")
	}

	s.MarkResolved("al_1", storeBase.Add(20*time.Second))
	hist, _ = s.AlertHistory(ctx, 0)
	if !hist[0].Resolved || !hist[0].ResolvedAt.Equal(storeBase.Add(20*time.Second)) {
		t.Errorf("resolved alert = %+v", hist[0])
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := storeBase.Add(-48 * time.Hour)
	s.SaveSample("render", "duration_ms", 100, old)
	s.SaveSample("render", "duration_ms", 110, storeBase)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s.SaveAlert(Alert{
		ID: "al_old", Component: "render", Metric: "duration_ms",
		Severity: AlertWarning, Value: 400, Threshold: 300,
		Message: "old", Count: 1, CreatedAt: old, LastSeenAt: old,
	})
	s.MarkResolved("al_old", old)
	s.SaveAlert(Alert{
		ID: "al_open", Component: "render", Metric: "duration_ms",
		Severity: AlertWarning, Value: 400, Threshold: 300,
		Message: "still open", Count: 1, CreatedAt: old, LastSeenAt: old,
	})

	removed, err := s.Cleanup(ctx, 24*time.Hour, storeBase)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	samples, _ := s.Samples(ctx, "", "", time.Time{}, 0)
	if len(samples) != 1 || samples[0].Value != 110 {
		t.Errorf("surviving samples = %+v, want the fresh one", samples)
	}
	// WHY: open alerts survive cleanup no matter how old they are.
	hist, _ := s.AlertHistory(ctx, 0)
	if len(hist) != 1 || hist[0].ID != "al_open" {
		t.Errorf("surviving alerts = %+v, want al_open", hist)
	}
}
