package perfmon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *tick.Virtual) {
	t.Helper()
	clk := tick.NewVirtual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	cfg.AlertIDs = idgen.Sequential("al_")
	cfg.ActionIDs = idgen.Sequential("oa_")
	return NewMonitor(cfg), clk
}

func mustRegister(t *testing.T, m *Monitor, def MetricDef) {
	t.Helper()
	if err := m.RegisterMetric(def); err != nil {
		t.Fatalf("register %s/%s: %v", def.Component, def.Name, err)
	}
}

func mustRecord(t *testing.T, m *Monitor, component, name string, value float64) {
	t.Helper()
	if err := m.Record(component, name, value); err != nil {
		t.Fatalf("record %s/%s=%g: %v", component, name, value, err)
	}
}

func renderDurationDef() MetricDef {
	return MetricDef{
		Component: "render", Name: "duration_ms", Unit: "ms",
		Target: 100, Warning: 300, Critical: 1000,
	}
}

func TestRegisterMetric_Validation(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	tests := []struct {
		name    string
		def     MetricDef
		wantErr error
	}{
		{"missing component", MetricDef{Name: "x", Target: 1, Warning: 2, Critical: 3}, ErrInvalidMetric},
		{"missing name", MetricDef{Component: "x", Target: 1, Warning: 2, Critical: 3}, ErrInvalidMetric},
		{"target above warning", MetricDef{Component: "x", Name: "y", Target: 5, Warning: 2, Critical: 9}, ErrInvalidMetric},
		{"warning above critical", MetricDef{Component: "x", Name: "y", Target: 1, Warning: 9, Critical: 5}, ErrInvalidMetric},
		{"valid", renderDurationDef(), nil},
		{"duplicate", renderDurationDef(), ErrMetricExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.RegisterMetric(tt.def)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterMetric = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecord_UnknownMetric(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	if err := m.Record("render", "missing", 1); !errors.Is(err, ErrMetricNotFound) {
		t.Fatalf("Record on unknown metric = %v, want ErrMetricNotFound", err)
	}
}

func TestRecord_UpdatesStatus(t *testing.T) {
	m, clk := newTestMonitor(t, Config{})
	mustRegister(t, m, renderDurationDef())

	mustRecord(t, m, "render", "duration_ms", 90)
	mustRecord(t, m, "render", "duration_ms", 200)
	mustRecord(t, m, "render", "duration_ms", 250)

	st, ok := m.Metric("render", "duration_ms")
	if !ok {
		t.Fatal("Metric returned no status")
	}
	if st.Value != 250 || st.Samples != 3 {
		t.Errorf("status value/samples = %g/%d, want 250/3", st.Value, st.Samples)
	}
	// 250 sits three quarters of the way from target 100 to warning 300.
	if st.Score != 62.5 {
		t.Errorf("score = %g, want 62.5", st.Score)
	}
	if st.Trend != TrendUnknown {
		t.Errorf("trend with 3 samples = %q, want unknown", st.Trend)
	}
	if !st.UpdatedAt.Equal(clk.Now()) {
		t.Errorf("updated at = %v, want %v", st.UpdatedAt, clk.Now())
	}
}

func TestRecord_WindowTrim(t *testing.T) {
	m, _ := newTestMonitor(t, Config{SampleWindow: 5})
	mustRegister(t, m, renderDurationDef())

	for i := 0; i < 8; i++ {
		mustRecord(t, m, "render", "duration_ms", float64(100+i))
	}
	st, _ := m.Metric("render", "duration_ms")
	if st.Samples != 5 {
		t.Fatalf("samples after trim = %d, want 5", st.Samples)
	}
	if st.Value != 107 {
		t.Fatalf("latest value = %g, want 107", st.Value)
	}
}

func TestAlertLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	mustRegister(t, m, renderDurationDef())

	// Breach above warning raises one alert with suggestions attached.
	mustRecord(t, m, "render", "duration_ms", 400)
	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(active))
	}
	a := active[0]
	if a.Severity != AlertWarning || a.Threshold != 300 || a.Count != 1 {
		t.Errorf("alert = %+v, want warning/300/count 1", a)
	}
	if len(a.Suggestions) == 0 {
		t.Error("alert carries no suggestions")
	}
	if !strings.Contains(a.Message, "duration_ms") {
		t.Errorf("message %q does not name the metric", a.Message)
	}

	// A repeat breach updates the open alert instead of raising another.
	mustRecord(t, m, "render", "duration_ms", 500)
	active = m.ActiveAlerts()
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("repeat breach raised a second alert: %+v", active)
	}
	if active[0].Count != 2 || active[0].Value != 500 {
		t.Errorf("updated alert count/value = %d/%g, want 2/500", active[0].Count, active[0].Value)
	}

	// Crossing critical escalates in place.
	mustRecord(t, m, "render", "duration_ms", 1200)
	esc, err := m.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if esc.Severity != AlertCritical || esc.Threshold != 1000 || esc.Count != 3 {
		t.Errorf("escalated alert = %+v, want critical/1000/count 3", esc)
	}

	// WHY: recovery between target and warning must not flap the alert.
	mustRecord(t, m, "render", "duration_ms", 200)
	if got := len(m.ActiveAlerts()); got != 1 {
		t.Fatalf("partial recovery resolved the alert, active = %d", got)
	}

	// Full recovery to target resolves it.
	mustRecord(t, m, "render", "duration_ms", 90)
	if got := len(m.ActiveAlerts()); got != 0 {
		t.Fatalf("active alerts after recovery = %d, want 0", got)
	}
	res, _ := m.GetAlert(a.ID)
	if !res.Resolved || res.ResolvedAt.IsZero() {
		t.Errorf("alert not marked resolved: %+v", res)
	}

	// The next breach opens a fresh alert.
	mustRecord(t, m, "render", "duration_ms", 400)
	active = m.ActiveAlerts()
	if len(active) != 1 || active[0].ID == a.ID {
		t.Fatalf("fresh breach did not open a new alert: %+v", active)
	}

	stats := m.Stats()
	if stats.TotalAlerts != 2 || stats.ResolvedAlerts != 1 {
		t.Errorf("stats alerts/resolved = %d/%d, want 2/1", stats.TotalAlerts, stats.ResolvedAlerts)
	}
}

func TestResolveAlert_Manual(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	mustRegister(t, m, renderDurationDef())
	mustRecord(t, m, "render", "duration_ms", 400)

	id := m.ActiveAlerts()[0].ID
	if err := m.ResolveAlert(id); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if got := len(m.ActiveAlerts()); got != 0 {
		t.Fatalf("active after manual resolve = %d, want 0", got)
	}
	// Resolving twice is a no-op.
	if err := m.ResolveAlert(id); err != nil {
		t.Fatalf("second ResolveAlert: %v", err)
	}
	if err := m.ResolveAlert("al_none"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("unknown alert = %v, want ErrAlertNotFound", err)
	}
}

type fakeSource struct {
	measurements []Measurement
	err          error
}

func (f *fakeSource) Collect(context.Context) ([]Measurement, error) {
	return f.measurements, f.err
}

func TestPoll_CollectsFromSources(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	mustRegister(t, m, renderDurationDef())

	m.RegisterSource("render", &fakeSource{measurements: []Measurement{
		{Component: "render", Metric: "duration_ms", Value: 180},
		{Component: "render", Metric: "not_registered", Value: 5},
	}})
	m.RegisterSource("broken", &fakeSource{err: errors.New("collect failed")})

	if got := m.Poll(context.Background()); got != 1 {
		t.Fatalf("Poll recorded %d samples, want 1", got)
	}
	st, _ := m.Metric("render", "duration_ms")
	if st.Value != 180 {
		t.Errorf("polled value = %g, want 180", st.Value)
	}
}

func TestHealth(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	// WHAT: a monitor with no metrics reports perfect health.
	rep := m.Health()
	if rep.Score != 100 || rep.Status != HealthHealthy {
		t.Fatalf("empty health = %g/%s, want 100/healthy", rep.Score, rep.Status)
	}

	mustRegister(t, m, renderDurationDef())
	mustRegister(t, m, MetricDef{
		Component: "stream", Name: "buffer_utilization", Unit: "%",
		Target: 50, Warning: 75, Critical: 100,
	})
	mustRecord(t, m, "render", "duration_ms", 100)
	mustRecord(t, m, "stream", "buffer_utilization", 95)

	rep = m.Health()
	if len(rep.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(rep.Components))
	}
	if rep.Components[0].Component != "render" || rep.Components[1].Component != "stream" {
		t.Fatalf("components not sorted: %+v", rep.Components)
	}
	if rep.Components[0].Score != 100 {
		t.Errorf("render score = %g, want 100", rep.Components[0].Score)
	}
	// 95 sits four fifths of the way from warning 75 to critical 100.
	if rep.Components[1].Score != 10 {
		t.Errorf("stream score = %g, want 10", rep.Components[1].Score)
	}
	if rep.Score != 55 || rep.Status != HealthCritical {
		t.Errorf("overall = %g/%s, want 55/critical", rep.Score, rep.Status)
	}
	if rep.ActiveAlerts != 1 || rep.Components[1].ActiveAlerts != 1 {
		t.Errorf("alert counts = %d/%d, want 1/1", rep.ActiveAlerts, rep.Components[1].ActiveAlerts)
	}
}

type fakeSink struct {
	got chan Alert
}

func (f *fakeSink) Notify(_ context.Context, a Alert) error {
	f.got <- a
	return nil
}

func TestCriticalAlertNotifiesSink(t *testing.T) {
	sink := &fakeSink{got: make(chan Alert, 2)}
	m, _ := newTestMonitor(t, Config{Sink: sink})
	mustRegister(t, m, renderDurationDef())

	// A warning breach stays local.
	mustRecord(t, m, "render", "duration_ms", 400)
	select {
	case a := <-sink.got:
		t.Fatalf("warning alert reached the sink: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	// Escalation to critical goes out.
	mustRecord(t, m, "render", "duration_ms", 1500)
	select {
	case a := <-sink.got:
		if a.Severity != AlertCritical {
			t.Fatalf("sink alert severity = %q, want critical", a.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("critical alert never reached the sink")
	}
}

func TestStats(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	mustRegister(t, m, renderDurationDef())
	mustRecord(t, m, "render", "duration_ms", 120)
	mustRecord(t, m, "render", "duration_ms", 400)

	got := m.Stats()
	want := Stats{
		RegisteredMetrics: 1,
		ActiveAlerts:      1,
		TotalSamples:      2,
		TotalAlerts:       1,
	}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}
