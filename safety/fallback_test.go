package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegisterTrigger_Validation(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	c := mustContext(t, m, "u", "p", "")

	if _, err := m.RegisterTrigger(c.ID, TriggerSpec{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("no thresholds: got %v, want ErrInvalidRequest", err)
	}
	if _, err := m.RegisterTrigger(c.ID, TriggerSpec{Violations: 1, Action: "reboot"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad action: got %v, want ErrInvalidRequest", err)
	}
	if _, err := m.RegisterTrigger("sc_999", TriggerSpec{Violations: 1}); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("unknown context: got %v, want ErrContextNotFound", err)
	}

	tr, err := m.RegisterTrigger(c.ID, TriggerSpec{Violations: 3})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Action != ActionStaticContent {
		t.Errorf("default action = %q, want static_content", tr.Action)
	}
	if tr.Cooldown != time.Minute {
		t.Errorf("default cooldown = %s, want 1m", tr.Cooldown)
	}
	if tr.FireCount != 0 || !tr.LastFired.IsZero() {
		t.Errorf("fresh trigger already fired: %+v", tr)
	}
}

// WHAT: a violation-count trigger fires exactly once when the threshold is
// crossed and stays quiet for its cooldown window.
func TestViolationTrigger_FiresOncePerCooldown(t *testing.T) {
	m, clk := newTestMonitor(t, Config{})
	c := mustContext(t, m, "u", "p", "")
	tr, err := m.RegisterTrigger(c.ID, TriggerSpec{Violations: 3, Cooldown: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	record := func() {
		m.RecordViolation(c.ID, ViolationConsistency, SeverityLow, "drift", "")
	}

	record()
	record()
	if fb, _ := m.Fallbacks(c.ID); len(fb) != 0 {
		t.Fatalf("fired below threshold: %+v", fb)
	}

	record()
	fb, err := m.Fallbacks(c.ID)
	if err != nil || len(fb) != 1 {
		t.Fatalf("after threshold: %d firings, err %v", len(fb), err)
	}
	if fb[0].TriggerID != tr.ID || fb[0].Action != ActionStaticContent {
		t.Errorf("firing = %+v", fb[0])
	}
	if !strings.Contains(fb[0].Content, "esq-safe-fallback") {
		t.Errorf("static content = %q", fb[0].Content)
	}
	if !strings.Contains(fb[0].Reason, "threshold 3") {
		t.Errorf("reason = %q", fb[0].Reason)
	}

	// Count stays above threshold, but the cooldown holds the trigger.
	record()
	if fb, _ := m.Fallbacks(c.ID); len(fb) != 1 {
		t.Fatalf("re-fired inside cooldown: %d firings", len(fb))
	}

	clk.Advance(61 * time.Second)
	record()
	if fb, _ := m.Fallbacks(c.ID); len(fb) != 2 {
		t.Fatalf("after cooldown: %d firings, want 2", len(fb))
	}

	got, _ := m.GetTrigger(tr.ID)
	if got.FireCount != 2 {
		t.Errorf("fire count = %d, want 2", got.FireCount)
	}
	if m.Stats().TotalFallbacks != 2 {
		t.Errorf("TotalFallbacks = %d", m.Stats().TotalFallbacks)
	}
}

// WHAT: an elapsed-time trigger fires for contexts that have not stabilized
// within the threshold, and leaves stable contexts alone.
func TestElapsedTrigger_FiresOnSlowNavigation(t *testing.T) {
	m, clk := newTestMonitor(t, Config{})

	stuck := mustContext(t, m, "u1", "p1", "")
	if _, err := m.RegisterTrigger(stuck.ID, TriggerSpec{Elapsed: 30 * time.Second}); err != nil {
		t.Fatal(err)
	}
	settled := mustContext(t, m, "u2", "p2", "")
	if _, err := m.RegisterTrigger(settled.ID, TriggerSpec{Elapsed: 30 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginTransition(settled.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkStable(settled.ID); err != nil {
		t.Fatal(err)
	}

	clk.Advance(10 * time.Second)
	if n := m.SafetyCheck(context.Background()); n != 0 {
		t.Fatalf("fired early: %d", n)
	}

	clk.Advance(25 * time.Second)
	if n := m.SafetyCheck(context.Background()); n != 1 {
		t.Fatalf("SafetyCheck = %d, want 1", n)
	}

	fb, _ := m.Fallbacks(stuck.ID)
	if len(fb) != 1 {
		t.Fatalf("stuck context firings = %d", len(fb))
	}
	if !strings.Contains(fb[0].Reason, "exceeded threshold") {
		t.Errorf("reason = %q", fb[0].Reason)
	}
	if fb, _ := m.Fallbacks(settled.ID); len(fb) != 0 {
		t.Errorf("stable context fired: %+v", fb)
	}
}

func TestCachedContentRecovery(t *testing.T) {
	cache := &fakeCache{pages: map[string]string{
		"page-hit": "<main>cached copy</main>",
	}}
	m, _ := newTestMonitor(t, Config{Cache: cache})

	hit := mustContext(t, m, "u1", "page-hit", "")
	if _, err := m.RegisterTrigger(hit.ID, TriggerSpec{Violations: 1, Action: ActionCachedContent}); err != nil {
		t.Fatal(err)
	}
	m.RecordViolation(hit.ID, ViolationConsistency, SeverityLow, "", "")
	fb, _ := m.Fallbacks(hit.ID)
	if len(fb) != 1 || fb[0].Content != "<main>cached copy</main>" {
		t.Fatalf("cache hit firing = %+v", fb)
	}

	// Cache miss degrades to the static fallback.
	miss := mustContext(t, m, "u2", "page-miss", "")
	if _, err := m.RegisterTrigger(miss.ID, TriggerSpec{Violations: 1, Action: ActionCachedContent}); err != nil {
		t.Fatal(err)
	}
	m.RecordViolation(miss.ID, ViolationConsistency, SeverityLow, "", "")
	fb, _ = m.Fallbacks(miss.ID)
	if len(fb) != 1 || !strings.Contains(fb[0].Content, "esq-safe-fallback") {
		t.Fatalf("cache miss firing = %+v", fb)
	}
}

func TestPreviousStateRecovery(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	c := mustContext(t, m, "user-1", "page-a", LevelBalanced)

	if err := m.RecordPageState("user-1", "page-a", "<main>last good render</main>"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.HandleNavigation(context.Background(), c.ID, "page-b"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterTrigger(c.ID, TriggerSpec{Violations: 1, Action: ActionPreviousState}); err != nil {
		t.Fatal(err)
	}

	m.RecordViolation(c.ID, ViolationConsistency, SeverityLow, "", "")
	fb, _ := m.Fallbacks(c.ID)
	if len(fb) != 1 || fb[0].Content != "<main>last good render</main>" {
		t.Fatalf("previous-state firing = %+v", fb)
	}

	// No navigation history degrades to the static fallback.
	fresh := mustContext(t, m, "user-2", "page-x", "")
	if _, err := m.RegisterTrigger(fresh.ID, TriggerSpec{Violations: 1, Action: ActionPreviousState}); err != nil {
		t.Fatal(err)
	}
	m.RecordViolation(fresh.ID, ViolationConsistency, SeverityLow, "", "")
	fb, _ = m.Fallbacks(fresh.ID)
	if len(fb) != 1 || !strings.Contains(fb[0].Content, "esq-safe-fallback") {
		t.Fatalf("no-history firing = %+v", fb)
	}
}
