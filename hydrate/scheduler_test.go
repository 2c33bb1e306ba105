package hydrate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInitialize_AlgorithmAssignment(t *testing.T) {
	sc, _ := newTestScheduler(t, Config{Hydrator: newRecordHydrator()})

	tests := []struct {
		name string
		sig  ClientSignals
		want string
	}{
		{"default adaptive", ClientSignals{BandwidthMbps: 10}, AlgoAdaptive},
		{"data saver", ClientSignals{SaveData: true}, AlgoNetworkAware},
		{"low battery", ClientSignals{BatteryLevel: 0.15}, AlgoBatteryConscious},
		{"charging low battery", ClientSignals{BatteryLevel: 0.15, BatteryCharging: true}, AlgoAdaptive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := sc.Initialize("page-1", tt.sig)
			if err != nil {
				t.Fatal(err)
			}
			if s.Algorithm() != tt.want {
				t.Errorf("algorithm = %s, want %s", s.Algorithm(), tt.want)
			}
		})
	}
}

func TestInitialize_Validation(t *testing.T) {
	sc, _ := newTestScheduler(t, Config{Hydrator: newRecordHydrator(), MaxSessions: 2})

	if _, err := sc.Initialize("", ClientSignals{}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty page: %v, want ErrInvalidTarget", err)
	}
	if _, err := sc.Initialize("page-1", ClientSignals{BandwidthMbps: -4}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("negative bandwidth: %v, want ErrInvalidTarget", err)
	}

	s, err := sc.Initialize("page-1", ClientSignals{BatteryLevel: 3.5})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Signals().BatteryLevel; got != 1 {
		t.Errorf("battery level clamped to %.1f, want 1", got)
	}

	if _, err := sc.Initialize("page-2", ClientSignals{}); err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Initialize("page-3", ClientSignals{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("over limit: %v, want ErrTooManySessions", err)
	}
}

func TestSweep_Retention(t *testing.T) {
	sc, clk := newTestScheduler(t, Config{Hydrator: newRecordHydrator(), Retention: time.Minute})

	done, err := sc.Initialize("page-1", ClientSignals{})
	if err != nil {
		t.Fatal(err)
	}
	mustRegister(t, done, TargetSpec{ElementID: "main"})
	if err := done.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	active, err := sc.Initialize("page-2", ClientSignals{})
	if err != nil {
		t.Fatal(err)
	}

	if removed := sc.Sweep(context.Background()); removed != 0 {
		t.Fatalf("early sweep removed %d", removed)
	}
	clk.Advance(2 * time.Minute)
	if removed := sc.Sweep(context.Background()); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if _, ok := sc.Get(done.ID()); ok {
		t.Error("completed session survived sweep")
	}
	if _, ok := sc.Get(active.ID()); !ok {
		t.Error("active session was swept")
	}
}

func TestSchedulerStats(t *testing.T) {
	h := newRecordHydrator()
	h.fail["bad"] = errors.New("no bundle")
	sc, _ := newTestScheduler(t, Config{Hydrator: h, LazyProfiles: map[string]LazyProfile{
		"default": {PayloadBytes: 10, LoadDuration: 0},
	}})

	s1, err := sc.Initialize("page-1", ClientSignals{})
	if err != nil {
		t.Fatal(err)
	}
	mustRegister(t, s1, TargetSpec{ElementID: "good"})
	mustRegister(t, s1, TargetSpec{ElementID: "bad"})
	if _, err := s1.RegisterLazy("image", "img-1"); err != nil {
		t.Fatal(err)
	}
	if err := s1.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, s1)
	if _, err := s1.ProcessLazy(context.Background(), "image", 0); err != nil {
		t.Fatal(err)
	}

	s2, err := sc.Initialize("page-2", ClientSignals{})
	if err != nil {
		t.Fatal(err)
	}
	s2.Cancel()

	got := sc.Stats()
	want := Stats{
		ActiveSessions:  0,
		TotalSessions:   2,
		TotalTargets:    2,
		TotalHydrated:   1,
		TotalErrored:    1,
		TotalLazyLoaded: 1,
		TotalCompleted:  1,
		TotalCancelled:  1,
	}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	list := sc.List()
	if len(list) != 2 || list[0].ID >= list[1].ID {
		t.Errorf("list = %+v", list)
	}
}
