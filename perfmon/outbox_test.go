package perfmon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/esquisse/dbopen"
	"github.com/hazyhaar/esquisse/idgen"
)

func newTestOutbox(t *testing.T, sink AlertSink) *Outbox {
	t.Helper()
	o, err := NewOutbox(dbopen.OpenMemory(t), sink,
		WithOutboxPollInterval(10*time.Millisecond),
		WithOutboxIDs(idgen.Sequential("ob_")),
	)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	return o
}

func startOutbox(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitPending(t *testing.T, o *Outbox, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := o.Pending(context.Background())
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func queuedAlert(id string) Alert {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Alert{
		ID:         id,
		Component:  "render",
		Metric:     "duration_ms",
		Severity:   AlertCritical,
		Value:      1500,
		Threshold:  1000,
		Message:    "render duration_ms critical: 1500 >= 1000",
		Count:      1,
		CreatedAt:  at,
		LastSeenAt: at,
	}
}

func TestOutboxDeliversToSink(t *testing.T) {
	sink := &fakeSink{got: make(chan Alert, 1)}
	o := newTestOutbox(t, sink)

	want := queuedAlert("al_1")
	if err := o.Notify(context.Background(), want); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n, _ := o.Pending(context.Background()); n != 1 {
		t.Fatalf("pending before run = %d, want 1", n)
	}

	startOutbox(t, o)

	select {
	case got := <-sink.got:
		if got.ID != want.ID || got.Severity != AlertCritical || got.Value != want.Value {
			t.Errorf("delivered alert = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never reached the sink")
	}
	waitPending(t, o, 0)
}

type flakySink struct {
	failures atomic.Int32
	calls    atomic.Int32
	got      chan Alert
}

func (f *flakySink) Notify(_ context.Context, a Alert) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("downstream unavailable")
	}
	f.got <- a
	return nil
}

func TestOutboxRedeliversAfterSinkFailure(t *testing.T) {
	sink := &flakySink{got: make(chan Alert, 1)}
	sink.failures.Store(2)
	o := newTestOutbox(t, sink)

	if err := o.Notify(context.Background(), queuedAlert("al_2")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	startOutbox(t, o)

	select {
	case got := <-sink.got:
		if got.ID != "al_2" {
			t.Errorf("delivered alert ID = %q, want al_2", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never delivered after sink recovery")
	}
	if n := sink.calls.Load(); n != 3 {
		t.Errorf("sink calls = %d, want 3", n)
	}
	waitPending(t, o, 0)
}

func TestOutboxDropsCorruptPayload(t *testing.T) {
	sink := &fakeSink{got: make(chan Alert, 2)}
	o := newTestOutbox(t, sink)

	// Corrupt bytes go straight into the queue, bypassing Notify's marshal.
	if err := o.q.Publish(context.Background(), "ob_bad", []byte("{not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := o.Notify(context.Background(), queuedAlert("al_3")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	startOutbox(t, o)

	select {
	case got := <-sink.got:
		if got.ID != "al_3" {
			t.Errorf("delivered alert ID = %q, want al_3", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid alert never delivered")
	}
	waitPending(t, o, 0)

	select {
	case got := <-sink.got:
		t.Fatalf("unexpected second delivery: %+v", got)
	default:
	}
}

func TestOutboxQueuesRepeatNotifications(t *testing.T) {
	sink := &fakeSink{got: make(chan Alert, 2)}
	o := newTestOutbox(t, sink)

	a := queuedAlert("al_4")
	if err := o.Notify(context.Background(), a); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	// The same alert can re-notify on escalation while the first delivery
	// is still queued. Each notification gets its own job.
	a.Count = 2
	if err := o.Notify(context.Background(), a); err != nil {
		t.Fatalf("second Notify for the same alert: %v", err)
	}
	if n, _ := o.Pending(context.Background()); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}
}
