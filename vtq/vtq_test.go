package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/esquisse/dbopen"
	"github.com/hazyhaar/esquisse/tick"
	"github.com/hazyhaar/esquisse/vtq"
)

func newQ(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func testClock() *tick.Virtual {
	return tick.NewVirtual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestPublishAndClaim(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Clock: testClock()})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "j1" {
		t.Fatalf("id = %q, want j1", job.ID)
	}
	if string(job.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", job.Payload)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}

	// Second claim returns nil, the job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("job should be invisible while claimed")
	}
}

func TestAck(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Clock: testClock()})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len after ack = %d, want 0", n)
	}
}

func TestNack(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Clock: testClock()})
	ctx := context.Background()

	q.Publish(ctx, "j1", []byte("retry-me"))
	job, _ := q.Claim(ctx)

	// Nack makes it visible again immediately.
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected the job back after nack")
	}
	if job2.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job2.Attempts)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t)
	clk := testClock()
	q := newQ(t, db, vtq.Options{Visibility: 30 * time.Second, Clock: clk})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Claim(ctx)

	// Still inside the visibility window.
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("job should be invisible")
	}

	// Holder crashed; the window expires and the job reappears.
	clk.Advance(31 * time.Second)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared after the timeout")
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestExtend(t *testing.T) {
	db := dbopen.OpenMemory(t)
	clk := testClock()
	q := newQ(t, db, vtq.Options{Visibility: 30 * time.Second, Clock: clk})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)

	if err := q.Extend(ctx, job.ID, 5*time.Minute); err != nil {
		t.Fatal(err)
	}

	// Past the original window but inside the extension.
	clk.Advance(31 * time.Second)
	if job2, _ := q.Claim(ctx); job2 != nil {
		t.Fatal("job should still be invisible after extend")
	}
}

func TestMaxAttemptsDiscards(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{
		Clock:        testClock(),
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)

	// Exhaust the attempt budget.
	for i := 0; i < 2; i++ {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", i+1)
		}
		q.Nack(ctx, job.ID)
	}

	// The consumer discards the poisoned job without calling the handler.
	var handled bool
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		handled = true
		return nil
	})

	if handled {
		t.Fatal("handler called for a job past its attempt budget")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("discarded job still present, len = %d", n)
	}
}

func TestMultipleQueues(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q1 := newQ(t, db, vtq.Options{Queue: "alerts", Clock: testClock()})
	q2 := newQ(t, db, vtq.Options{Queue: "exports", Clock: testClock()})
	ctx := context.Background()

	q1.Publish(ctx, "a1", []byte("alert"))
	q2.Publish(ctx, "e1", []byte("export"))

	j1, _ := q1.Claim(ctx)
	j2, _ := q2.Claim(ctx)

	if j1 == nil || j1.ID != "a1" {
		t.Fatal("alerts queue should serve a1")
	}
	if j2 == nil || j2.ID != "e1" {
		t.Fatal("exports queue should serve e1")
	}

	// Queues are isolated.
	if j, _ := q1.Claim(ctx); j != nil {
		t.Fatal("alerts queue should be drained")
	}
}

func TestRunConsumer(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{
		Clock:        testClock(),
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Publish(ctx, "j1", []byte("one"))
	q.Publish(ctx, "j2", []byte("two"))
	q.Publish(ctx, "j3", []byte("three"))

	var mu sync.Mutex
	var got []string

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		got = append(got, j.ID)
		done := len(got) == 3
		mu.Unlock()
		if done {
			cancel()
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("processed %d jobs, want 3: %v", len(got), got)
	}
}

func TestRunHandlerErrorRedelivers(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{
		Clock:        testClock(),
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)

	var mu sync.Mutex
	attempts := 0

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// Nack makes the job immediately visible, so the next poll retries it
	// without waiting out the visibility window.
	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		attempts++
		a := attempts
		mu.Unlock()
		if a == 1 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", attempts)
	}
}

func TestPurge(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Clock: testClock()})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Publish(ctx, "j2", nil)

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len after purge = %d, want 0", n)
	}
}
