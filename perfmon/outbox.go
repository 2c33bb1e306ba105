// CLAUDE:SUMMARY Durable alert outbox: Notify persists to a SQLite queue, Run drains it into the wrapped sink.
package perfmon

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
	"github.com/hazyhaar/esquisse/vtq"
)

// Outbox is a durable AlertSink. Notify persists the alert to a SQLite
// visibility-timeout queue and returns immediately; Run drains the queue
// into the wrapped sink, redelivering until the sink accepts or the attempt
// budget runs out. Alerts survive process restarts in between.
type Outbox struct {
	q      *vtq.Q
	sink   AlertSink
	ids    idgen.Generator
	logger *slog.Logger

	visibility   time.Duration
	pollInterval time.Duration
	maxAttempts  int
	clock        tick.Clock
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxLogger sets a custom logger.
func WithOutboxLogger(l *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = l }
}

// WithOutboxIDs sets the job ID generator.
func WithOutboxIDs(g idgen.Generator) OutboxOption {
	return func(o *Outbox) { o.ids = g }
}

// WithOutboxClock sets the clock driving visibility arithmetic.
func WithOutboxClock(c tick.Clock) OutboxOption {
	return func(o *Outbox) { o.clock = c }
}

// WithOutboxVisibility sets how long a claimed delivery stays invisible
// before a crashed deliverer loses it. Default: 1m.
func WithOutboxVisibility(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.visibility = d }
}

// WithOutboxPollInterval sets the queue polling cadence. Default: 2s.
func WithOutboxPollInterval(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.pollInterval = d }
}

// WithOutboxMaxAttempts caps redeliveries per alert. Default: 10.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(o *Outbox) { o.maxAttempts = n }
}

// NewOutbox creates the outbox over db and ensures its queue table exists.
// The wrapped sink performs the actual delivery.
func NewOutbox(db *sql.DB, sink AlertSink, opts ...OutboxOption) (*Outbox, error) {
	o := &Outbox{
		sink:         sink,
		ids:          idgen.Prefixed("ob_", idgen.Default),
		logger:       slog.Default(),
		visibility:   time.Minute,
		pollInterval: 2 * time.Second,
		maxAttempts:  10,
		clock:        tick.System{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.q = vtq.New(db, vtq.Options{
		Queue:        "alerts",
		Visibility:   o.visibility,
		PollInterval: o.pollInterval,
		MaxAttempts:  o.maxAttempts,
		Logger:       o.logger,
		Clock:        o.clock,
	})
	if err := o.q.EnsureTable(context.Background()); err != nil {
		return nil, err
	}
	return o, nil
}

// Notify implements AlertSink by enqueueing the alert for delivery.
func (o *Outbox) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return o.q.Publish(ctx, o.ids(), payload)
}

// Run drains queued alerts into the wrapped sink until ctx is cancelled.
// A failed delivery is nacked and retried; a corrupt payload is dropped
// since redelivery cannot fix it.
func (o *Outbox) Run(ctx context.Context) {
	o.q.Run(ctx, func(ctx context.Context, job *vtq.Job) error {
		var a Alert
		if err := json.Unmarshal(job.Payload, &a); err != nil {
			o.logger.Error("perfmon: outbox payload corrupt, dropping", "job", job.ID, "error", err)
			return nil
		}
		return o.sink.Notify(ctx, a)
	})
}

// Pending reports how many alerts await delivery.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	return o.q.Len(ctx)
}
