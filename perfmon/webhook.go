package perfmon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/esquisse/guard"
)

// WebhookSink POSTs critical alerts and health transitions as JSON to a URL
// with retry and exponential backoff. It implements AlertSink.
type WebhookSink struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *WebhookSink) { w.maxRetries = n }
}

// WithWebhookBackoff sets the base backoff unit. Default: 1s. Attempt n
// waits base << (n-1).
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *WebhookSink) { w.backoff = d }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *WebhookSink) { w.logger = l }
}

// NewWebhookSink creates a WebhookSink targeting the given URL.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type webhookEnvelope struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Notify posts an alert.
func (w *WebhookSink) Notify(ctx context.Context, a Alert) error {
	return w.post(ctx, "alert", a.LastSeenAt, a)
}

// NotifyHealth posts a health report, used on status transitions.
func (w *WebhookSink) NotifyHealth(ctx context.Context, rep HealthReport) error {
	return w.post(ctx, "health", rep.GeneratedAt, rep)
}

func (w *WebhookSink) post(ctx context.Context, typ string, at time.Time, data any) error {
	body, err := json.Marshal(webhookEnvelope{Type: typ, At: at, Data: data})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook: request failed", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			resp.Body.Close()
			return nil
		}
		// A small slice of the response body carries the receiver's error
		// detail. Oversized bodies fall back to status only.
		snippet, _ := guard.LimitedReadAll(resp.Body, 512)
		resp.Body.Close()
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
		if s := bytes.TrimSpace(snippet); len(s) > 0 {
			lastErr = fmt.Errorf("webhook: status %d: %s", resp.StatusCode, s)
		}
		w.logger.Warn("webhook: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("webhook: all retries exhausted: %w", lastErr)
}
