package perfmon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookSink_PostsEnvelopes(t *testing.T) {
	type received struct {
		contentType string
		body        []byte
	}
	got := make(chan received, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{r.Header.Get("Content-Type"), body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithWebhookBackoff(time.Millisecond))
	ctx := context.Background()

	alert := Alert{ID: "al_1", Component: "render", Metric: "duration_ms", Severity: AlertCritical}
	if err := sink.Notify(ctx, alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	first := <-got
	if first.contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", first.contentType)
	}
	var env struct {
		Type string `json:"type"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(first.body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != "alert" || env.Data.ID != "al_1" {
		t.Errorf("envelope = %+v, want alert al_1", env)
	}

	if err := sink.NotifyHealth(ctx, HealthReport{Score: 42, Status: HealthDegraded}); err != nil {
		t.Fatalf("NotifyHealth: %v", err)
	}
	second := <-got
	if err := json.Unmarshal(second.body, &env); err != nil {
		t.Fatalf("decode health envelope: %v", err)
	}
	if env.Type != "health" {
		t.Errorf("envelope type = %q, want health", env.Type)
	}
}

func TestWebhookSink_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookRetries(3))
	if err := sink.Notify(context.Background(), Alert{ID: "al_1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestWebhookSink_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "alert quota exceeded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookRetries(1))
	err := sink.Notify(context.Background(), Alert{ID: "al_1"})
	if err == nil || !strings.Contains(err.Error(), "all retries exhausted") {
		t.Fatalf("Notify = %v, want retries exhausted", err)
	}
	if !strings.Contains(err.Error(), "alert quota exceeded") {
		t.Errorf("error %v does not carry the receiver's body detail", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestWebhookSink_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewWebhookSink(srv.URL, WithWebhookBackoff(time.Minute))
	err := sink.Notify(ctx, Alert{ID: "al_1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Notify = %v, want context.Canceled", err)
	}
}
