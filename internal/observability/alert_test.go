package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAlertChecker_Fire_PostsJSONPayload(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected application/json content type, got %q", r.Header.Get("Content-Type"))
		}
	}))
	defer srv.Close()

	a := newAlertChecker(config.SloConfig{AlertWebhookURL: srv.URL, AlertCooldownMs: 60000}, discardLogger())
	a.fire(context.Background(), "max_pending_queue:inbound", "too many pending")

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one POST, got %d", hits)
	}
}

func TestAlertChecker_Fire_DebouncesWithinCooldown(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	a := newAlertChecker(config.SloConfig{AlertWebhookURL: srv.URL, AlertCooldownMs: 60000}, discardLogger())
	a.fire(context.Background(), "max_pending_queue:inbound", "breach 1")
	a.fire(context.Background(), "max_pending_queue:inbound", "breach 2")

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected the second breach of the same kind within the cooldown to be suppressed, got %d posts", hits)
	}
}

func TestAlertChecker_Fire_DistinctKindsAreNotDebouncedTogether(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	a := newAlertChecker(config.SloConfig{AlertWebhookURL: srv.URL, AlertCooldownMs: 60000}, discardLogger())
	a.fire(context.Background(), "max_pending_queue:inbound", "breach")
	a.fire(context.Background(), "max_tool_failure_rate", "breach")

	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected distinct alert kinds to each post independently, got %d posts", hits)
	}
}

func TestAlertChecker_Fire_NoWebhookURLDoesNotPanic(t *testing.T) {
	a := newAlertChecker(config.SloConfig{}, discardLogger())
	a.fire(context.Background(), "max_pending_queue:inbound", "breach")
	// absence of a webhook URL degrades to a log line; reaching here without
	// panicking is the assertion.
	time.Sleep(time.Millisecond)
}
