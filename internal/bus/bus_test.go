package bus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestBus(t *testing.T, cfg config.BusConfig) (*Bus, *store.Storage) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "coreclaw.db"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, cfg, nil), st
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		PollMs:                   10,
		BatchSize:                10,
		MaxAttempts:              2,
		RetryBackoffMs:           0,
		MaxRetryBackoffMs:        0,
		ProcessingTimeoutMs:      5000,
		MaxPendingInbound:        100,
		MaxPendingOutbound:       100,
		OverloadPendingThreshold: 1000,
		OverloadBackoffMs:        0,
		PerChatRateLimitWindowMs: 60000,
		PerChatRateLimitMax:      1000,
	}
}

func TestBus_PublishInbound_DispatchesToHandlerAndMarksProcessed(t *testing.T) {
	b, st := newTestBus(t, testBusConfig())
	ctx := context.Background()

	var received Envelope
	b.RegisterInboundHandler(func(ctx context.Context, env Envelope) error {
		received = env
		return nil
	})

	env := Envelope{Channel: "cli", ChatID: "local", Content: "hello"}
	res, err := b.PublishInbound(ctx, env)
	if err != nil {
		t.Fatalf("publish inbound: %v", err)
	}

	b.tick(ctx, Inbound)

	if received.Content != "hello" {
		t.Fatalf("handler was not invoked with the published envelope, got %+v", received)
	}

	rec, err := st.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != store.StatusProcessed {
		t.Fatalf("status = %q, want processed", rec.Status)
	}
}

func TestBus_DispatchOne_RetriesThenSucceeds(t *testing.T) {
	b, st := newTestBus(t, testBusConfig())
	ctx := context.Background()

	attempt := 0
	b.RegisterInboundHandler(func(ctx context.Context, env Envelope) error {
		attempt++
		if attempt == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	res, err := b.PublishInbound(ctx, Envelope{Channel: "cli", ChatID: "local", Content: "retry me"})
	if err != nil {
		t.Fatalf("publish inbound: %v", err)
	}

	b.tick(ctx, Inbound)
	rec, err := st.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != store.StatusPending {
		t.Fatalf("status after first failure = %q, want pending (retry)", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	b.tick(ctx, Inbound)
	rec, err = st.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != store.StatusProcessed {
		t.Fatalf("status after retry succeeds = %q, want processed", rec.Status)
	}
	if attempt != 2 {
		t.Fatalf("handler invoked %d times, want 2", attempt)
	}
}

func TestBus_DispatchOne_DeadLettersOnPermanentFailure(t *testing.T) {
	b, st := newTestBus(t, testBusConfig())
	ctx := context.Background()

	b.RegisterInboundHandler(func(ctx context.Context, env Envelope) error {
		return errors.New("permanent failure")
	})

	res, err := b.PublishInbound(ctx, Envelope{Channel: "cli", ChatID: "local", Content: "never works"})
	if err != nil {
		t.Fatalf("publish inbound: %v", err)
	}

	// maxAttempts=2: first tick retries, second tick exhausts attempts and dead-letters.
	b.tick(ctx, Inbound)
	b.tick(ctx, Inbound)

	rec, err := st.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != store.StatusDeadLetter {
		t.Fatalf("status = %q, want dead_letter", rec.Status)
	}
	if rec.LastError != "permanent failure" {
		t.Fatalf("lastError = %q, want %q", rec.LastError, "permanent failure")
	}
}

func TestBus_OutboundHandlersAreIndependentOfInbound(t *testing.T) {
	b, _ := newTestBus(t, testBusConfig())
	ctx := context.Background()

	inboundCalls, outboundCalls := 0, 0
	b.RegisterInboundHandler(func(ctx context.Context, env Envelope) error { inboundCalls++; return nil })
	b.RegisterOutboundHandler(func(ctx context.Context, env Envelope) error { outboundCalls++; return nil })

	if _, err := b.PublishOutbound(ctx, Envelope{Channel: "cli", ChatID: "local", Content: "reply"}); err != nil {
		t.Fatalf("publish outbound: %v", err)
	}

	b.tick(ctx, Outbound)

	if outboundCalls != 1 {
		t.Fatalf("outbound handler invoked %d times, want 1", outboundCalls)
	}
	if inboundCalls != 0 {
		t.Fatalf("inbound handler invoked %d times on an outbound publish, want 0", inboundCalls)
	}
}
