package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Bus is a durable, single-writer message queue over Storage. One dispatch
// goroutine runs per direction; handlers within a direction are invoked
// sequentially in claim order (spec.md §5).
type Bus struct {
	store  *store.Storage
	cfg    config.BusConfig
	logger *slog.Logger

	mu                sync.Mutex
	inboundHandlers  []Handler
	outboundHandlers []Handler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New constructs a Bus over the given Storage.
func New(st *store.Storage, cfg config.BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: st, cfg: cfg, logger: logger}
}

// RegisterInboundHandler adds a handler invoked for each claimed inbound
// envelope. Handlers run in registration order.
func (b *Bus) RegisterInboundHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboundHandlers = append(b.inboundHandlers, h)
}

// RegisterOutboundHandler adds a handler invoked for each claimed outbound
// envelope (typically one per channel implementation).
func (b *Bus) RegisterOutboundHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboundHandlers = append(b.outboundHandlers, h)
}

// Start runs the restart-recovery sweep, then launches one dispatch
// goroutine per direction.
func (b *Bus) Start(ctx context.Context) error {
	if b.started {
		return nil
	}
	b.started = true

	if _, err := b.store.RecoverStaleProcessing(ctx, int64(b.cfg.ProcessingTimeoutMs)); err != nil {
		return fmt.Errorf("recover stale processing: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(2)
	go b.dispatchLoop(runCtx, Inbound)
	go b.dispatchLoop(runCtx, Outbound)
	return nil
}

// Stop is idempotent. It signals both dispatch loops to exit and waits for
// any in-flight handler to finish, bounded by processingTimeoutMs.
func (b *Bus) Stop() {
	if b.stopped || !b.started {
		return
	}
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(b.cfg.ProcessingTimeoutMs) * time.Millisecond):
		b.logger.Warn("bus: stop timed out waiting for in-flight handlers")
	}
}

func (b *Bus) dispatchLoop(ctx context.Context, direction Direction) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.PollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx, direction)
		}
	}
}

func (b *Bus) tick(ctx context.Context, direction Direction) {
	pending, err := b.store.CountPending(ctx, direction)
	if err != nil {
		b.logger.Error("bus: count pending failed", "direction", direction, "error", err)
		return
	}
	if pending > b.cfg.OverloadPendingThreshold {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(b.cfg.OverloadBackoffMs) * time.Millisecond):
		}
	}

	claimed, err := b.store.ClaimBatch(ctx, direction, b.cfg.BatchSize)
	if err != nil {
		b.logger.Error("bus: claim batch failed", "direction", direction, "error", err)
		return
	}

	handlers := b.handlersFor(direction)
	for _, rec := range claimed {
		b.dispatchOne(ctx, rec, handlers)
	}
}

func (b *Bus) handlersFor(direction Direction) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if direction == Inbound {
		return append([]Handler(nil), b.inboundHandlers...)
	}
	return append([]Handler(nil), b.outboundHandlers...)
}

func (b *Bus) dispatchOne(ctx context.Context, rec Record, handlers []Handler) {
	var env Envelope
	if err := json.Unmarshal([]byte(rec.Payload), &env); err != nil {
		b.retryOrDeadLetter(ctx, rec, fmt.Errorf("decode envelope: %w", err))
		return
	}

	deadline := time.Duration(b.cfg.ProcessingTimeoutMs) * time.Millisecond
	handlerCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for _, h := range handlers {
			if err := h(handlerCtx, env); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			b.retryOrDeadLetter(ctx, rec, err)
			return
		}
		if err := b.store.MarkProcessed(ctx, rec.ID); err != nil {
			b.logger.Error("bus: mark processed failed", "queueId", rec.ID, "error", err)
		}
	case <-handlerCtx.Done():
		b.retryOrDeadLetter(ctx, rec, fmt.Errorf("handler timeout after %dms", b.cfg.ProcessingTimeoutMs))
	}
}

func (b *Bus) retryOrDeadLetter(ctx context.Context, rec Record, cause error) {
	backoff := b.cfg.RetryBackoffMs * (1 << rec.Attempts)
	if backoff > b.cfg.MaxRetryBackoffMs {
		backoff = b.cfg.MaxRetryBackoffMs
	}
	next := nowMs() + int64(backoff)
	if err := b.store.MarkRetryOrDeadLetter(ctx, rec.ID, rec.Attempts, rec.MaxAttempts, next, cause.Error()); err != nil {
		b.logger.Error("bus: retry/dead-letter transition failed", "queueId", rec.ID, "error", err)
	}
}

// PublishInbound enqueues an envelope on the inbound lane, applying dedupe,
// per-chat rate limiting, and queue-overflow dead-lettering.
func (b *Bus) PublishInbound(ctx context.Context, env Envelope) (store.PublishResult, error) {
	return b.publish(ctx, Inbound, env, b.cfg.MaxPendingInbound)
}

// PublishOutbound enqueues an envelope on the outbound lane.
func (b *Bus) PublishOutbound(ctx context.Context, env Envelope) (store.PublishResult, error) {
	return b.publish(ctx, Outbound, env, b.cfg.MaxPendingOutbound)
}

func (b *Bus) publish(ctx context.Context, direction Direction, env Envelope, maxPending int) (store.PublishResult, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = nowMs()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return store.PublishResult{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return b.store.PublishEnvelope(ctx, direction, env.ID, env.Channel, env.ChatID, string(payload),
		b.cfg.MaxAttempts, maxPending, int64(b.cfg.PerChatRateLimitWindowMs), b.cfg.PerChatRateLimitMax)
}

// ListDeadLetter and ReplayDeadLetter expose the bus's dead-letter surface
// to the CLI `/dlq` command and the admin observability endpoints.
func (b *Bus) ListDeadLetter(ctx context.Context, direction Direction, limit int) ([]Record, error) {
	return b.store.ListDeadLetter(ctx, direction, limit)
}

func (b *Bus) ReplayDeadLetter(ctx context.Context, queueID string, direction Direction, limit int) (int, error) {
	return b.store.ReplayDeadLetter(ctx, queueID, direction, limit)
}
