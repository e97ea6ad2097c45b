// Package heartbeat implements the periodic wake-emitter: a synthetic
// inbound envelope per registered chat, debounced, active-hours gated, and
// ack/dedupe suppressed on the way back out (spec.md §4.4).
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

const defaultPrompt = "Heartbeat check-in: review pending tasks, memory, and any unresolved threads. Respond only if there is something actionable."

type sentRecord struct {
	content string
	at      int64
}

// Source drives heartbeat wakes for every registered chat.
type Source struct {
	store  *store.Storage
	bus    *bus.Bus
	cfg    config.HeartbeatConfig
	logger *slog.Logger

	mu                      sync.Mutex
	debounce                map[string]*time.Timer
	dispatchCountThisWindow int

	dedupeMu  sync.Mutex
	sentCache map[string]sentRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Source over the given Storage and Bus.
func New(st *store.Storage, b *bus.Bus, cfg config.HeartbeatConfig, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		store:     st,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		debounce:  make(map[string]*time.Timer),
		sentCache: make(map[string]sentRecord),
	}
}

// Start launches the interval ticker. A no-op when heartbeat is disabled.
func (s *Source) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()
}

// Stop cancels the ticker and any pending debounce timers. Idempotent.
func (s *Source) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil

	s.mu.Lock()
	for _, t := range s.debounce {
		t.Stop()
	}
	s.debounce = make(map[string]*time.Timer)
	s.mu.Unlock()
}

func (s *Source) sweep(ctx context.Context) {
	s.mu.Lock()
	s.dispatchCountThisWindow = 0
	s.mu.Unlock()

	chats, err := s.store.ListRegisteredChats(ctx)
	if err != nil {
		s.logger.Error("heartbeat: list registered chats failed", "error", err)
		return
	}
	for _, chat := range chats {
		s.requestWake(ctx, chat.Channel, chat.ChatID)
	}
}

// ForceWake requests an out-of-band wake for one chat, subject to the same
// debounce as a natural tick.
func (s *Source) ForceWake(channel, chatID string) {
	s.requestWake(context.Background(), channel, chatID)
}

func (s *Source) requestWake(ctx context.Context, channel, chatID string) {
	key := channel + "|" + chatID
	debounceMs := time.Duration(s.cfg.WakeDebounceMs) * time.Millisecond

	s.mu.Lock()
	if t, ok := s.debounce[key]; ok {
		t.Stop()
	}
	s.debounce[key] = time.AfterFunc(debounceMs, func() { s.dispatch(ctx, channel, chatID) })
	s.mu.Unlock()
}

func (s *Source) dispatch(ctx context.Context, channel, chatID string) {
	if !s.inActiveHours(time.Now()) {
		return
	}

	if s.cfg.SkipWhenInboundBusy {
		busy, err := s.store.HasPendingInbound(ctx, channel, chatID)
		if err != nil {
			s.logger.Error("heartbeat: pending-inbound check failed", "channel", channel, "chatId", chatID, "error", err)
			return
		}
		if busy {
			time.AfterFunc(time.Duration(s.cfg.WakeRetryMs)*time.Millisecond, func() { s.dispatch(ctx, channel, chatID) })
			return
		}
	}

	s.mu.Lock()
	if s.cfg.MaxDispatchPerRun > 0 && s.dispatchCountThisWindow >= s.cfg.MaxDispatchPerRun {
		s.mu.Unlock()
		s.logger.Debug("heartbeat: max dispatch per run reached", "channel", channel, "chatId", chatID)
		return
	}
	s.dispatchCountThisWindow++
	s.mu.Unlock()

	env := bus.Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "heartbeat",
		Content:   s.prompt(),
		CreatedAt: time.Now().UnixMilli(),
		Metadata:  map[string]string{"isHeartbeat": "true"},
	}
	if _, err := s.bus.PublishInbound(ctx, env); err != nil {
		s.logger.Error("heartbeat: publish inbound failed", "channel", channel, "chatId", chatID, "error", err)
	}
}

func (s *Source) prompt() string {
	if s.cfg.PromptPath == "" {
		return defaultPrompt
	}
	b, err := os.ReadFile(s.cfg.PromptPath)
	if err != nil {
		s.logger.Warn("heartbeat: prompt file unreadable, using default", "path", s.cfg.PromptPath, "error", err)
		return defaultPrompt
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return defaultPrompt
	}
	return p
}

// inActiveHours evaluates cfg.ActiveHours as "HH:mm-HH:mm" in process-local
// time; an empty window means always active.
func (s *Source) inActiveHours(now time.Time) bool {
	if s.cfg.ActiveHours == "" {
		return true
	}
	start, end, err := parseActiveHours(s.cfg.ActiveHours)
	if err != nil {
		s.logger.Warn("heartbeat: invalid activeHours, treating as always-on", "activeHours", s.cfg.ActiveHours, "error", err)
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end // window wraps past midnight
}

func parseActiveHours(spec string) (startMin, endMin int, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:mm-HH:mm, got %q", spec)
	}
	startMin, err = parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range %q", s)
	}
	return h*60 + m, nil
}

// ShouldSuppressOutbound implements the Router's heartbeat-ack and
// recent-duplicate suppression rules (spec.md §4.4 step 7). Call this
// before publishing the outbound for a completed turn; if it returns true,
// skip the publish. The Router still completes the ledger row with the
// content; no separate skipped marker is stored.
func (s *Source) ShouldSuppressOutbound(channel, chatID string, isHeartbeatTurn bool, content string) bool {
	if isHeartbeatTurn && s.cfg.SuppressAck && s.cfg.AckToken != "" && content == s.cfg.AckToken {
		return true
	}

	key := channel + "|" + chatID
	now := time.Now().UnixMilli()

	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()
	if rec, ok := s.sentCache[key]; ok && rec.content == content && now-rec.at < int64(s.cfg.DedupeWindowMs) {
		return true
	}
	return false
}

// RecordSent records a successfully published outbound for future dedupe
// comparisons. Call after a publish that was not suppressed.
func (s *Source) RecordSent(channel, chatID, content string) {
	key := channel + "|" + chatID
	s.dedupeMu.Lock()
	s.sentCache[key] = sentRecord{content: content, at: time.Now().UnixMilli()}
	s.dedupeMu.Unlock()
}
