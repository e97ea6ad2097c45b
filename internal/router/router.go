// Package router implements the Conversation Router: the single entry
// point that turns one inbound envelope into zero or one outbound
// envelope, owning the effectively-once ledger along the way
// (spec.md §4.9). It generalizes the teacher's per-session orchestration,
// previously spread across cmd/gateway_consumer.go and agent/loop.go, into
// one component.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/heartbeat"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tools"
)

const summarizePrompt = "Summarize the conversation in 150 words or fewer, preserving names, decisions, and open threads."

// Router wires the ledger, Context Builder, and Agent Runtime together
// behind one Bus inbound handler.
type Router struct {
	store     *store.Storage
	bus       *bus.Bus
	heartbeat *heartbeat.Source
	registry  *tools.Registry
	provider  providers.Provider
	cfg       config.Config
	builder   *agent.ContextBuilder
	runtime   *agent.Runtime
	logger    *slog.Logger
}

func New(st *store.Storage, b *bus.Bus, hb *heartbeat.Source, registry *tools.Registry, provider providers.Provider, cfg config.Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     st,
		bus:       b,
		heartbeat: hb,
		registry:  registry,
		provider:  provider,
		cfg:       cfg,
		builder:   agent.NewContextBuilder(),
		runtime:   agent.NewRuntime(),
		logger:    logger,
	}
}

// HandleInbound implements bus.Handler, run as the single registered
// inbound dispatch handler. ctx is the bus's per-dispatch deadline context;
// honoring it (rather than running on a detached context) ensures a handler
// timeout actually stops this run instead of leaving it to execute
// concurrently with a retried or reclaimed copy of the same envelope.
func (r *Router) HandleInbound(ctx context.Context, env bus.Envelope) error {
	// 1. Look up or insert Chat; derive RunMode.
	chat, err := r.store.GetOrCreateChat(ctx, env.Channel, env.ChatID)
	if err != nil {
		return fmt.Errorf("router: get or create chat: %w", err)
	}
	mode := agent.DeriveRunMode(env)

	// 2. Ledger gate.
	outboundID := fmt.Sprintf("outbound:%s:%s:%s", env.Channel, env.ChatID, env.ID)
	ledger, claimed, err := r.store.TryStartInboundExecution(ctx, env.ID, outboundID, int64(r.cfg.Bus.ProcessingTimeoutMs))
	if err != nil {
		return fmt.Errorf("router: ledger gate: %w", err)
	}
	if !claimed {
		if ledger.Status == store.ExecCompleted {
			return r.republishCompleted(ctx, env, ledger)
		}
		// in_progress and not stale: another worker owns it.
		return nil
	}

	content, runErr := r.run(ctx, env, chat, mode)
	r.finishTaskRun(ctx, env, runErr)
	if runErr != nil {
		if failErr := r.store.FailInboundExecution(ctx, env.ID); failErr != nil {
			r.logger.Error("router: fail ledger update failed", "messageId", env.ID, "error", failErr)
		}
		return runErr
	}

	// 7. Publish outbound, subject to heartbeat-ack/dedupe suppression.
	suppressed := false
	if r.heartbeat != nil && r.heartbeat.ShouldSuppressOutbound(env.Channel, env.ChatID, mode.Kind == "heartbeat", content) {
		suppressed = true
	}
	if !suppressed {
		if _, err := r.bus.PublishOutbound(ctx, bus.Envelope{
			ID:        outboundID,
			Channel:   env.Channel,
			ChatID:    env.ChatID,
			Content:   content,
			CreatedAt: time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("router: publish outbound: %w", err)
		}
		if r.heartbeat != nil {
			r.heartbeat.RecordSent(env.Channel, env.ChatID, content)
		}
	}

	// 8. Close the ledger.
	if err := r.store.CompleteInboundExecution(ctx, env.ID, content); err != nil {
		return fmt.Errorf("router: complete ledger: %w", err)
	}

	// 9. Wake the heartbeat debounce for this chat unless this run was itself
	// a heartbeat turn.
	if mode.Kind != "heartbeat" && r.heartbeat != nil {
		r.heartbeat.ForceWake(env.Channel, env.ChatID)
	}

	// 10. Post-run compaction, off the request path.
	r.maybeCompact(chat)

	return nil
}

// run performs ledger steps 3-6: persist the inbound, build context, invoke
// the Agent Runtime, and persist the assistant reply.
func (r *Router) run(ctx context.Context, env bus.Envelope, chat store.Chat, mode agent.RunMode) (string, error) {
	if r.shouldPersist(chat, env) {
		if _, err := r.store.InsertMessage(ctx, store.Message{
			ChatFK:   chat.ID,
			Role:     "user",
			SenderID: env.SenderID,
			Content:  env.Content,
			Stored:   true,
		}); err != nil {
			return "", fmt.Errorf("router: persist inbound message: %w", err)
		}
	}

	history, err := r.store.RecentMessages(ctx, chat.ID, r.cfg.HistoryMaxMessages)
	if err != nil {
		return "", fmt.Errorf("router: load history: %w", err)
	}
	convState, err := r.store.GetConversationState(ctx, chat.ID)
	if err != nil {
		return "", fmt.Errorf("router: load conversation state: %w", err)
	}

	messages := r.builder.Build(ctx, agent.BuildOptions{
		Workspace:           r.cfg.WorkspaceDir,
		Chat:                chat,
		Envelope:            env,
		Mode:                mode,
		History:             history,
		ConversationState:   convState,
		HistoryMaxMessages:  r.cfg.HistoryMaxMessages,
		MaxInputTokens:      r.cfg.Provider.MaxInputTokens,
		ReserveOutputTokens: r.cfg.Provider.ReserveOutputTokens,
	})

	result, err := r.runtime.Run(ctx, messages, agent.RuntimeOptions{
		Provider:          r.provider,
		Tools:             r.registry,
		MaxToolIterations: r.cfg.MaxToolIterations,
		ProviderTimeoutMs: r.cfg.Provider.TimeoutMs,
		Model:             r.cfg.Provider.Model,
		Temperature:       r.cfg.Provider.Temperature,
		Role:              chat.Role,
		Channel:           env.Channel,
		ChatID:            env.ChatID,
		Workspace:         r.cfg.WorkspaceDir,
	})
	if err != nil {
		return "", fmt.Errorf("router: agent run: %w", err)
	}

	if r.shouldPersist(chat, env) && result.Content != "" {
		if _, err := r.store.InsertMessage(ctx, store.Message{
			ChatFK:  chat.ID,
			Role:    "assistant",
			Content: result.Content,
			Stored:  true,
		}); err != nil {
			return "", fmt.Errorf("router: persist assistant message: %w", err)
		}
	}

	return result.Content, nil
}

// shouldPersist implements spec.md §4.9 step 3: persist only for registered
// chats or when storeFullMessages is set, and only for identities that pass
// the channel allowlist when one is configured.
func (r *Router) shouldPersist(chat store.Chat, env bus.Envelope) bool {
	if !chat.Registered && !r.cfg.StoreFullMessages {
		return false
	}
	if len(r.cfg.AllowedChannelIdentities) == 0 {
		return true
	}
	for _, id := range r.cfg.AllowedChannelIdentities {
		if id == env.SenderID {
			return true
		}
	}
	return false
}

// finishTaskRun closes out the TaskRun a scheduler firing stashed in
// env.Metadata["taskRunId"], recording success or failure so it never stays
// stuck at status "running" (spec.md §3/§8 Scenario 5). A no-op for envelopes
// that didn't originate from the scheduler.
func (r *Router) finishTaskRun(ctx context.Context, env bus.Envelope, runErr error) {
	taskRunID := env.Metadata["taskRunId"]
	if taskRunID == "" {
		return
	}
	status, errMsg := "success", ""
	if runErr != nil {
		status, errMsg = "failure", runErr.Error()
	}
	if err := r.store.FinishTaskRun(ctx, taskRunID, status, errMsg); err != nil {
		r.logger.Error("router: finish task run failed", "taskRunId", taskRunID, "error", err)
	}
}

// republishCompleted re-emits the already-persisted outbound for a
// previously completed inbound id. PublishOutbound's dedupe-insert makes
// this safe to call even if the outbound was already delivered.
func (r *Router) republishCompleted(ctx context.Context, env bus.Envelope, ledger store.InboundExecution) error {
	if ledger.OutboundID == "" {
		return nil
	}
	_, err := r.bus.PublishOutbound(ctx, bus.Envelope{
		ID:        ledger.OutboundID,
		Channel:   env.Channel,
		ChatID:    env.ChatID,
		Content:   ledger.ResultContent,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("router: republish completed outbound: %w", err)
	}
	return nil
}

// maybeCompact schedules background summarization when the stored message
// count exceeds twice historyMaxMessages, running off the request path so
// the inbound handler is not held up by an extra provider round trip.
func (r *Router) maybeCompact(chat store.Chat) {
	if r.cfg.HistoryMaxMessages <= 0 {
		return
	}
	go func() {
		ctx := context.Background()
		count, err := r.store.CountStoredMessages(ctx, chat.ID)
		if err != nil {
			r.logger.Error("router: compaction count failed", "chatId", chat.ID, "error", err)
			return
		}
		if count <= r.cfg.HistoryMaxMessages*2 {
			return
		}
		if err := r.compact(ctx, chat); err != nil {
			r.logger.Error("router: compaction failed", "chatId", chat.ID, "error", err)
		}
	}()
}

func (r *Router) compact(ctx context.Context, chat store.Chat) error {
	recent, err := r.store.RecentMessages(ctx, chat.ID, r.cfg.HistoryMaxMessages*2)
	if err != nil {
		return fmt.Errorf("load messages for compaction: %w", err)
	}

	var transcript strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Model: r.cfg.Provider.Model,
		Messages: []providers.Message{
			{Role: "user", Content: summarizePrompt + "\n\n" + transcript.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("summarize call: %w", err)
	}

	now := time.Now().UnixMilli()
	state, err := r.store.GetConversationState(ctx, chat.ID)
	if err != nil {
		return fmt.Errorf("load conversation state: %w", err)
	}
	state.Summary = resp.Content
	state.LastCompactAt = &now
	if err := r.store.UpsertConversationState(ctx, state); err != nil {
		return fmt.Errorf("upsert conversation state: %w", err)
	}

	if err := r.store.PruneMessages(ctx, chat.ID, r.cfg.HistoryMaxMessages); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	return nil
}
