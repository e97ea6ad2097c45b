package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tools"
)

type fakeProvider struct {
	content string
	calls   int
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls++
	return &providers.ChatResponse{Content: f.content, FinishReason: "stop"}, nil
}

type failingProvider struct{}

func (f *failingProvider) Name() string         { return "failing" }
func (f *failingProvider) DefaultModel() string { return "fake-model" }
func (f *failingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, errors.New("provider unavailable")
}

func taskRunStatus(t *testing.T, st *store.Storage, taskRunID string) string {
	t.Helper()
	var status string
	if err := st.DB().QueryRow(`SELECT status FROM task_runs WHERE id = ?`, taskRunID).Scan(&status); err != nil {
		t.Fatalf("query task run status: %v", err)
	}
	return status
}

func newTestRouter(t *testing.T, provider providers.Provider) (*Router, *store.Storage, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "coreclaw.db"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New(st, config.BusConfig{
		PollMs: 5, BatchSize: 10,
		MaxAttempts: 5, MaxPendingInbound: 100, MaxPendingOutbound: 100,
		PerChatRateLimitWindowMs: 60000, PerChatRateLimitMax: 1000, ProcessingTimeoutMs: 30000,
	}, nil)

	cfg := *config.Default()
	cfg.WorkspaceDir = t.TempDir()
	cfg.StoreFullMessages = true
	cfg.HistoryMaxMessages = 20
	cfg.MaxToolIterations = 3

	registry := tools.NewRegistry(nil, nil, 0)
	r := New(st, b, nil, registry, provider, cfg, nil)
	return r, st, b
}

func TestRouter_HandleInbound_PersistsUserAndAssistantMessagesAndPublishesOutbound(t *testing.T) {
	provider := &fakeProvider{content: "hello back"}
	r, st, b := newTestRouter(t, provider)
	ctx := context.Background()

	var mu sync.Mutex
	var outbound bus.Envelope
	b.RegisterOutboundHandler(func(ctx context.Context, env bus.Envelope) error {
		mu.Lock()
		outbound = env
		mu.Unlock()
		return nil
	})
	if err := b.Start(ctx); err != nil {
		t.Fatalf("bus start: %v", err)
	}
	t.Cleanup(b.Stop)

	env := bus.Envelope{ID: "msg-1", Channel: "cli", ChatID: "local", Content: "hi there"}
	if err := r.HandleInbound(context.Background(), env); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	chat, err := st.GetChatByChannelAndID(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	history, err := st.RecentMessages(ctx, chat.ID, 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected one user and one assistant message persisted, got %d", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "hi there" {
		t.Fatalf("first message = %+v, want user/hi there", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "hello back" {
		t.Fatalf("second message = %+v, want assistant/hello back", history[1])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := outbound.Content
		mu.Unlock()
		if got != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if outbound.Content != "hello back" {
		t.Fatalf("expected one outbound envelope carrying the assistant reply, got %+v", outbound)
	}
}

func TestRouter_HandleInbound_DuplicateMessageIDIsHandledExactlyOnce(t *testing.T) {
	provider := &fakeProvider{content: "reply"}
	r, _, _ := newTestRouter(t, provider)

	env := bus.Envelope{ID: "msg-1", Channel: "cli", ChatID: "local", Content: "hi"}
	if err := r.HandleInbound(context.Background(), env); err != nil {
		t.Fatalf("first HandleInbound: %v", err)
	}
	if err := r.HandleInbound(context.Background(), env); err != nil {
		t.Fatalf("second HandleInbound (duplicate messageId): %v", err)
	}

	if provider.calls != 1 {
		t.Fatalf("provider invoked %d times across a duplicate delivery, want exactly 1", provider.calls)
	}
}

func TestRouter_ShouldPersist_UnregisteredChatWithoutStoreFullMessagesIsSkipped(t *testing.T) {
	provider := &fakeProvider{content: "reply"}
	r, st, _ := newTestRouter(t, provider)
	r.cfg.StoreFullMessages = false
	ctx := context.Background()

	env := bus.Envelope{ID: "msg-1", Channel: "cli", ChatID: "local", Content: "hi"}
	if err := r.HandleInbound(context.Background(), env); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	chat, err := st.GetChatByChannelAndID(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	history, err := st.RecentMessages(ctx, chat.ID, 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no messages persisted for an unregistered chat without storeFullMessages, got %d", len(history))
	}
}

func TestRouter_HandleInbound_FinishesTaskRunAsSuccess(t *testing.T) {
	provider := &fakeProvider{content: "done"}
	r, st, _ := newTestRouter(t, provider)
	ctx := context.Background()

	chat, err := st.GetOrCreateChat(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get or create chat: %v", err)
	}
	task, err := st.InsertTask(ctx, store.Task{ChatFK: chat.ID, Prompt: "say hi", ScheduleType: "once"})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	run, err := st.InsertTaskRun(ctx, store.TaskRun{TaskFK: task.ID, Status: "running"})
	if err != nil {
		t.Fatalf("insert task run: %v", err)
	}

	env := bus.Envelope{
		ID: "msg-1", Channel: "cli", ChatID: chat.ChatID, Content: "say hi",
		Metadata: map[string]string{"taskRunId": run.ID},
	}
	if err := r.HandleInbound(ctx, env); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if got := taskRunStatus(t, st, run.ID); got != "success" {
		t.Fatalf("task run status = %q, want success", got)
	}
}

func TestRouter_HandleInbound_FinishesTaskRunAsFailureOnAgentError(t *testing.T) {
	r, st, _ := newTestRouter(t, &failingProvider{})
	ctx := context.Background()

	chat, err := st.GetOrCreateChat(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get or create chat: %v", err)
	}
	task, err := st.InsertTask(ctx, store.Task{ChatFK: chat.ID, Prompt: "say hi", ScheduleType: "once"})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	run, err := st.InsertTaskRun(ctx, store.TaskRun{TaskFK: task.ID, Status: "running"})
	if err != nil {
		t.Fatalf("insert task run: %v", err)
	}

	env := bus.Envelope{
		ID: "msg-1", Channel: "cli", ChatID: chat.ChatID, Content: "say hi",
		Metadata: map[string]string{"taskRunId": run.ID},
	}
	if err := r.HandleInbound(ctx, env); err == nil {
		t.Fatal("expected HandleInbound to surface the agent run error")
	}

	if got := taskRunStatus(t, st, run.ID); got != "failure" {
		t.Fatalf("task run status = %q, want failure", got)
	}
}
