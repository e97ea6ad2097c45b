package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Storage, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "coreclaw.db"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New(st, config.BusConfig{
		MaxAttempts: 5, MaxPendingInbound: 100, MaxPendingOutbound: 100,
		PerChatRateLimitWindowMs: 60000, PerChatRateLimitMax: 1000,
	}, nil)

	return New(st, b, config.SchedulerConfig{TickMs: 1000}, nil), st, b
}

type fakeRecorder struct {
	delays []int64
}

func (f *fakeRecorder) RecordSchedulerDispatch(delayMs int64) {
	f.delays = append(f.delays, delayMs)
}

func TestScheduler_FireOnceTask_EmitsOneEnvelopeAndMarksDone(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	chat, err := st.GetOrCreateChat(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get or create chat: %v", err)
	}

	past := time.Now().UnixMilli() - 1000
	task, err := st.InsertTask(ctx, store.Task{
		ChatFK: chat.ID, Prompt: "say hi", ScheduleType: "once", NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	rec := &fakeRecorder{}
	sched.SetRecorder(rec)
	sched.tick(ctx)

	claimed, err := st.ClaimBatch(ctx, store.DirectionInbound, 10)
	if err != nil {
		t.Fatalf("claim inbound: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected exactly one pending inbound record after the tick, got %d", len(claimed))
	}
	var dispatched bus.Envelope
	if err := json.Unmarshal([]byte(claimed[0].Payload), &dispatched); err != nil {
		t.Fatalf("decode inbound payload: %v", err)
	}

	if dispatched.Content != "say hi" {
		t.Fatalf("expected the scheduler to publish an inbound envelope carrying the task prompt, got %+v", dispatched)
	}
	if dispatched.Metadata["isScheduledTask"] != "true" {
		t.Fatalf("expected isScheduledTask=true metadata, got %v", dispatched.Metadata)
	}
	if dispatched.Metadata["taskId"] != task.ID {
		t.Fatalf("taskId metadata = %q, want %q", dispatched.Metadata["taskId"], task.ID)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "done" {
		t.Fatalf("once task status after firing = %q, want done", got.Status)
	}
	if got.NextRunAt != nil {
		t.Fatalf("once task should have no next run, got %v", got.NextRunAt)
	}

	if len(rec.delays) != 1 {
		t.Fatalf("expected exactly one recorded dispatch delay, got %d", len(rec.delays))
	}
}

func TestScheduler_FireIntervalTask_AdvancesNextRunAtAndStaysActive(t *testing.T) {
	sched, st, b := newTestScheduler(t)
	ctx := context.Background()

	chat, err := st.GetOrCreateChat(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get or create chat: %v", err)
	}

	past := time.Now().UnixMilli() - 1000
	task, err := st.InsertTask(ctx, store.Task{
		ChatFK: chat.ID, Prompt: "poll", ScheduleType: "interval", ScheduleValue: "60000", NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	b.RegisterInboundHandler(func(ctx context.Context, env bus.Envelope) error { return nil })
	sched.tick(ctx)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "active" {
		t.Fatalf("interval task status after firing = %q, want active", got.Status)
	}
	if got.NextRunAt == nil || *got.NextRunAt <= past {
		t.Fatalf("expected nextRunAt to advance past the original due time, got %v", got.NextRunAt)
	}

	runs, err := st.DueTasks(ctx, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	for _, r := range runs {
		if r.ID == task.ID {
			t.Fatal("an interval task just checkpointed 60s out should not be immediately due again")
		}
	}
}

func TestScheduler_TickProducesExactlyOneTaskRunPerFiring(t *testing.T) {
	sched, st, b := newTestScheduler(t)
	ctx := context.Background()

	chat, err := st.GetOrCreateChat(ctx, "cli", "local")
	if err != nil {
		t.Fatalf("get or create chat: %v", err)
	}

	past := time.Now().UnixMilli() - 1000
	task, err := st.InsertTask(ctx, store.Task{
		ChatFK: chat.ID, Prompt: "flaky", ScheduleType: "once", NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	sched.tick(ctx)

	var count int
	row := st.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_runs WHERE task_fk = ?`, task.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count task runs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one TaskRun row for the firing, got %d", count)
	}
	_ = b
}
