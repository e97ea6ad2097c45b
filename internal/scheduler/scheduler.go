// Package scheduler runs the periodic tick that finds due tasks and emits
// synthetic inbound envelopes for the bus to dispatch (spec.md §4.3).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

// DispatchRecorder receives one scheduling-delay sample per task firing, for
// the observability package's `{dispatches, tasks, totalDelayMs,
// maxDelayMs}` aggregation (spec.md §4.10). Satisfied by
// *observability.Metrics without this package importing it.
type DispatchRecorder interface {
	RecordSchedulerDispatch(delayMs int64)
}

// Scheduler ticks at a fixed interval, advancing due tasks and emitting one
// synthetic inbound envelope per firing.
type Scheduler struct {
	store    *store.Storage
	bus      *bus.Bus
	cfg      config.SchedulerConfig
	logger   *slog.Logger
	recorder DispatchRecorder

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler over the given Storage and Bus.
func New(st *store.Storage, b *bus.Bus, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, bus: b, cfg: cfg, logger: logger}
}

// SetRecorder attaches a metrics sink. Optional; a nil recorder (the
// default) simply skips recording.
func (s *Scheduler) SetRecorder(r DispatchRecorder) {
	s.recorder = r
}

// Start launches the tick goroutine. Stop is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Duration(s.cfg.TickMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the tick goroutine and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: due tasks query failed", "error", err)
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

// fire checkpoints the task's next run before dispatch, then emits the
// synthetic inbound envelope — checkpoint-before-dispatch collapses any
// firings missed while the process was down into a single recovery run.
func (s *Scheduler) fire(ctx context.Context, task store.Task, now int64) {
	originalNextRunAt := int64(0)
	if task.NextRunAt != nil {
		originalNextRunAt = *task.NextRunAt
	}

	nextRunAt, status, err := s.advance(task, now)
	if err != nil {
		s.logger.Error("scheduler: cannot advance task", "taskId", task.ID, "error", err)
		return
	}
	if err := s.store.CheckpointTask(ctx, task.ID, nextRunAt, status); err != nil {
		s.logger.Error("scheduler: checkpoint failed", "taskId", task.ID, "error", err)
		return
	}

	chat, err := s.store.GetChatByID(ctx, task.ChatFK)
	if err != nil {
		s.logger.Error("scheduler: chat lookup failed", "taskId", task.ID, "error", err)
		return
	}

	run, err := s.store.InsertTaskRun(ctx, store.TaskRun{TaskFK: task.ID, Status: "running", StartedAt: now})
	if err != nil {
		s.logger.Error("scheduler: insert task run failed", "taskId", task.ID, "error", err)
		return
	}

	env := bus.Envelope{
		ID:        uuid.NewString(),
		Channel:   chat.Channel,
		ChatID:    chat.ChatID,
		SenderID:  "scheduler",
		Content:   task.Prompt,
		CreatedAt: now,
		Metadata: map[string]string{
			"isScheduledTask": "true",
			"taskId":          task.ID,
			"taskRunId":       run.ID,
			"contextMode":     task.ContextMode,
			"chatFk":          task.ChatFK,
		},
	}
	if _, err := s.bus.PublishInbound(ctx, env); err != nil {
		s.logger.Error("scheduler: publish inbound failed", "taskId", task.ID, "error", err)
		return
	}

	delayMs := now - originalNextRunAt
	s.logger.Info("scheduler: task fired", "taskId", task.ID, "delayMs", delayMs)
	if s.recorder != nil {
		s.recorder.RecordSchedulerDispatch(delayMs)
	}
}

// advance computes the task's next nextRunAt/status per its schedule type.
func (s *Scheduler) advance(task store.Task, now int64) (*int64, string, error) {
	switch task.ScheduleType {
	case "cron":
		next, err := gronx.NextTickAfter(task.ScheduleValue, time.UnixMilli(now), false)
		if err != nil {
			return nil, "", fmt.Errorf("cron next tick: %w", err)
		}
		v := next.UnixMilli()
		return &v, "active", nil
	case "interval":
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("parse interval: %w", err)
		}
		v := now + ms
		return &v, "active", nil
	case "once":
		return nil, "done", nil
	default:
		return nil, "", fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}
