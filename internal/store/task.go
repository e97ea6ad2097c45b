package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertTask creates a new scheduled task.
func (s *Storage) InsertTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "active"
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	var nextRun any
	if t.NextRunAt != nil {
		nextRun = *t.NextRunAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatFK, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, t.Status, nextRun,
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// DueTasks returns active tasks whose next_run_at has elapsed.
func (s *Storage) DueTasks(ctx context.Context, now int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at
		 FROM tasks WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var nextRun sql.NullInt64
	if err := rows.Scan(&t.ID, &t.ChatFK, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun); err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		v := nextRun.Int64
		t.NextRunAt = &v
	}
	return t, nil
}

// CheckpointTask atomically advances a task's next_run_at (and status for
// "once" tasks) before the synthetic inbound envelope is emitted — the
// checkpoint-before-dispatch rule of spec.md §4.3 that collapses missed
// firings into a single recovery run.
func (s *Storage) CheckpointTask(ctx context.Context, taskID string, nextRunAt *int64, status string) error {
	var nextRun any
	if nextRunAt != nil {
		nextRun = *nextRunAt
	}
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run_at = ?, status = ? WHERE id = ?`, nextRun, status, taskID)
	if err != nil {
		return fmt.Errorf("checkpoint task: %w", err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Storage) GetTask(ctx context.Context, id string) (Task, error) {
	return scanOneTask(s.db.QueryRowContext(ctx,
		`SELECT id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at FROM tasks WHERE id = ?`, id))
}

func scanOneTask(row *sql.Row) (Task, error) {
	var t Task
	var nextRun sql.NullInt64
	if err := row.Scan(&t.ID, &t.ChatFK, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun); err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		v := nextRun.Int64
		t.NextRunAt = &v
	}
	return t, nil
}

// InsertTaskRun records one firing of a task.
func (s *Storage) InsertTaskRun(ctx context.Context, r TaskRun) (TaskRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt == 0 {
		r.StartedAt = nowMs()
	}
	var finishedAt any
	if r.FinishedAt != nil {
		finishedAt = *r.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_fk, status, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskFK, r.Status, r.Error, r.StartedAt, finishedAt,
	)
	if err != nil {
		return TaskRun{}, fmt.Errorf("insert task run: %w", err)
	}
	return r, nil
}

// FinishTaskRun records the run's terminal outcome.
func (s *Storage) FinishTaskRun(ctx context.Context, id, status, errMsg string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `UPDATE task_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`, status, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	return nil
}
