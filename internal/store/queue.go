package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PublishResult reports the outcome of a publish call.
type PublishResult struct {
	QueueID  string
	Deduped  bool
	DeadLetter bool // true if the record was inserted directly as dead_letter
}

// PublishEnvelope implements the Publish contract of spec.md §4.2 as a
// single transaction: dedupe-insert, then a queue-depth overflow check,
// then (for inbound) a per-chat rate check, landing the record as pending
// or directly as dead_letter.
//
// Overflow is checked before the rate limit: a systemically full queue is a
// more urgent signal than one noisy chat, and either way the record is
// dead-lettered with a message naming the reason that actually tripped.
func (s *Storage) PublishEnvelope(ctx context.Context, direction QueueDirection, messageID, channel, chatID, payload string, maxAttempts, maxPending int, rateLimitWindowMs int64, rateLimitMax int) (PublishResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PublishResult{}, fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := nowMs()
	queueID := uuid.NewString()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO message_dedupe (direction, message_id, queue_id, created_at) VALUES (?, ?, ?, ?)`,
		direction, messageID, queueID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return PublishResult{Deduped: true}, nil
		}
		return PublishResult{}, fmt.Errorf("insert dedupe: %w", err)
	}

	var pendingCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bus_queue WHERE direction = ? AND status IN ('pending','processing')`,
		direction,
	).Scan(&pendingCount); err != nil {
		return PublishResult{}, fmt.Errorf("count queue depth: %w", err)
	}

	if pendingCount >= maxPending {
		if err := insertQueueRecord(ctx, tx, queueID, direction, channel, chatID, payload, StatusDeadLetter, maxAttempts, now, "Queue overflow"); err != nil {
			return PublishResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return PublishResult{}, fmt.Errorf("commit publish: %w", err)
		}
		return PublishResult{QueueID: queueID, DeadLetter: true}, nil
	}

	if direction == DirectionInbound && rateLimitMax > 0 && channel != "" && chatID != "" {
		var recent int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM bus_queue WHERE direction = 'inbound' AND channel = ? AND chat_id = ? AND created_at >= ?`,
			channel, chatID, now-rateLimitWindowMs,
		).Scan(&recent); err != nil {
			return PublishResult{}, fmt.Errorf("count rate limit window: %w", err)
		}
		if recent >= rateLimitMax {
			if err := insertQueueRecord(ctx, tx, queueID, direction, channel, chatID, payload, StatusDeadLetter, maxAttempts, now, "Rate limit exceeded"); err != nil {
				return PublishResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return PublishResult{}, fmt.Errorf("commit publish: %w", err)
			}
			return PublishResult{QueueID: queueID, DeadLetter: true}, nil
		}
	}

	if err := insertQueueRecord(ctx, tx, queueID, direction, channel, chatID, payload, StatusPending, maxAttempts, now, ""); err != nil {
		return PublishResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PublishResult{}, fmt.Errorf("commit publish: %w", err)
	}
	return PublishResult{QueueID: queueID}, nil
}

func insertQueueRecord(ctx context.Context, tx *sql.Tx, id string, direction QueueDirection, channel, chatID, payload string, status QueueStatus, maxAttempts int, now int64, lastError string) error {
	var deadLetteredAt any
	var lastErr any
	if status == StatusDeadLetter {
		deadLetteredAt = now
		lastErr = lastError
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bus_queue (id, direction, channel, chat_id, payload, status, attempts, max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, ?, ?, ?)`,
		id, direction, nullIfEmpty(channel), nullIfEmpty(chatID), payload, status, maxAttempts, now, lastErr, deadLetteredAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert queue record: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// ClaimBatch selects up to `batchSize` pending records for a direction whose
// next_attempt_at has elapsed, and atomically claims each by transitioning
// pending->processing with claimed_at=now. Only records this call actually
// transitions are returned — a losing claim (raced by recovery or another
// process) is simply absent from the result.
func (s *Storage) ClaimBatch(ctx context.Context, direction QueueDirection, batchSize int) ([]BusQueueRecord, error) {
	now := nowMs()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM bus_queue WHERE direction = ? AND status = 'pending' AND next_attempt_at <= ? ORDER BY created_at ASC LIMIT ?`,
		direction, now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []BusQueueRecord
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE bus_queue SET status = 'processing', claimed_at = ? WHERE id = ? AND status = 'pending'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // lost the race to another claimant
		}
		rec, err := s.GetQueueRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

// GetQueueRecord fetches one bus_queue row by id.
func (s *Storage) GetQueueRecord(ctx context.Context, id string) (BusQueueRecord, error) {
	return scanOneQueueRecord(s.db.QueryRowContext(ctx,
		`SELECT id, direction, payload, status, attempts, max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at
		 FROM bus_queue WHERE id = ?`, id))
}

func scanOneQueueRecord(row *sql.Row) (BusQueueRecord, error) {
	var r BusQueueRecord
	var claimedAt, deadLetteredAt sql.NullInt64
	var lastError sql.NullString
	err := row.Scan(&r.ID, &r.Direction, &r.Payload, &r.Status, &r.Attempts, &r.MaxAttempts, &r.NextAttemptAt, &claimedAt, &lastError, &deadLetteredAt, &r.CreatedAt)
	if err != nil {
		return BusQueueRecord{}, fmt.Errorf("scan queue record: %w", err)
	}
	if claimedAt.Valid {
		v := claimedAt.Int64
		r.ClaimedAt = &v
	}
	if deadLetteredAt.Valid {
		v := deadLetteredAt.Int64
		r.DeadLetteredAt = &v
	}
	r.LastError = lastError.String
	return r, nil
}

// MarkProcessed transitions a claimed record to processed.
func (s *Storage) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bus_queue SET status = 'processed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkRetryOrDeadLetter applies the retry/backoff/dead-letter transition on
// handler error or timeout: if attempts+1 < maxAttempts the record returns
// to pending with exponential backoff; otherwise it is dead-lettered.
func (s *Storage) MarkRetryOrDeadLetter(ctx context.Context, id string, attempts, maxAttempts int, nextAttemptAt int64, lastError string) error {
	newAttempts := attempts + 1
	if newAttempts < maxAttempts {
		_, err := s.db.ExecContext(ctx,
			`UPDATE bus_queue SET status = 'pending', attempts = ?, next_attempt_at = ?, claimed_at = NULL, last_error = ? WHERE id = ?`,
			newAttempts, nextAttemptAt, lastError, id,
		)
		if err != nil {
			return fmt.Errorf("retry queue record: %w", err)
		}
		return nil
	}
	now := nowMs()
	_, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = 'dead_letter', attempts = ?, last_error = ?, dead_lettered_at = ? WHERE id = ?`,
		newAttempts, lastError, now, id,
	)
	if err != nil {
		return fmt.Errorf("dead-letter queue record: %w", err)
	}
	return nil
}

// CountPending returns the pending+processing count for a direction, used
// for the overload-backpressure overlay.
func (s *Storage) CountPending(ctx context.Context, direction QueueDirection) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bus_queue WHERE direction = ? AND status IN ('pending','processing')`, direction,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// CountByStatus counts queue rows for one direction in one status, used by
// the observability package's per-direction gauges (spec.md §4.10).
func (s *Storage) CountByStatus(ctx context.Context, direction QueueDirection, status QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bus_queue WHERE direction = ? AND status = ?`, direction, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

// HasPendingInbound reports whether (channel, chatID) has an inbound record
// in {pending, processing}, used by the heartbeat source's
// skipWhenInboundBusy gate.
func (s *Storage) HasPendingInbound(ctx context.Context, channel, chatID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bus_queue WHERE direction = 'inbound' AND channel = ? AND chat_id = ? AND status IN ('pending','processing')`,
		channel, chatID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has pending inbound: %w", err)
	}
	return n > 0, nil
}

// RecoverStaleProcessing transitions back to pending any record still
// status=processing whose claim is older than processingTimeoutMs,
// preserving attempts — the restart-recovery sweep (spec.md §4.2).
func (s *Storage) RecoverStaleProcessing(ctx context.Context, processingTimeoutMs int64) (int, error) {
	cutoff := nowMs() - processingTimeoutMs
	res, err := s.db.ExecContext(ctx,
		`UPDATE bus_queue SET status = 'pending', claimed_at = NULL WHERE status = 'processing' AND claimed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListDeadLetter returns dead_letter records, optionally restricted to one
// direction, newest first, bounded by limit.
func (s *Storage) ListDeadLetter(ctx context.Context, direction QueueDirection, limit int) ([]BusQueueRecord, error) {
	var rows *sql.Rows
	var err error
	if direction == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, direction, payload, status, attempts, max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at
			 FROM bus_queue WHERE status = 'dead_letter' ORDER BY dead_lettered_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, direction, payload, status, attempts, max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at
			 FROM bus_queue WHERE status = 'dead_letter' AND direction = ? ORDER BY dead_lettered_at DESC LIMIT ?`, direction, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()

	var out []BusQueueRecord
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanQueueRow(rows *sql.Rows) (BusQueueRecord, error) {
	var r BusQueueRecord
	var claimedAt, deadLetteredAt sql.NullInt64
	var lastError sql.NullString
	err := rows.Scan(&r.ID, &r.Direction, &r.Payload, &r.Status, &r.Attempts, &r.MaxAttempts, &r.NextAttemptAt, &claimedAt, &lastError, &deadLetteredAt, &r.CreatedAt)
	if err != nil {
		return BusQueueRecord{}, fmt.Errorf("scan queue row: %w", err)
	}
	if claimedAt.Valid {
		v := claimedAt.Int64
		r.ClaimedAt = &v
	}
	if deadLetteredAt.Valid {
		v := deadLetteredAt.Int64
		r.DeadLetteredAt = &v
	}
	r.LastError = lastError.String
	return r, nil
}

// ReplayDeadLetter moves selected dead_letter records back to pending with
// attempts reset to 0. queueID selects one record and takes precedence
// when both are given; direction selects up to limit records of that
// direction; with neither set, up to limit records of any direction are
// replayed.
func (s *Storage) ReplayDeadLetter(ctx context.Context, queueID string, direction QueueDirection, limit int) (int, error) {
	var res sql.Result
	var err error
	now := nowMs()
	switch {
	case queueID != "":
		res, err = s.db.ExecContext(ctx,
			`UPDATE bus_queue SET status = 'pending', attempts = 0, next_attempt_at = ?, claimed_at = NULL, dead_lettered_at = NULL WHERE id = ? AND status = 'dead_letter'`,
			now, queueID,
		)
	case direction != "":
		res, err = s.db.ExecContext(ctx,
			`UPDATE bus_queue SET status = 'pending', attempts = 0, next_attempt_at = ?, claimed_at = NULL, dead_lettered_at = NULL
			 WHERE id IN (SELECT id FROM bus_queue WHERE status = 'dead_letter' AND direction = ? ORDER BY dead_lettered_at DESC LIMIT ?)`,
			now, direction, limit,
		)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE bus_queue SET status = 'pending', attempts = 0, next_attempt_at = ?, claimed_at = NULL, dead_lettered_at = NULL
			 WHERE id IN (SELECT id FROM bus_queue WHERE status = 'dead_letter' ORDER BY dead_lettered_at DESC LIMIT ?)`,
			now, limit,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("replay dead letter: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Inbound-execution ledger ---

// GetInboundExecution returns sql.ErrNoRows if the messageId has never been
// observed.
func (s *Storage) GetInboundExecution(ctx context.Context, messageID string) (InboundExecution, error) {
	var e InboundExecution
	var finishedAt sql.NullInt64
	var resultContent, outboundID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, status, started_at, finished_at, result_content, outbound_id FROM inbound_executions WHERE message_id = ?`,
		messageID,
	).Scan(&e.MessageID, &e.Status, &e.StartedAt, &finishedAt, &resultContent, &outboundID)
	if err != nil {
		return InboundExecution{}, err
	}
	if finishedAt.Valid {
		v := finishedAt.Int64
		e.FinishedAt = &v
	}
	e.ResultContent = resultContent.String
	e.OutboundID = outboundID.String
	return e, nil
}

// TryStartInboundExecution is the ledger gate (spec.md §4.9 step 2). It
// returns the current row as observed; if a fresh in_progress claim was
// taken, claimed reports true and the row reflects the new claim.
func (s *Storage) TryStartInboundExecution(ctx context.Context, messageID, outboundID string, processingTimeoutMs int64) (row InboundExecution, claimed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InboundExecution{}, false, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, getErr := s.getInboundExecutionTx(ctx, tx, messageID)
	now := nowMs()

	switch {
	case errors.Is(getErr, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inbound_executions (message_id, status, started_at, outbound_id) VALUES (?, 'in_progress', ?, ?)`,
			messageID, now, outboundID,
		); err != nil {
			return InboundExecution{}, false, fmt.Errorf("insert ledger row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return InboundExecution{}, false, fmt.Errorf("commit ledger insert: %w", err)
		}
		return InboundExecution{MessageID: messageID, Status: ExecInProgress, StartedAt: now, OutboundID: outboundID}, true, nil

	case getErr != nil:
		return InboundExecution{}, false, getErr

	case existing.Status == ExecCompleted:
		return existing, false, nil

	case existing.Status == ExecInProgress && existing.StartedAt > now-processingTimeoutMs:
		return existing, false, nil

	default:
		// Either failed, or a stale in_progress claim past the timeout: take it over.
		if _, err := tx.ExecContext(ctx,
			`UPDATE inbound_executions SET status = 'in_progress', started_at = ?, finished_at = NULL, outbound_id = ? WHERE message_id = ?`,
			now, outboundID, messageID,
		); err != nil {
			return InboundExecution{}, false, fmt.Errorf("reclaim ledger row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return InboundExecution{}, false, fmt.Errorf("commit ledger reclaim: %w", err)
		}
		return InboundExecution{MessageID: messageID, Status: ExecInProgress, StartedAt: now, OutboundID: outboundID}, true, nil
	}
}

func (s *Storage) getInboundExecutionTx(ctx context.Context, tx *sql.Tx, messageID string) (InboundExecution, error) {
	var e InboundExecution
	var finishedAt sql.NullInt64
	var resultContent, outboundID sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT message_id, status, started_at, finished_at, result_content, outbound_id FROM inbound_executions WHERE message_id = ?`,
		messageID,
	).Scan(&e.MessageID, &e.Status, &e.StartedAt, &finishedAt, &resultContent, &outboundID)
	if err != nil {
		return InboundExecution{}, err
	}
	if finishedAt.Valid {
		v := finishedAt.Int64
		e.FinishedAt = &v
	}
	e.ResultContent = resultContent.String
	e.OutboundID = outboundID.String
	return e, nil
}

// CompleteInboundExecution records the final ledger state after a
// successful run.
func (s *Storage) CompleteInboundExecution(ctx context.Context, messageID, resultContent string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_executions SET status = 'completed', finished_at = ?, result_content = ? WHERE message_id = ?`,
		now, resultContent, messageID,
	)
	if err != nil {
		return fmt.Errorf("complete inbound execution: %w", err)
	}
	return nil
}

// FailInboundExecution marks a ledger row failed so a later retry may
// reclaim it.
func (s *Storage) FailInboundExecution(ctx context.Context, messageID string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_executions SET status = 'failed', finished_at = ? WHERE message_id = ?`,
		now, messageID,
	)
	if err != nil {
		return fmt.Errorf("fail inbound execution: %w", err)
	}
	return nil
}
