package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "coreclaw.db"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublishEnvelope_DuplicateMessageIDIsDeduped(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 5, 100, 60000, 100)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if first.Deduped {
		t.Fatal("first publish of a new message id should not be deduped")
	}

	second, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 5, 100, 60000, 100)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !second.Deduped {
		t.Fatal("republishing the same message id should be reported as deduped")
	}

	n, err := s.CountPending(ctx, DirectionInbound)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one queued record after a duplicate publish, got %d", n)
	}
}

func TestPublishEnvelope_QueueOverflowDeadLetters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "a", "{}", 5, 1, 60000, 100); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-2", "cli", "b", "{}", 5, 1, 60000, 100)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !res.DeadLetter {
		t.Fatal("expected a publish past maxPending to land directly as dead_letter")
	}

	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusDeadLetter {
		t.Fatalf("status = %q, want dead_letter", rec.Status)
	}
	if rec.LastError != "Queue overflow" {
		t.Fatalf("lastError = %q, want %q", rec.LastError, "Queue overflow")
	}
}

func TestPublishEnvelope_RateLimitDeadLetters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "chat-1", "{}", 5, 100, 60000, 1); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-2", "cli", "chat-1", "{}", 5, 100, 60000, 1)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !res.DeadLetter {
		t.Fatal("expected the second publish within the rate-limit window to be dead-lettered")
	}

	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.LastError != "Rate limit exceeded" {
		t.Fatalf("lastError = %q, want %q", rec.LastError, "Rate limit exceeded")
	}

	// A different chat is unaffected by chat-1's rate limit.
	other, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-3", "cli", "chat-2", "{}", 5, 100, 60000, 1)
	if err != nil {
		t.Fatalf("publish for a different chat: %v", err)
	}
	if other.DeadLetter {
		t.Fatal("a different chat's publish should not be rate-limited by chat-1's window")
	}
}

func TestClaimBatch_OnlyClaimsPendingAndTransitionsToProcessing(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 5, 100, 60000, 100)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	claimed, err := s.ClaimBatch(ctx, DirectionInbound, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != res.QueueID {
		t.Fatalf("expected to claim the one published record, got %+v", claimed)
	}

	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusProcessing {
		t.Fatalf("status = %q, want processing", rec.Status)
	}

	// A second claim attempt finds nothing pending left to claim.
	again, err := s.ClaimBatch(ctx, DirectionInbound, 10)
	if err != nil {
		t.Fatalf("second claim batch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no claimable records left, got %d", len(again))
	}
}

func TestMarkRetryOrDeadLetter_RetriesThenDeadLetters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 2, 100, 60000, 100)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := s.ClaimBatch(ctx, DirectionInbound, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// attempts=0, maxAttempts=2: first failure retries rather than dead-letters.
	if err := s.MarkRetryOrDeadLetter(ctx, res.QueueID, 0, 2, nowMs()+1000, "transient failure"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status after first failure = %q, want pending (retry)", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	// A second failure exhausts maxAttempts and dead-letters permanently.
	if err := s.MarkRetryOrDeadLetter(ctx, res.QueueID, 1, 2, nowMs()+1000, "permanent failure"); err != nil {
		t.Fatalf("mark dead letter: %v", err)
	}
	rec, err = s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusDeadLetter {
		t.Fatalf("status after exhausting attempts = %q, want dead_letter", rec.Status)
	}
	if rec.LastError != "permanent failure" {
		t.Fatalf("lastError = %q, want %q", rec.LastError, "permanent failure")
	}
}

func TestMarkProcessed_TransitionsToProcessed(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 5, 100, 60000, 100)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := s.ClaimBatch(ctx, DirectionInbound, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkProcessed(ctx, res.QueueID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusProcessed {
		t.Fatalf("status = %q, want processed", rec.Status)
	}

	n, err := s.CountByStatus(ctx, DirectionInbound, StatusProcessed)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one processed record, got %d", n)
	}
}

func TestRecoverStaleProcessing_ReclaimsExpiredClaims(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	res, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "local", "{}", 5, 100, 60000, 100)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := s.ClaimBatch(ctx, DirectionInbound, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.RecoverStaleProcessing(ctx, -1)
	if err != nil {
		t.Fatalf("recover stale processing: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to recover the one stale processing record, got %d", n)
	}

	rec, err := s.GetQueueRecord(ctx, res.QueueID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status after recovery = %q, want pending", rec.Status)
	}
}

func TestReplayDeadLetter_ResetsAttemptsAndReturnsToPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-1", "cli", "a", "{}", 1, 1, 60000, 100); err != nil {
		t.Fatalf("publish: %v", err)
	}
	dl, err := s.PublishEnvelope(ctx, DirectionInbound, "msg-2", "cli", "b", "{}", 1, 1, 60000, 100)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !dl.DeadLetter {
		t.Fatal("expected the second publish past maxPending to be dead-lettered")
	}

	list, err := s.ListDeadLetter(ctx, DirectionInbound, 10)
	if err != nil {
		t.Fatalf("list dead letter: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one dead-lettered record, got %d", len(list))
	}

	n, err := s.ReplayDeadLetter(ctx, list[0].ID, "", 10)
	if err != nil {
		t.Fatalf("replay dead letter: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to replay one record, got %d", n)
	}

	rec, err := s.GetQueueRecord(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("get queue record: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status after replay = %q, want pending", rec.Status)
	}
	if rec.Attempts != 0 {
		t.Fatalf("attempts after replay = %d, want 0", rec.Attempts)
	}
}
