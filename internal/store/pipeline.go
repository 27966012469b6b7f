package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"newsflow/internal/domain"
)

const itemColumns = `id,entity_id,stage,status,attempt_count,next_run_at,locked_at,locked_by,COALESCE(error_message,''),COALESCE(result,''),created_at,started_at,finished_at`

func scanItem(row interface{ Scan(...any) error }) (domain.PipelineItem, error) {
	var it domain.PipelineItem
	var lockedAt, startedAt, finishedAt sql.NullTime
	var lockedBy sql.NullString
	err := row.Scan(&it.ID, &it.EntityID, &it.Stage, &it.Status, &it.AttemptCount, &it.NextRunAt,
		&lockedAt, &lockedBy, &it.ErrorMessage, &it.Result, &it.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return domain.PipelineItem{}, err
	}
	it.NextRunAt = it.NextRunAt.UTC()
	if lockedAt.Valid {
		v := lockedAt.Time.UTC()
		it.LockedAt = &v
	}
	if lockedBy.Valid {
		v := lockedBy.String
		it.LockedBy = &v
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		it.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time.UTC()
		it.FinishedAt = &v
	}
	return it, nil
}

// EnqueueItem inserts a pending (entity, stage) pair, immediately eligible.
// The unique index makes re-enqueueing a no-op; the return value reports
// whether a row was actually inserted.
func (s *Store) EnqueueItem(ctx context.Context, entityID int64, stage string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_queue (id, entity_id, stage, status, next_run_at)
VALUES (?,?,?,?,?)
ON CONFLICT(entity_id, stage) DO NOTHING
`, "itm_"+uuid.NewString(), entityID, stage, domain.ItemPending, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EnqueueBatch enqueues many entities into one stage, returning how many
// were new.
func (s *Store) EnqueueBatch(ctx context.Context, entityIDs []int64, stage string) (int, error) {
	count := 0
	for _, id := range entityIDs {
		inserted, err := s.EnqueueItem(ctx, id, stage)
		if err != nil {
			return count, err
		}
		if inserted {
			count++
		}
	}
	return count, nil
}

// ClaimStageItem atomically claims the earliest-due pending item of one
// stage, skipping live locks. Mirrors ClaimDueTask; returns ErrNoItem when
// nothing is eligible.
func (s *Store) ClaimStageItem(ctx context.Context, stage string, now time.Time, stale time.Duration) (domain.PipelineItem, error) {
	now = now.UTC()
	staleBefore := now.Add(-stale)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.PipelineItem{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+itemColumns+`
FROM pipeline_queue
WHERE stage=? AND status=? AND next_run_at <= ?
  AND (locked_at IS NULL OR locked_at <= ?)
ORDER BY next_run_at ASC
LIMIT 1
`, stage, domain.ItemPending, now, staleBefore)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineItem{}, ErrNoItem
	}
	if err != nil {
		return domain.PipelineItem{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE pipeline_queue
SET status=?, locked_at=?, locked_by=?, started_at=?
WHERE id=? AND (locked_at IS NULL OR locked_at <= ?)
`, domain.ItemRunning, now, s.workerID, now, it.ID, staleBefore)
	if err != nil {
		return domain.PipelineItem{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.PipelineItem{}, ErrNoItem
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineItem{}, err
	}

	it.Status = domain.ItemRunning
	it.LockedAt = &now
	it.LockedBy = &s.workerID
	it.StartedAt = &now
	return it, nil
}

// ReclaimStuckItems resets running items whose lock is older than timeout
// back to pending, so a holder that died mid-stage does not strand the
// entity. The interrupted run counts as a failed attempt, keeping the
// retry cap meaningful for crash-looping jobs.
func (s *Store) ReclaimStuckItems(ctx context.Context, stage string, now time.Time, timeout time.Duration) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_queue
SET status=?, locked_at=NULL, locked_by=NULL, next_run_at=?,
    attempt_count=attempt_count+1, error_message=?
WHERE stage=? AND status=? AND locked_at IS NOT NULL AND locked_at <= ?
`, domain.ItemPending, now, "lock expired; previous holder presumed dead",
		stage, domain.ItemRunning, now.Add(-timeout))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkItemDone finishes an item and, in the same transaction, enqueues the
// entity into the next stage of the graph. The chaining insert is
// idempotent, so replaying a completion cannot create duplicate pairs.
// Returns whether a next-stage row was actually created.
func (s *Store) MarkItemDone(ctx context.Context, it domain.PipelineItem, result string) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
UPDATE pipeline_queue
SET status=?, locked_at=NULL, locked_by=NULL, finished_at=?, result=?
WHERE id=?
`, domain.ItemDone, now, result, it.ID)
	if err != nil {
		return false, err
	}

	chained := false
	if next := domain.NextStage[it.Stage]; next != "" {
		res, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_queue (id, entity_id, stage, status, next_run_at)
VALUES (?,?,?,?,?)
ON CONFLICT(entity_id, stage) DO NOTHING
`, "itm_"+uuid.NewString(), it.EntityID, next, domain.ItemPending, now)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		chained = n > 0
	}
	return chained, tx.Commit()
}

// MarkItemRetry releases a failed item back to pending with its attempt
// count bumped and next_run_at pushed out by the backoff delay.
func (s *Store) MarkItemRetry(ctx context.Context, it domain.PipelineItem, attempt int, errMsg string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_queue
SET status=?, locked_at=NULL, locked_by=NULL, next_run_at=?, attempt_count=?, error_message=?
WHERE id=?
`, domain.ItemPending, nextRun.UTC(), attempt, truncate(errMsg, errorLimit), it.ID)
	return err
}

// MarkItemFailed is the terminal transition: the item keeps its last error
// and is never retried again.
func (s *Store) MarkItemFailed(ctx context.Context, it domain.PipelineItem, attempt int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_queue
SET status=?, locked_at=NULL, locked_by=NULL, finished_at=?, attempt_count=?, error_message=?
WHERE id=?
`, domain.ItemFailed, time.Now().UTC(), attempt, truncate(errMsg, errorLimit), it.ID)
	return err
}

// GetItem fetches an item by (entity, stage).
func (s *Store) GetItem(ctx context.Context, entityID int64, stage string) (domain.PipelineItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM pipeline_queue WHERE entity_id=? AND stage=?
`, entityID, stage)
	return scanItem(row)
}
