package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"newsflow/internal/domain"
	"newsflow/internal/schedule"
)

const taskColumns = `id,name,task_type,cron_pattern,status,last_status,last_run_at,next_run_at,locked_at,locked_by,fail_count,max_concurrent_runs,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var lastRun, nextRun, lockedAt sql.NullTime
	var lockedBy sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.TaskType, &t.CronPattern, &t.Status, &t.LastStatus,
		&lastRun, &nextRun, &lockedAt, &lockedBy, &t.FailCount, &t.MaxConcurrentRuns,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if lastRun.Valid {
		v := lastRun.Time.UTC()
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time.UTC()
		t.NextRunAt = &v
	}
	if lockedAt.Valid {
		v := lockedAt.Time.UTC()
		t.LockedAt = &v
	}
	if lockedBy.Valid {
		v := lockedBy.String
		t.LockedBy = &v
	}
	return t, nil
}

// CreateTask inserts a new scheduled task. Provisioning-time only; the
// workers never create tasks.
func (s *Store) CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	if err := schedule.Validate(t.CronPattern); err != nil {
		return "", err
	}
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	if t.MaxConcurrentRuns == 0 {
		t.MaxConcurrentRuns = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,name,task_type,cron_pattern,status,next_run_at,max_concurrent_runs)
VALUES (?,?,?,?,?,?,?)
`, id, t.Name, t.TaskType, t.CronPattern, t.Status, t.NextRunAt, t.MaxConcurrentRuns)
	return id, err
}

// SeedDefaultTasks inserts the stock task set when the table is empty, so
// a fresh database has something to schedule. Idempotent.
func (s *Store) SeedDefaultTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_tasks`).Scan(&n); err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	defaults := []domain.ScheduledTask{
		{Name: "News scraping", TaskType: "scraping", CronPattern: "*/10 * * * *"},
		{Name: "Broadcast generation", TaskType: "broadcast_generation", CronPattern: "0 */2 * * *"},
		{Name: "Bulletin generation", TaskType: "bulletin_generation", CronPattern: "0 6,12,18 * * *"},
		{Name: "Digest generation", TaskType: "digest_generation", CronPattern: "0 7 * * *"},
	}
	for _, t := range defaults {
		if _, err := s.CreateTask(ctx, t); err != nil {
			return 0, err
		}
	}
	return len(defaults), nil
}

// ClaimDueTask atomically claims the earliest-due active task, skipping
// rows whose lock is still live. stale is the lock age past which a
// previous holder is presumed dead; the claim also enforces the task
// type's max_concurrent_runs cap. Returns ErrNoTask when nothing is
// eligible or a concurrent claimant won the race.
func (s *Store) ClaimDueTask(ctx context.Context, now time.Time, stale time.Duration) (domain.ScheduledTask, error) {
	now = now.UTC()
	staleBefore := now.Add(-stale)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE status=? AND next_run_at IS NOT NULL AND next_run_at <= ?
  AND (locked_at IS NULL OR locked_at <= ?)
ORDER BY next_run_at ASC
LIMIT 1
`, domain.TaskActive, now, staleBefore)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNoTask
	}
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	// Concurrency cap: count live locks sharing this task type. Skipped
	// for a cap of 1 since holding the claim already implies one run.
	if t.MaxConcurrentRuns > 1 {
		var running int
		err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM scheduled_tasks
WHERE task_type=? AND id != ? AND locked_at IS NOT NULL AND locked_at > ?
`, t.TaskType, t.ID, staleBefore).Scan(&running)
		if err != nil {
			return domain.ScheduledTask{}, err
		}
		if running >= t.MaxConcurrentRuns {
			return domain.ScheduledTask{}, ErrNoTask
		}
	}

	// Guarded stamp: zero rows affected means another claimant locked the
	// row between our select and update, which we treat like SKIP LOCKED.
	res, err := tx.ExecContext(ctx, `
UPDATE scheduled_tasks
SET locked_at=?, locked_by=?, last_status=?, updated_at=?
WHERE id=? AND (locked_at IS NULL OR locked_at <= ?)
`, now, s.workerID, domain.RunRunning, now, t.ID, staleBefore)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ScheduledTask{}, ErrNoTask
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledTask{}, err
	}

	t.LockedAt = &now
	t.LockedBy = &s.workerID
	t.LastStatus = domain.RunRunning
	return t, nil
}

// CompleteTask releases the lock after a successful run: next_run_at is the
// freshly computed firing time and fail_count resets to zero.
func (s *Store) CompleteTask(ctx context.Context, id string, finishedAt, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET last_run_at=?, next_run_at=?, locked_at=NULL, locked_by=NULL,
    last_status=?, fail_count=0, updated_at=?
WHERE id=?
`, finishedAt.UTC(), nextRun.UTC(), domain.RunCompleted, finishedAt.UTC(), id)
	return err
}

// RescheduleFailedTask releases the lock after a failed run that still has
// retries left, pushing next_run_at out by the backoff delay.
func (s *Store) RescheduleFailedTask(ctx context.Context, id string, failCount int, nextRun time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET next_run_at=?, locked_at=NULL, locked_by=NULL, last_status=?, fail_count=?, updated_at=?
WHERE id=?
`, nextRun.UTC(), domain.RunFailed, failCount, now, id)
	return err
}

// PauseExhaustedTask is the dead-letter path for recurring tasks: after
// MAX_RETRY_COUNT consecutive failures the task is paused until an
// operator resumes it.
func (s *Store) PauseExhaustedTask(ctx context.Context, id string, failCount int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET status=?, locked_at=NULL, locked_by=NULL, last_status=?, fail_count=?, updated_at=?
WHERE id=?
`, domain.TaskPaused, domain.RunFailedMaxRetries, failCount, now, id)
	return err
}

// RefreshCandidates returns active tasks whose next_run_at needs
// recomputing: never set, already due, or (when unlocked) due within the
// lookahead window.
func (s *Store) RefreshCandidates(ctx context.Context, now time.Time, lookahead time.Duration) ([]domain.ScheduledTask, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE status=?
  AND (next_run_at IS NULL OR next_run_at <= ? OR (locked_at IS NULL AND next_run_at <= ?))
`, domain.TaskActive, now, now.Add(lookahead))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateNextRun persists a recomputed firing time.
func (s *Store) UpdateNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET next_run_at=?, updated_at=? WHERE id=?
`, nextRun.UTC(), time.Now().UTC(), id)
	return err
}

// LockedTasks returns every task currently holding a lock, for the
// refresher's reclaim pass.
func (s *Store) LockedTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks WHERE locked_at IS NOT NULL
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ReclaimLock clears a lock held past its timeout. The previous holder's
// run counts as a failure, never a silent success: fail_count goes up and
// the timeout marker makes the worker's backoff apply on the next attempt.
// Guarded on the observed locked_at so a holder that finished in the
// meantime is left alone.
func (s *Store) ReclaimLock(ctx context.Context, t domain.ScheduledTask) (bool, error) {
	if t.LockedAt == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET locked_at=NULL, locked_by=NULL, last_status=?, fail_count=fail_count+1, updated_at=?
WHERE id=? AND locked_at=?
`, domain.RunTimeout, time.Now().UTC(), t.ID, *t.LockedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordExecution appends one execution-log row.
func (s *Store) RecordExecution(ctx context.Context, l domain.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_execution_logs (task_id,status,duration_seconds,result,error_message,started_at,finished_at,executed_at,locked_by)
VALUES (?,?,?,?,?,?,?,?,?)
`, l.TaskID, l.Status, l.DurationSeconds, l.Result, truncate(l.ErrorMessage, errorLimit),
		l.StartedAt.UTC(), l.FinishedAt.UTC(), time.Now().UTC(), s.workerID)
	return err
}

// RecentExecutions lists recent log rows, optionally filtered by task type.
func (s *Store) RecentExecutions(ctx context.Context, taskType string, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	// Nullable columns are scanned raw and coalesced here: the driver
	// returns SQL expression columns as TEXT, which does not scan into
	// time.Time.
	q := `
SELECT l.id, l.task_id, t.task_type, l.status, l.duration_seconds,
       l.result, l.error_message, l.started_at, l.finished_at,
       l.executed_at, l.locked_by
FROM task_execution_logs l
JOIN scheduled_tasks t ON t.id = l.task_id
`
	args := []any{}
	if taskType != "" {
		q += ` WHERE t.task_type = ?`
		args = append(args, taskType)
	}
	q += ` ORDER BY l.executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		var result, errMsg, lockedBy sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TaskType, &l.Status, &l.DurationSeconds,
			&result, &errMsg, &startedAt, &finishedAt, &l.ExecutedAt, &lockedBy); err != nil {
			return nil, err
		}
		l.Result = result.String
		l.ErrorMessage = errMsg.String
		l.LockedBy = lockedBy.String
		l.ExecutedAt = l.ExecutedAt.UTC()
		l.StartedAt = l.ExecutedAt
		if startedAt.Valid {
			l.StartedAt = startedAt.Time.UTC()
		}
		l.FinishedAt = l.ExecutedAt
		if finishedAt.Valid {
			l.FinishedAt = finishedAt.Time.UTC()
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	return scanTask(row)
}

// ListTasks returns every scheduled task ordered by next firing time.
func (s *Store) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
ORDER BY CASE WHEN next_run_at IS NULL THEN 1 ELSE 0 END, next_run_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Operator actions keyed by task type (retry-on-demand and debugging).

func (s *Store) PauseTaskType(ctx context.Context, taskType string) (bool, error) {
	return s.execByType(ctx, `UPDATE scheduled_tasks SET status=?, updated_at=? WHERE task_type=?`,
		domain.TaskPaused, time.Now().UTC(), taskType)
}

// ResumeTaskType reactivates a paused task and wipes its failure history so
// the backoff ladder starts over.
func (s *Store) ResumeTaskType(ctx context.Context, taskType string) (bool, error) {
	return s.execByType(ctx, `
UPDATE scheduled_tasks SET status=?, fail_count=0, last_status=?, updated_at=? WHERE task_type=?`,
		domain.TaskActive, domain.RunReady, time.Now().UTC(), taskType)
}

// UnlockTaskType force-clears a lock. Operator escape hatch only; normal
// recovery is the refresher's timeout reclaim.
func (s *Store) UnlockTaskType(ctx context.Context, taskType string) (bool, error) {
	return s.execByType(ctx, `
UPDATE scheduled_tasks SET locked_at=NULL, locked_by=NULL, updated_at=? WHERE task_type=?`,
		time.Now().UTC(), taskType)
}

func (s *Store) ResetFailures(ctx context.Context, taskType string) (bool, error) {
	return s.execByType(ctx, `
UPDATE scheduled_tasks SET fail_count=0, updated_at=? WHERE task_type=?`,
		time.Now().UTC(), taskType)
}

func (s *Store) execByType(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func collectTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
