package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"newsflow/internal/domain"
)

// SchedulerStats are the aggregate counters logged by the refresher and
// served by the health endpoint.
type SchedulerStats struct {
	Total   int `json:"total_tasks"`
	Active  int `json:"active_tasks"`
	Paused  int `json:"paused_tasks"`
	Locked  int `json:"locked_tasks"`
	Due     int `json:"due_tasks"`
	Failing int `json:"failing_tasks"`
}

// StuckLock describes a lock held past the stuck threshold.
type StuckLock struct {
	TaskType      string    `json:"task_type"`
	LockedBy      string    `json:"locked_by"`
	LockedAt      time.Time `json:"locked_at"`
	LockedMinutes float64   `json:"locked_minutes"`
}

// TaskStatus is the per-task line in the health view.
type TaskStatus struct {
	TaskType         string     `json:"task_type"`
	Status           string     `json:"status"`
	LastStatus       string     `json:"last_status"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	NextRunInMinutes *float64   `json:"next_run_in_minutes,omitempty"`
	FailCount        int        `json:"fail_count"`
	Overdue          bool       `json:"is_overdue"`
}

// WorkerLoad is one worker's execution volume over the recent window.
type WorkerLoad struct {
	WorkerID   string `json:"worker_id"`
	Executions int    `json:"executions"`
	Failures   int    `json:"failures"`
}

// SchedulerHealth is the full derived health view.
type SchedulerHealth struct {
	Timestamp  time.Time      `json:"timestamp"`
	Stats      SchedulerStats `json:"stats"`
	StuckLocks []StuckLock    `json:"stuck_locks"`
	Tasks      []TaskStatus   `json:"tasks"`
	Workers    []WorkerLoad   `json:"workers"`
}

// Stats returns the aggregate task counters.
func (s *Store) Stats(ctx context.Context, now time.Time) (SchedulerStats, error) {
	now = now.UTC()
	var st SchedulerStats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(CASE WHEN status='active' THEN 1 END),
       COUNT(CASE WHEN status='paused' THEN 1 END),
       COUNT(CASE WHEN locked_at IS NOT NULL THEN 1 END),
       COUNT(CASE WHEN next_run_at <= ? AND status='active' AND locked_at IS NULL THEN 1 END),
       COUNT(CASE WHEN fail_count > 0 THEN 1 END)
FROM scheduled_tasks
`, now).Scan(&st.Total, &st.Active, &st.Paused, &st.Locked, &st.Due, &st.Failing)
	return st, err
}

// Health assembles the full scheduler health view. stuckAfter is the lock
// age past which a holder is reported as stuck.
func (s *Store) Health(ctx context.Context, now time.Time, stuckAfter time.Duration) (SchedulerHealth, error) {
	now = now.UTC()
	h := SchedulerHealth{Timestamp: now}

	var err error
	if h.Stats, err = s.Stats(ctx, now); err != nil {
		return h, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT task_type, COALESCE(locked_by,''), locked_at
FROM scheduled_tasks
WHERE locked_at IS NOT NULL AND locked_at < ?
`, now.Add(-stuckAfter))
	if err != nil {
		return h, err
	}
	for rows.Next() {
		var l StuckLock
		if err := rows.Scan(&l.TaskType, &l.LockedBy, &l.LockedAt); err != nil {
			rows.Close()
			return h, err
		}
		l.LockedAt = l.LockedAt.UTC()
		l.LockedMinutes = now.Sub(l.LockedAt).Minutes()
		h.StuckLocks = append(h.StuckLocks, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return h, err
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return h, err
	}
	for _, t := range tasks {
		ts := TaskStatus{
			TaskType:   t.TaskType,
			Status:     t.Status,
			LastStatus: t.LastStatus,
			LastRunAt:  t.LastRunAt,
			NextRunAt:  t.NextRunAt,
			FailCount:  t.FailCount,
		}
		if t.NextRunAt != nil {
			m := t.NextRunAt.Sub(now).Minutes()
			ts.NextRunInMinutes = &m
			ts.Overdue = t.Status == domain.TaskActive && m < 0
		}
		h.Tasks = append(h.Tasks, ts)
	}

	h.Workers, err = s.workerLoads(ctx, now.Add(-time.Hour))
	return h, err
}

func (s *Store) workerLoads(ctx context.Context, since time.Time) ([]WorkerLoad, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(locked_by,''),
       COUNT(*),
       COUNT(CASE WHEN status='failed' THEN 1 END)
FROM task_execution_logs
WHERE executed_at >= ?
GROUP BY locked_by
ORDER BY COUNT(*) DESC
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loads []WorkerLoad
	for rows.Next() {
		var w WorkerLoad
		if err := rows.Scan(&w.WorkerID, &w.Executions, &w.Failures); err != nil {
			return nil, err
		}
		loads = append(loads, w)
	}
	return loads, rows.Err()
}

// StageStats is the pipeline view for one stage.
type StageStats struct {
	Stage            string   `json:"stage"`
	Pending          int      `json:"pending"`
	Running          int      `json:"running"`
	Done             int      `json:"done"`
	Failed           int      `json:"failed"`
	OldestPendingMin *float64 `json:"oldest_pending_minutes,omitempty"`
}

// PipelineStats returns per-stage queue counters in stage order.
func (s *Store) PipelineStats(ctx context.Context, now time.Time) ([]StageStats, error) {
	now = now.UTC()
	stats := make([]StageStats, 0, len(domain.Stages))
	for _, stage := range domain.Stages {
		st := StageStats{Stage: stage}
		err := s.db.QueryRowContext(ctx, `
SELECT COUNT(CASE WHEN status='pending' THEN 1 END),
       COUNT(CASE WHEN status='running' THEN 1 END),
       COUNT(CASE WHEN status='done' THEN 1 END),
       COUNT(CASE WHEN status='failed' THEN 1 END)
FROM pipeline_queue WHERE stage=?
`, stage).Scan(&st.Pending, &st.Running, &st.Done, &st.Failed)
		if err != nil {
			return nil, err
		}

		// MIN(created_at) is an expression column, which the driver
		// returns as TEXT; select the raw column instead.
		var oldest time.Time
		err = s.db.QueryRowContext(ctx, `
SELECT created_at FROM pipeline_queue
WHERE stage=? AND status='pending'
ORDER BY created_at ASC LIMIT 1
`, stage).Scan(&oldest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			m := now.Sub(oldest.UTC()).Minutes()
			st.OldestPendingMin = &m
		}
		stats = append(stats, st)
	}
	return stats, nil
}
