package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"newsflow/internal/domain"
	"newsflow/internal/schedule"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func dueTask(t *testing.T, s *Store, taskType string, cap int) string {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	id, err := s.CreateTask(context.Background(), domain.ScheduledTask{
		Name:              taskType,
		TaskType:          taskType,
		CronPattern:       "*/5 * * * *",
		NextRunAt:         &past,
		MaxConcurrentRuns: cap,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestClaimExclusivity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	dueTask(t, New(db, "seed"), "scraping", 1)

	const claimants = 8
	var wg sync.WaitGroup
	results := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(db, fmt.Sprintf("worker-%d", i))
			_, results[i] = s.ClaimDueTask(ctx, time.Now(), 30*time.Minute)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoTask):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("claims won = %d, want exactly 1", won)
	}
}

func TestCreateTaskRejectsInvalidPattern(t *testing.T) {
	db := testDB(t)
	s := New(db, "w1")

	_, err := s.CreateTask(context.Background(), domain.ScheduledTask{
		Name: "broken", TaskType: "scraping", CronPattern: "every tuesday",
	})
	if !errors.Is(err, schedule.ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestClaimSkipsFutureAndPaused(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	future := time.Now().UTC().Add(time.Hour)
	if _, err := s.CreateTask(ctx, domain.ScheduledTask{
		Name: "later", TaskType: "clustering", CronPattern: "*/5 * * * *", NextRunAt: &future,
	}); err != nil {
		t.Fatal(err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.CreateTask(ctx, domain.ScheduledTask{
		Name: "paused", TaskType: "scraping", CronPattern: "*/5 * * * *",
		NextRunAt: &past, Status: domain.TaskPaused,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute); !errors.Is(err, ErrNoTask) {
		t.Fatalf("claim = %v, want ErrNoTask", err)
	}
}

func TestClaimOrderedByDueTime(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	older := time.Now().UTC().Add(-10 * time.Minute)
	newer := time.Now().UTC().Add(-1 * time.Minute)
	if _, err := s.CreateTask(ctx, domain.ScheduledTask{
		Name: "newer", TaskType: "clustering", CronPattern: "* * * * *", NextRunAt: &newer,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, domain.ScheduledTask{
		Name: "older", TaskType: "scraping", CronPattern: "* * * * *", NextRunAt: &older,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.TaskType != "scraping" {
		t.Fatalf("claimed %q, want earliest-due task %q", got.TaskType, "scraping")
	}
}

func TestStaleLockBecomesClaimable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s1 := New(db, "dead-worker")
	id := dueTask(t, s1, "scraping", 1)

	if _, err := s1.ClaimDueTask(ctx, time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	s2 := New(db, "live-worker")
	if _, err := s2.ClaimDueTask(ctx, time.Now(), 30*time.Minute); !errors.Is(err, ErrNoTask) {
		t.Fatalf("claim against live lock = %v, want ErrNoTask", err)
	}

	// Age the lock past the timeout; the row becomes eligible again.
	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := db.Exec(`UPDATE scheduled_tasks SET locked_at=? WHERE id=?`, stale, id); err != nil {
		t.Fatal(err)
	}
	got, err := s2.ClaimDueTask(ctx, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatalf("claim of stale lock: %v", err)
	}
	if got.ID != id || *got.LockedBy != "live-worker" {
		t.Fatalf("stale lock not taken over: %+v", got)
	}
}

func TestReclaimLockCountsAsFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")
	id := dueTask(t, s, "report_generation", 1)

	if _, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	locked, err := s.LockedTasks(ctx)
	if err != nil || len(locked) != 1 {
		t.Fatalf("locked tasks = %v, %v", locked, err)
	}

	reclaimed, err := s.ReclaimLock(ctx, locked[0])
	if err != nil || !reclaimed {
		t.Fatalf("reclaim = %v, %v", reclaimed, err)
	}

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.LockedAt != nil || got.LockedBy != nil {
		t.Fatal("lock not cleared")
	}
	if got.FailCount != 1 {
		t.Fatalf("fail_count = %d, want 1 (prior holder's run is a failure)", got.FailCount)
	}
	if got.LastStatus != domain.RunTimeout {
		t.Fatalf("last_status = %q, want %q", got.LastStatus, domain.RunTimeout)
	}

	// A holder that already released is left alone.
	if ok, err := s.ReclaimLock(ctx, locked[0]); err != nil || ok {
		t.Fatalf("second reclaim = %v, %v; want no-op", ok, err)
	}
}

func TestConcurrencyCap(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	for i := 0; i < 3; i++ {
		dueTask(t, s, "image_generation", 2)
	}

	if _, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if _, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if _, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute); !errors.Is(err, ErrNoTask) {
		t.Fatalf("claim 3 = %v, want ErrNoTask (cap of 2 reached)", err)
	}
}

func TestCompleteResetsFailCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")
	id := dueTask(t, s, "scraping", 1)
	if _, err := db.Exec(`UPDATE scheduled_tasks SET fail_count=3 WHERE id=?`, id); err != nil {
		t.Fatal(err)
	}
	task, err := s.ClaimDueTask(ctx, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	finished := time.Now().UTC()
	next := finished.Add(5 * time.Minute)
	if err := s.CompleteTask(ctx, task.ID, finished, next); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != 0 {
		t.Fatalf("fail_count = %d, want 0 after success", got.FailCount)
	}
	if got.LockedAt != nil {
		t.Fatal("lock not released on completion")
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(finished) {
		t.Fatalf("next_run_at = %v, want after %v", got.NextRunAt, finished)
	}
	if got.LastStatus != domain.RunCompleted {
		t.Fatalf("last_status = %q", got.LastStatus)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	inserted, err := s.EnqueueItem(ctx, 42, domain.StageClustering)
	if err != nil || !inserted {
		t.Fatalf("first enqueue = %v, %v", inserted, err)
	}
	inserted, err = s.EnqueueItem(ctx, 42, domain.StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("duplicate enqueue reported as inserted")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pipeline_queue WHERE entity_id=42`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows for entity 42 = %d, want 1", n)
	}
}

func TestEnqueueBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	if _, err := s.EnqueueItem(ctx, 2, domain.StageClustering); err != nil {
		t.Fatal(err)
	}
	n, err := s.EnqueueBatch(ctx, []int64{1, 2, 3}, domain.StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("batch inserted = %d, want 2 (one already queued)", n)
	}
}

func TestMarkItemDoneChainsExactlyOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	if _, err := s.EnqueueItem(ctx, 42, domain.StageClustering); err != nil {
		t.Fatal(err)
	}
	it, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatalf("claim item: %v", err)
	}

	chained, err := s.MarkItemDone(ctx, it, "clustered 5")
	if err != nil || !chained {
		t.Fatalf("first completion chained = %v, %v", chained, err)
	}
	// Replaying the completion (a retried commit) must not duplicate.
	chained, err = s.MarkItemDone(ctx, it, "clustered 5")
	if err != nil {
		t.Fatal(err)
	}
	if chained {
		t.Fatal("replayed completion chained a duplicate")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pipeline_queue WHERE entity_id=42 AND stage=?`,
		domain.StageReportGeneration).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("next-stage rows = %d, want 1", n)
	}

	next, err := s.GetItem(ctx, 42, domain.StageReportGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != domain.ItemPending {
		t.Fatalf("next stage status = %q, want pending", next.Status)
	}
}

func TestFinalStageDoesNotChain(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	if _, err := s.EnqueueItem(ctx, 7, domain.StageImageGeneration); err != nil {
		t.Fatal(err)
	}
	it, err := s.ClaimStageItem(ctx, domain.StageImageGeneration, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	chained, err := s.MarkItemDone(ctx, it, "rendered")
	if err != nil {
		t.Fatal(err)
	}
	if chained {
		t.Fatal("final stage chained a successor")
	}
}

func TestMarkItemRetryAndTerminalFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	if _, err := s.EnqueueItem(ctx, 9, domain.StageClustering); err != nil {
		t.Fatal(err)
	}
	it, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	nextRun := time.Now().UTC().Add(time.Minute)
	if err := s.MarkItemRetry(ctx, it, 1, "upstream 500", nextRun); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetItem(ctx, 9, domain.StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ItemPending || got.AttemptCount != 1 || got.LockedAt != nil {
		t.Fatalf("after retry: %+v", got)
	}
	// Not yet due again.
	if _, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute); !errors.Is(err, ErrNoItem) {
		t.Fatalf("claim before backoff elapsed = %v, want ErrNoItem", err)
	}

	longErr := strings.Repeat("x", 1500)
	if err := s.MarkItemFailed(ctx, got, 3, longErr); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetItem(ctx, 9, domain.StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ItemFailed || got.AttemptCount != 3 {
		t.Fatalf("after terminal failure: %+v", got)
	}
	if len(got.ErrorMessage) != 1000 {
		t.Fatalf("error_message length = %d, want truncated to 1000", len(got.ErrorMessage))
	}

	// Dead state: never claimable again.
	if _, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now().Add(time.Hour), 30*time.Minute); !errors.Is(err, ErrNoItem) {
		t.Fatalf("claim of failed item = %v, want ErrNoItem", err)
	}
}

func TestStuckRunningItemReclaimed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "dead-worker")

	if _, err := s.EnqueueItem(ctx, 42, domain.StageClustering); err != nil {
		t.Fatal(err)
	}
	it, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// A live lock is left alone.
	n, err := s.ReclaimStuckItems(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("reclaim of live lock = %d, %v; want 0", n, err)
	}

	// Age the lock well past the timeout: the holder is presumed dead.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := db.Exec(`UPDATE pipeline_queue SET locked_at=? WHERE id=?`, stale, it.ID); err != nil {
		t.Fatal(err)
	}
	n, err = s.ReclaimStuckItems(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("reclaim of stale lock = %d, %v; want 1", n, err)
	}

	got, err := s.GetItem(ctx, 42, domain.StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ItemPending || got.LockedAt != nil || got.LockedBy != nil {
		t.Fatalf("after reclaim: %+v", got)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1 (interrupted run is a failed attempt)", got.AttemptCount)
	}

	// The item is claimable again.
	s2 := New(db, "live-worker")
	got, err = s2.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatalf("claim after reclaim: %v", err)
	}
	if *got.LockedBy != "live-worker" {
		t.Fatalf("locked_by = %q", *got.LockedBy)
	}
}

func TestOperatorActions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")
	id := dueTask(t, s, "scraping", 1)

	if ok, err := s.PauseTaskType(ctx, "scraping"); err != nil || !ok {
		t.Fatalf("pause = %v, %v", ok, err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Status != domain.TaskPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}

	if _, err := db.Exec(`UPDATE scheduled_tasks SET fail_count=5 WHERE id=?`, id); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.ResumeTaskType(ctx, "scraping"); err != nil || !ok {
		t.Fatalf("resume = %v, %v", ok, err)
	}
	got, _ = s.GetTask(ctx, id)
	if got.Status != domain.TaskActive || got.FailCount != 0 {
		t.Fatalf("after resume: status=%q fail_count=%d", got.Status, got.FailCount)
	}

	if ok, err := s.PauseTaskType(ctx, "no_such_type"); err != nil || ok {
		t.Fatalf("pause of unknown type = %v, %v; want not found", ok, err)
	}
}

func TestRefreshCandidates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	// Never scheduled: candidate.
	unset, err := s.CreateTask(ctx, domain.ScheduledTask{Name: "a", TaskType: "scraping", CronPattern: "*/5 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	// Due soon and unlocked: candidate via lookahead.
	soonAt := time.Now().UTC().Add(30 * time.Second)
	soon, err := s.CreateTask(ctx, domain.ScheduledTask{Name: "b", TaskType: "clustering", CronPattern: "*/5 * * * *", NextRunAt: &soonAt})
	if err != nil {
		t.Fatal(err)
	}
	// Far future: not a candidate.
	farAt := time.Now().UTC().Add(2 * time.Hour)
	if _, err := s.CreateTask(ctx, domain.ScheduledTask{Name: "c", TaskType: "digest_generation", CronPattern: "0 7 * * *", NextRunAt: &farAt}); err != nil {
		t.Fatal(err)
	}

	got, err := s.RefreshCandidates(ctx, time.Now(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, c := range got {
		ids[c.ID] = true
	}
	if !ids[unset] || !ids[soon] || len(got) != 2 {
		t.Fatalf("candidates = %v, want exactly {unset, soon}", ids)
	}
}

func TestExecutionLogAndHealth(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "host-1234")
	id := dueTask(t, s, "scraping", 1)

	now := time.Now().UTC()
	if err := s.RecordExecution(ctx, domain.ExecutionLog{
		TaskID: id, Status: domain.ExecCompleted, DurationSeconds: 1.5,
		Result: "12 articles", StartedAt: now.Add(-2 * time.Second), FinishedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordExecution(ctx, domain.ExecutionLog{
		TaskID: id, Status: domain.ExecFailed, ErrorMessage: "timeout",
		StartedAt: now, FinishedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	// A minimal row, as another writer might leave it: nullable columns
	// fall back to executed_at / empty strings on read.
	if _, err := db.Exec(`INSERT INTO task_execution_logs (task_id, status) VALUES (?, 'completed')`, id); err != nil {
		t.Fatal(err)
	}

	logs, err := s.RecentExecutions(ctx, "scraping", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}
	for _, l := range logs {
		if l.StartedAt.IsZero() || l.FinishedAt.IsZero() || l.ExecutedAt.IsZero() {
			t.Fatalf("timestamps not coalesced: %+v", l)
		}
	}
	stamped := 0
	for _, l := range logs {
		if l.LockedBy == "host-1234" {
			stamped++
		}
	}
	if stamped != 2 {
		t.Fatalf("rows stamped with worker id = %d, want 2", stamped)
	}

	h, err := s.Health(ctx, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if h.Stats.Total != 1 || h.Stats.Active != 1 || h.Stats.Due != 1 {
		t.Fatalf("stats = %+v", h.Stats)
	}
	if len(h.Workers) != 2 || h.Workers[0].WorkerID != "host-1234" ||
		h.Workers[0].Executions != 2 || h.Workers[0].Failures != 1 {
		t.Fatalf("worker load = %+v", h.Workers)
	}
	if len(h.Tasks) != 1 || !h.Tasks[0].Overdue {
		t.Fatalf("task view = %+v", h.Tasks)
	}
}

func TestPipelineStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := New(db, "w1")

	for i := int64(1); i <= 3; i++ {
		if _, err := s.EnqueueItem(ctx, i, domain.StageClustering); err != nil {
			t.Fatal(err)
		}
	}
	it, err := s.ClaimStageItem(ctx, domain.StageClustering, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkItemDone(ctx, it, "done"); err != nil {
		t.Fatal(err)
	}

	stats, err := s.PipelineStats(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != len(domain.Stages) {
		t.Fatalf("stages = %d", len(stats))
	}
	clustering := stats[0]
	if clustering.Pending != 2 || clustering.Done != 1 {
		t.Fatalf("clustering stats = %+v", clustering)
	}
	if clustering.OldestPendingMin == nil {
		t.Fatal("oldest pending age missing")
	}
	report := stats[1]
	if report.Pending != 1 {
		t.Fatalf("report stats = %+v (chained item missing)", report)
	}
}
