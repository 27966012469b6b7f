// Package worker runs the claim-and-execute loop for cron tasks. One
// process claims at most one task per poll but executes claimed tasks
// concurrently on a bounded set of goroutines; multiple processes scale
// out against the same store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"newsflow/internal/config"
	"newsflow/internal/domain"
	"newsflow/internal/job"
	"newsflow/internal/schedule"
	"newsflow/internal/store"
)

type Pool struct {
	store    *store.Store
	registry *job.Registry
	cfg      *config.Config
	log      zerolog.Logger
	sem      chan struct{}
	wg       sync.WaitGroup
	executed atomic.Int64
}

func NewPool(st *store.Store, reg *job.Registry, cfg *config.Config, log zerolog.Logger) *Pool {
	size := cfg.MaxWorkers
	if size < 1 {
		size = 1
	}
	return &Pool{
		store:    st,
		registry: reg,
		cfg:      cfg,
		log:      log.With().Str("component", "worker").Logger(),
		sem:      make(chan struct{}, size),
	}
}

// Run polls until the context is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PollInterval))
	defer ticker.Stop()

	p.log.Info().
		Str("worker_id", p.store.WorkerID()).
		Int("max_workers", cap(p.sem)).
		Dur("poll", time.Duration(p.cfg.PollInterval)).
		Msg("cron worker started")

	lastHeartbeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info().Int64("jobs_executed", p.executed.Load()).Msg("cron worker stopped")
			return
		case now := <-ticker.C:
			task, err := p.store.ClaimDueTask(ctx, now.UTC(), time.Duration(p.cfg.DefaultLockTimeout))
			if errors.Is(err, store.ErrNoTask) {
				if time.Since(lastHeartbeat) >= time.Minute {
					p.log.Debug().Int64("jobs_executed", p.executed.Load()).Msg("worker alive")
					lastHeartbeat = time.Now()
				}
				continue
			}
			if err != nil {
				p.log.Error().Err(err).Msg("claim due task")
				continue
			}

			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			p.wg.Add(1)
			go func(t domain.ScheduledTask) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.process(ctx, t)
			}(task)
		}
	}
}

// process runs one claimed task through the attempt cycle: execute, write
// exactly one execution-log row, then release or reschedule.
func (p *Pool) process(ctx context.Context, t domain.ScheduledTask) {
	started := time.Now().UTC()
	p.log.Info().Str("task_type", t.TaskType).Int("attempt", t.FailCount+1).Msg("executing")

	res := p.runJob(ctx, t)
	finished := time.Now().UTC()
	duration := finished.Sub(started)

	// The log row and lock release must land even when the loop context
	// was cancelled by a shutdown while the job ran; otherwise a finished
	// run is later mis-read as a timeout.
	ctx = context.WithoutCancel(ctx)

	status := domain.ExecCompleted
	if !res.Success {
		status = domain.ExecFailed
	}
	if err := p.store.RecordExecution(ctx, domain.ExecutionLog{
		TaskID:          t.ID,
		Status:          status,
		DurationSeconds: duration.Seconds(),
		Result:          res.Summary(),
		ErrorMessage:    res.Err,
		StartedAt:       started,
		FinishedAt:      finished,
	}); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("record execution")
	}

	if res.Success {
		p.complete(ctx, t, finished)
		p.executed.Add(1)
		p.log.Info().Str("task_type", t.TaskType).Dur("duration", duration).
			Str("result", res.Summary()).Msg("task completed")
		return
	}

	p.fail(ctx, t, finished, res.Err)
	p.executed.Add(1)
	p.log.Error().Str("task_type", t.TaskType).Dur("duration", duration).
		Str("error", res.Err).Msg("task failed")
}

// runJob looks the task type up in the registry and runs it under the
// type's lock timeout. Unknown types and panics become failed Results;
// nothing escapes to crash the loop.
func (p *Pool) runJob(ctx context.Context, t domain.ScheduledTask) (res job.Result) {
	fn, ok := p.registry.Lookup(t.TaskType)
	if !ok {
		return job.Failed(fmt.Sprintf("unknown job type: %s", t.TaskType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout(t.TaskType))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = job.Failed(fmt.Sprintf("job panic: %v", r))
		}
	}()
	return fn(jobCtx)
}

// complete recomputes next_run_at from now, not from the original due
// time, so schedule drift does not compound.
func (p *Pool) complete(ctx context.Context, t domain.ScheduledTask, finished time.Time) {
	next, err := schedule.NextRun(t.CronPattern, finished, finished)
	if err != nil {
		p.log.Warn().Err(err).Str("task_type", t.TaskType).Msg("invalid cron pattern, using fallback delay")
		next = finished.Add(schedule.FallbackDelay)
	}
	if err := p.store.CompleteTask(ctx, t.ID, finished, next); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("complete task")
	}
}

// fail applies the escalating backoff table, pausing the task once its
// retries are exhausted.
func (p *Pool) fail(ctx context.Context, t domain.ScheduledTask, finished time.Time, _ string) {
	failCount := t.FailCount + 1
	if failCount >= p.cfg.MaxRetryCount {
		if err := p.store.PauseExhaustedTask(ctx, t.ID, failCount); err != nil {
			p.log.Error().Err(err).Str("task_id", t.ID).Msg("pause exhausted task")
			return
		}
		p.log.Error().Str("task_type", t.TaskType).Int("fail_count", failCount).
			Msg("task paused after max retries")
		return
	}

	backoff := p.cfg.Backoff(failCount)
	if err := p.store.RescheduleFailedTask(ctx, t.ID, failCount, finished.Add(backoff)); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("reschedule failed task")
		return
	}
	p.log.Warn().Str("task_type", t.TaskType).Int("fail_count", failCount).
		Dur("retry_in", backoff).Msg("task failed, rescheduled")
}
