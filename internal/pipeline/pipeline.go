// Package pipeline runs the event-driven multi-stage work queue. Each
// stage has its own claim loop; finishing a stage enqueues the entity into
// the next one. There are no cron expressions here: items become eligible
// immediately or after a retry backoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"newsflow/internal/config"
	"newsflow/internal/domain"
	"newsflow/internal/job"
	"newsflow/internal/store"
)

// reclaimInterval is how often a stage worker sweeps for items whose
// holder died mid-run.
const reclaimInterval = time.Minute

// StageWorker polls one stage's pending items. The claim serializes
// triggering of the stage's batch job across workers; the job itself may
// process the whole backlog.
type StageWorker struct {
	stage       string
	store       *store.Store
	fn          job.StageFunc
	cfg         *config.Config
	log         zerolog.Logger
	done        atomic.Int64
	lastReclaim time.Time
}

func NewStageWorker(stage string, st *store.Store, reg *job.Registry, cfg *config.Config, log zerolog.Logger) (*StageWorker, error) {
	if !domain.ValidStage(stage) {
		return nil, fmt.Errorf("unknown pipeline stage %q", stage)
	}
	fn, ok := reg.LookupStage(stage)
	if !ok {
		return nil, fmt.Errorf("no job registered for stage %q", stage)
	}
	return &StageWorker{
		stage: stage,
		store: st,
		fn:    fn,
		cfg:   cfg,
		log:   log.With().Str("component", "pipeline").Str("stage", stage).Logger(),
	}, nil
}

// Run polls until the context is cancelled.
func (w *StageWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.QueuePollInterval))
	defer ticker.Stop()

	w.log.Info().Str("worker_id", w.store.WorkerID()).Msg("stage worker started")

	lastHeartbeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Int64("jobs_done", w.done.Load()).Msg("stage worker stopped")
			return
		case now := <-ticker.C:
			w.reclaim(ctx, now.UTC())
			it, err := w.store.ClaimStageItem(ctx, w.stage, now.UTC(), w.lockTimeout())
			if errors.Is(err, store.ErrNoItem) {
				if time.Since(lastHeartbeat) >= time.Minute {
					w.log.Debug().Int64("jobs_done", w.done.Load()).Msg("stage worker alive")
					lastHeartbeat = time.Now()
				}
				continue
			}
			if err != nil {
				w.log.Error().Err(err).Msg("claim stage item")
				continue
			}
			w.process(ctx, it)
		}
	}
}

// reclaim releases items whose holder held the lock past the stage
// timeout, at most once per reclaimInterval.
func (w *StageWorker) reclaim(ctx context.Context, now time.Time) {
	if now.Sub(w.lastReclaim) < reclaimInterval {
		return
	}
	w.lastReclaim = now
	n, err := w.store.ReclaimStuckItems(ctx, w.stage, now, w.lockTimeout())
	if err != nil {
		w.log.Error().Err(err).Msg("reclaim stuck items")
		return
	}
	if n > 0 {
		w.log.Warn().Int("items", n).Dur("timeout", w.lockTimeout()).Msg("reclaimed stuck items")
	}
}

func (w *StageWorker) lockTimeout() time.Duration {
	return w.cfg.StageLockTimeout(w.stage)
}

func (w *StageWorker) process(ctx context.Context, it domain.PipelineItem) {
	started := time.Now()
	w.log.Info().Int64("entity_id", it.EntityID).Int("attempt", it.AttemptCount+1).Msg("processing item")

	res := w.runJob(ctx, it)
	duration := time.Since(started)

	// The outcome must be recorded even when the loop context was
	// cancelled by a shutdown while the job ran.
	ctx = context.WithoutCancel(ctx)

	if res.Success {
		chained, err := w.store.MarkItemDone(ctx, it, res.Summary())
		if err != nil {
			w.log.Error().Err(err).Str("item_id", it.ID).Msg("mark item done")
			return
		}
		w.done.Add(1)
		ev := w.log.Info().Int64("entity_id", it.EntityID).Dur("duration", duration)
		if chained {
			ev = ev.Str("next_stage", domain.NextStage[it.Stage])
		}
		ev.Msg("item done")
		return
	}

	attempt := it.AttemptCount + 1
	if attempt >= w.cfg.MaxAttempts {
		if err := w.store.MarkItemFailed(ctx, it, attempt, res.Err); err != nil {
			w.log.Error().Err(err).Str("item_id", it.ID).Msg("mark item failed")
			return
		}
		w.log.Error().Int64("entity_id", it.EntityID).Int("attempts", attempt).
			Str("error", res.Err).Msg("item permanently failed")
		return
	}

	backoff := w.cfg.StageBackoff(attempt)
	if err := w.store.MarkItemRetry(ctx, it, attempt, res.Err, time.Now().UTC().Add(backoff)); err != nil {
		w.log.Error().Err(err).Str("item_id", it.ID).Msg("mark item retry")
		return
	}
	w.log.Warn().Int64("entity_id", it.EntityID).Int("attempt", attempt).
		Int("max_attempts", w.cfg.MaxAttempts).Dur("retry_in", backoff).
		Str("error", res.Err).Msg("item failed, rescheduled")
}

func (w *StageWorker) runJob(ctx context.Context, it domain.PipelineItem) (res job.Result) {
	jobCtx, cancel := context.WithTimeout(ctx, w.lockTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = job.Failed(fmt.Sprintf("job panic: %v", r))
		}
	}()
	return w.fn(jobCtx, it.EntityID)
}

// Runner is the all-in-one mode: every stage's loop as a sibling goroutine
// in one process, with stopped loops restarted while the runner lives.
type Runner struct {
	store *store.Store
	reg   *job.Registry
	cfg   *config.Config
	log   zerolog.Logger
}

func NewRunner(st *store.Store, reg *job.Registry, cfg *config.Config, log zerolog.Logger) *Runner {
	return &Runner{store: st, reg: reg, cfg: cfg, log: log.With().Str("component", "pipeline-runner").Logger()}
}

// Run starts one worker per stage and supervises them until the context is
// cancelled. A stage worker that stops early (a panic that escaped its job
// boundary) is restarted.
func (r *Runner) Run(ctx context.Context) {
	stopped := make(chan string, len(domain.Stages))
	live := 0

	start := func(stage string) {
		w, err := NewStageWorker(stage, r.store, r.reg, r.cfg, r.log)
		if err != nil {
			r.log.Error().Err(err).Str("stage", stage).Msg("stage worker not started")
			return
		}
		live++
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().Str("stage", stage).Interface("panic", rec).Msg("stage worker panicked")
				}
				stopped <- stage
			}()
			w.Run(ctx)
		}()
	}

	r.log.Info().Strs("stages", domain.Stages).Msg("pipeline runner started")
	for _, stage := range domain.Stages {
		start(stage)
	}

	for live > 0 {
		stage := <-stopped
		live--
		if ctx.Err() != nil {
			continue
		}
		r.log.Warn().Str("stage", stage).Msg("stage worker stopped, restarting")
		start(stage)
	}
	r.log.Info().Msg("pipeline runner stopped")
}
