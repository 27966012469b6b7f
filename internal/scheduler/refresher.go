// Package scheduler keeps every active task's next_run_at correct and
// releases locks held past their per-type timeout. It never executes jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"newsflow/internal/config"
	"newsflow/internal/schedule"
	"newsflow/internal/store"
)

type Refresher struct {
	store     *store.Store
	cfg       *config.Config
	log       zerolog.Logger
	lastStats time.Time
}

func New(st *store.Store, cfg *config.Config, log zerolog.Logger) *Refresher {
	return &Refresher{store: st, cfg: cfg, log: log.With().Str("component", "refresher").Logger()}
}

// Run ticks until the context is cancelled. A failing tick is logged and
// the loop keeps going; nothing short of cancellation stops it.
func (r *Refresher) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.TickInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("tick", interval).Msg("schedule refresher started")
	r.lastStats = time.Now()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("schedule refresher stopped")
			return
		case now := <-ticker.C:
			r.tick(ctx, now.UTC())
		}
	}
}

func (r *Refresher) tick(ctx context.Context, now time.Time) {
	r.refreshSchedules(ctx, now)
	r.reclaimExpiredLocks(ctx, now)

	if time.Since(r.lastStats) >= time.Duration(r.cfg.StatsInterval) {
		r.logStats(ctx, now)
		r.lastStats = time.Now()
	}
}

// refreshSchedules recomputes next_run_at for every active task that is
// unset, due, or inside the lookahead window. One task's failure never
// aborts the rest of the pass.
func (r *Refresher) refreshSchedules(ctx context.Context, now time.Time) {
	tasks, err := r.store.RefreshCandidates(ctx, now, time.Duration(r.cfg.Lookahead))
	if err != nil {
		r.log.Error().Err(err).Msg("list refresh candidates")
		return
	}

	for _, t := range tasks {
		var base time.Time
		if t.LastRunAt != nil {
			base = *t.LastRunAt
		}
		next, err := schedule.NextRun(t.CronPattern, base, now)
		if err != nil {
			// Unparsable pattern: conservative fixed delay instead of
			// crashing the tick.
			r.log.Warn().Err(err).Str("task_type", t.TaskType).Str("pattern", t.CronPattern).
				Msg("invalid cron pattern, using fallback delay")
			next = now.Add(schedule.FallbackDelay)
		}
		if err := r.store.UpdateNextRun(ctx, t.ID, next); err != nil {
			r.log.Error().Err(err).Str("task_id", t.ID).Str("task_type", t.TaskType).
				Msg("update next_run_at")
			continue
		}
	}
}

// reclaimExpiredLocks treats a lock older than its type's timeout as an
// implicit failure of the previous holder: the lock is cleared, fail_count
// bumped and the timeout marker set so backoff applies on the next attempt.
func (r *Refresher) reclaimExpiredLocks(ctx context.Context, now time.Time) {
	tasks, err := r.store.LockedTasks(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list locked tasks")
		return
	}

	for _, t := range tasks {
		if t.LockedAt == nil {
			continue
		}
		timeout := r.cfg.LockTimeout(t.TaskType)
		age := now.Sub(*t.LockedAt)
		if age <= timeout {
			continue
		}
		reclaimed, err := r.store.ReclaimLock(ctx, t)
		if err != nil {
			r.log.Error().Err(err).Str("task_id", t.ID).Str("task_type", t.TaskType).
				Msg("reclaim expired lock")
			continue
		}
		if reclaimed {
			holder := ""
			if t.LockedBy != nil {
				holder = *t.LockedBy
			}
			r.log.Warn().Str("task_type", t.TaskType).Str("locked_by", holder).
				Dur("lock_age", age).Dur("timeout", timeout).
				Msg("reclaimed expired lock")
		}
	}
}

func (r *Refresher) logStats(ctx context.Context, now time.Time) {
	stats, err := r.store.Stats(ctx, now)
	if err != nil {
		r.log.Error().Err(err).Msg("scheduler stats")
		return
	}
	r.log.Info().
		Int("active", stats.Active).
		Int("due", stats.Due).
		Int("locked", stats.Locked).
		Int("failing", stats.Failing).
		Msg("scheduler stats")
}
