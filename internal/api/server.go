// Package api is the operator-facing HTTP surface: health views over the
// shared store and out-of-band task actions (manual trigger, pause,
// resume, unlock).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsflow/internal/config"
	"newsflow/internal/domain"
	"newsflow/internal/job"
	"newsflow/internal/store"
)

// stuckThreshold is the lock age past which health views flag a holder.
const stuckThreshold = 30 * time.Minute

type Server struct {
	store    *store.Store
	registry *job.Registry
	cfg      *config.Config
}

func NewServer(st *store.Store, reg *job.Registry, cfg *config.Config) http.Handler {
	s := &Server{store: st, registry: reg, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/api/scheduler/health", s.schedulerHealth)
	r.Get("/api/scheduler/tasks", s.listTasks)
	r.Get("/api/scheduler/logs", s.recentLogs)
	r.Get("/api/pipeline/stats", s.pipelineStats)

	r.Post("/api/tasks/{taskType}/run", s.triggerTask)
	r.Post("/api/tasks/{taskType}/pause", s.taskAction(s.store.PauseTaskType))
	r.Post("/api/tasks/{taskType}/resume", s.taskAction(s.store.ResumeTaskType))
	r.Post("/api/tasks/{taskType}/unlock", s.taskAction(s.store.UnlockTaskType))
	r.Post("/api/tasks/{taskType}/reset-failures", s.taskAction(s.store.ResetFailures))

	r.Post("/api/pipeline/enqueue", s.enqueue)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) schedulerHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.Health(r.Context(), time.Now(), stuckThreshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":                  t.ID,
			"name":                t.Name,
			"task_type":           t.TaskType,
			"cron_pattern":        t.CronPattern,
			"status":              t.Status,
			"last_status":         t.LastStatus,
			"last_run_at":         t.LastRunAt,
			"next_run_at":         t.NextRunAt,
			"locked_by":           t.LockedBy,
			"fail_count":          t.FailCount,
			"max_concurrent_runs": t.MaxConcurrentRuns,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.RecentExecutions(r.Context(), r.URL.Query().Get("task_type"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) pipelineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.PipelineStats(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type triggerResp struct {
	TaskType        string  `json:"task_type"`
	Success         bool    `json:"success"`
	Skipped         bool    `json:"skipped,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Output          string  `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// triggerTask invokes the job function once, out-of-band from the
// scheduler, and returns the outcome synchronously. It does not touch the
// task row or its schedule.
func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "taskType")
	fn, ok := s.registry.Lookup(taskType)
	if !ok {
		http.Error(w, "unknown task type", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LockTimeout(taskType))
	defer cancel()

	started := time.Now()
	res := fn(ctx)
	resp := triggerResp{
		TaskType:        taskType,
		Success:         res.Success,
		Skipped:         res.Skipped,
		Reason:          res.Reason,
		Output:          res.Output,
		Error:           res.Err,
		DurationSeconds: time.Since(started).Seconds(),
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) taskAction(action func(context.Context, string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskType := chi.URLParam(r, "taskType")
		ok, err := action(r.Context(), taskType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_type": taskType, "status": "ok"})
	}
}

type enqueueReq struct {
	EntityID int64  `json:"entity_id"`
	Stage    string `json:"stage"`
}

// enqueue is the producer entry point: ingestion drops entities into the
// first stage (or a named one) of the pipeline.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EntityID == 0 {
		http.Error(w, "entity_id is required", http.StatusBadRequest)
		return
	}
	if req.Stage == "" {
		req.Stage = domain.StageClustering
	}
	if !domain.ValidStage(req.Stage) {
		http.Error(w, "unknown stage", http.StatusBadRequest)
		return
	}

	inserted, err := s.store.EnqueueItem(r.Context(), req.EntityID, req.Stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"entity_id": req.EntityID,
		"stage":     req.Stage,
		"enqueued":  inserted,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
