package domain

import "time"

// ScheduledTask statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
)

// last_status markers recorded on scheduled tasks.
const (
	RunReady            = "ready"
	RunRunning          = "running"
	RunCompleted        = "completed"
	RunFailed           = "failed"
	RunTimeout          = "timeout"
	RunFailedMaxRetries = "failed_max_retries"
)

// ScheduledTask is a recurring unit of work driven by a cron pattern.
// Workers coordinate on it purely through the lock columns; only the
// holder of a live lock may touch the business fields.
type ScheduledTask struct {
	ID                string
	Name              string
	TaskType          string
	CronPattern       string
	Status            string
	LastStatus        string
	LastRunAt         *time.Time
	NextRunAt         *time.Time
	LockedAt          *time.Time
	LockedBy          *string
	FailCount         int
	MaxConcurrentRuns int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionLog statuses.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// ExecutionLog is one row per execution attempt of a scheduled task.
// Rows are append-only.
type ExecutionLog struct {
	ID              int64
	TaskID          string
	TaskType        string
	Status          string
	DurationSeconds float64
	Result          string
	ErrorMessage    string
	StartedAt       time.Time
	FinishedAt      time.Time
	ExecutedAt      time.Time
	LockedBy        string
}

// Pipeline stages, in processing order.
const (
	StageClustering       = "clustering"
	StageReportGeneration = "report_generation"
	StageImageGeneration  = "image_generation"
)

// Stages lists every pipeline stage in order.
var Stages = []string{StageClustering, StageReportGeneration, StageImageGeneration}

// NextStage maps each stage to its successor; the empty string marks the
// end of the pipeline.
var NextStage = map[string]string{
	StageClustering:       StageReportGeneration,
	StageReportGeneration: StageImageGeneration,
	StageImageGeneration:  "",
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s string) bool {
	_, ok := NextStage[s]
	return ok
}

// PipelineItem statuses.
const (
	ItemPending = "pending"
	ItemRunning = "running"
	ItemDone    = "done"
	ItemFailed  = "failed"
)

// PipelineItem is one row per (entity, stage) pair in the pipeline queue.
// The pair is unique: re-enqueueing an entity into a stage it already
// passed through is a no-op.
type PipelineItem struct {
	ID           string
	EntityID     int64
	Stage        string
	Status       string
	AttemptCount int
	NextRunAt    time.Time
	LockedAt     *time.Time
	LockedBy     *string
	ErrorMessage string
	Result       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
