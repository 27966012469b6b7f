// Package job defines the contract between the execution backbone and the
// opaque job functions it invokes, plus the registry that binds task types
// and pipeline stages to those functions.
package job

import "context"

// Result is the tagged outcome of one job invocation. Job functions report
// failure through Result, never by panicking; panics are reserved for
// programming errors and are converted to failures at the worker boundary.
type Result struct {
	Success bool
	Skipped bool
	Reason  string // why the job skipped, when Skipped
	Output  string // short result summary, when Success
	Err     string // error text, when !Success
}

// Done returns a successful Result with a short output summary.
func Done(output string) Result { return Result{Success: true, Output: output} }

// Skip returns a successful Result that records the job chose not to run.
func Skip(reason string) Result { return Result{Success: true, Skipped: true, Reason: reason} }

// Failed returns a failed Result.
func Failed(err string) Result { return Result{Err: err} }

// Summary renders the result text stored in execution logs.
func (r Result) Summary() string {
	if !r.Success {
		return ""
	}
	if r.Skipped {
		if r.Reason == "" {
			return "skipped"
		}
		return "skipped: " + r.Reason
	}
	if r.Output == "" {
		return "completed"
	}
	return r.Output
}

// Func is a cron job: it takes no arguments beyond the context and runs to
// completion against whatever state it manages internally.
type Func func(ctx context.Context) Result

// StageFunc is a pipeline stage job. It receives the claimed entity id but
// is allowed to process the stage's whole backlog in one run; the queue row
// is a scheduling signal, not a per-entity unit-of-work guarantee.
type StageFunc func(ctx context.Context, entityID int64) Result

// Registry maps task types to cron jobs and stages to stage jobs. It is a
// plain constructed value passed into workers at startup; there is no
// package-level registration.
type Registry struct {
	cron   map[string]Func
	stages map[string]StageFunc
}

func NewRegistry() *Registry {
	return &Registry{cron: map[string]Func{}, stages: map[string]StageFunc{}}
}

// Register binds a cron job function to a task type, replacing any
// previous binding.
func (r *Registry) Register(taskType string, fn Func) {
	r.cron[taskType] = fn
}

// RegisterStage binds a stage job function to a pipeline stage.
func (r *Registry) RegisterStage(stage string, fn StageFunc) {
	r.stages[stage] = fn
}

// Lookup returns the cron job for taskType, or false if none is registered.
func (r *Registry) Lookup(taskType string) (Func, bool) {
	fn, ok := r.cron[taskType]
	return fn, ok
}

// LookupStage returns the stage job for stage, or false if none is registered.
func (r *Registry) LookupStage(stage string) (StageFunc, bool) {
	fn, ok := r.stages[stage]
	return fn, ok
}

// TaskTypes returns every registered cron task type.
func (r *Registry) TaskTypes() []string {
	types := make([]string, 0, len(r.cron))
	for t := range r.cron {
		types = append(types, t)
	}
	return types
}
