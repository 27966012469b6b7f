// Package schedule computes cron firing times for scheduled tasks.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule wraps cron parse failures so callers can fall back to
// a fixed delay instead of crashing a tick.
var ErrInvalidSchedule = errors.New("invalid cron pattern")

// FallbackDelay is the conservative reschedule delay used when a task's
// cron pattern cannot be parsed.
const FallbackDelay = 10 * time.Minute

// NextRun returns the next firing time for pattern strictly after now.
//
// The schedule is first advanced from after (the task's last run, or now if
// it never ran). If the computed instant has already passed it is recomputed
// from now, so the result is always in the future regardless of how stale
// the reference time is. All results are UTC.
func NextRun(pattern string, after, now time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, pattern, err)
	}
	now = now.UTC()
	base := after.UTC()
	if base.IsZero() {
		base = now
	}
	next := spec.Next(base)
	if !next.After(now) {
		next = spec.Next(now)
	}
	return next.UTC(), nil
}

// Validate reports whether pattern is a parsable standard cron expression.
func Validate(pattern string) error {
	if _, err := cron.ParseStandard(pattern); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, pattern, err)
	}
	return nil
}
