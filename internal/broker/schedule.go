package broker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun parses a standard cron expression or descriptor such as "@every 12h"
// and returns the first activation after from.
func NextRun(schedule string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return sched.Next(from), nil
}

// EveryHours renders an hourly interval schedule.
func EveryHours(hours int) string {
	return fmt.Sprintf("@every %dh", hours)
}

// RepeatJobID is the deterministic ID of the job a repeat fires at runAt.
func RepeatJobID(key string, runAt time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", key, runAt.UnixMilli())
}
