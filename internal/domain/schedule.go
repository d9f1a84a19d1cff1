package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// MaxIntervalSeconds (ten years) keeps interval arithmetic far from
// time.Duration overflow.
const MaxIntervalSeconds = 10 * 365 * 24 * 60 * 60

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ShouldRunNow reports whether the task is due at now.
func (t *ScheduledTask) ShouldRunNow(now time.Time) bool {
	if t.Status != TaskActive || t.NextRunTime == nil {
		return false
	}
	return !now.Before(*t.NextRunTime)
}

// NextRunAfter returns the instant following a run scheduled for scheduledFor,
// or nil when the task has no further runs. Interval instants that already
// passed by now are skipped rather than replayed.
func (t *ScheduledTask) NextRunAfter(scheduledFor, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case ScheduleOnce:
		return nil, nil
	case ScheduleInterval:
		if t.IntervalSeconds <= 0 || t.IntervalSeconds > MaxIntervalSeconds {
			return nil, fmt.Errorf("interval_seconds out of range: %d", t.IntervalSeconds)
		}
		step := time.Duration(t.IntervalSeconds) * time.Second
		next := scheduledFor.Add(step)
		if !next.After(now) {
			missed := now.Sub(next)/step + 1
			next = next.Add(missed * step)
		}
		return &next, nil
	case ScheduleCron:
		sched, err := ParseCron(t.CronExpr)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now).UTC()
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// InitialRunTime computes the first due instant for a newly created or
// rescheduled task. ONCE tasks use start when set, otherwise now.
func (t *ScheduledTask) InitialRunTime(start *time.Time, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case ScheduleOnce:
		at := now
		if start != nil {
			at = *start
		}
		at = at.UTC()
		return &at, nil
	case ScheduleInterval:
		if start != nil {
			at := start.UTC()
			return &at, nil
		}
		return t.NextRunAfter(now, now)
	case ScheduleCron:
		return t.NextRunAfter(now, now)
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// Validate checks the fields a task needs before it can be stored.
func (t *ScheduledTask) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.TaskType == "" {
		return errors.New("task_type is required")
	}
	switch t.Status {
	case TaskActive, TaskPaused, TaskCompleted:
	default:
		return fmt.Errorf("invalid status %q", t.Status)
	}
	switch t.ScheduleType {
	case ScheduleOnce:
	case ScheduleInterval:
		if t.IntervalSeconds <= 0 {
			return errors.New("interval_seconds must be positive for INTERVAL tasks")
		}
		if t.IntervalSeconds > MaxIntervalSeconds {
			return fmt.Errorf("interval_seconds must be at most %d", MaxIntervalSeconds)
		}
	case ScheduleCron:
		if _, err := ParseCron(t.CronExpr); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid schedule_type %q", t.ScheduleType)
	}
	return nil
}

// ParseCron parses a standard five-field expression or a descriptor like @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("cron_expr is required for CRON tasks")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}
