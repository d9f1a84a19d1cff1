package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"testhub/internal/domain"
	"testhub/internal/store"
	"testhub/internal/telemetry"
)

// Store is the part of the task store the poller needs.
type Store interface {
	ListActiveTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	CreateExecutionLog(ctx context.Context, task domain.ScheduledTask, scheduledFor time.Time, nextRun *time.Time) (domain.TaskExecutionLog, error)
	FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, errText string, at time.Time, took time.Duration) error
}

// Executor runs a task against its freshly created execution log. Execute
// must return once the run is submitted; the outcome is recorded on the log
// by the executor itself.
type Executor interface {
	Execute(ctx context.Context, task domain.ScheduledTask, log domain.TaskExecutionLog) error
}

type DispatchReport struct {
	Dispatched int
	Failed     int
	Skipped    int
}

type Dispatcher struct {
	store  Store
	exec   Executor
	logger zerolog.Logger
}

func NewDispatcher(st Store, exec Executor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, exec: exec, logger: logger}
}

// Dispatch hands every due task to the executor. A failing task never stops
// its siblings. Once ctx is cancelled no further task is started, but the one
// in progress is completed with a context that ignores the cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, due []domain.ScheduledTask) DispatchReport {
	var rep DispatchReport
	work := context.WithoutCancel(ctx)
	for _, task := range due {
		if ctx.Err() != nil {
			d.logger.Info().Int("remaining", len(due)-rep.Dispatched-rep.Failed-rep.Skipped).Msg("stop requested, leaving remaining due tasks for the next run")
			break
		}
		d.logger.Info().Str("task_id", task.ID).Str("task", task.Name).Msg("running scheduled task")

		log, err := d.dispatchOne(work, now, task)
		switch {
		case err == nil:
			rep.Dispatched++
			telemetry.Dispatched.Inc()
			d.logger.Info().Str("task_id", task.ID).Str("task", task.Name).Str("execution_id", log.ID).Msg("scheduled task dispatched")
		case errors.Is(err, store.ErrAlreadyClaimed):
			rep.Skipped++
			telemetry.DispatchSkipped.Inc()
			d.logger.Warn().Str("task_id", task.ID).Str("task", task.Name).Msg("scheduled instant already claimed, skipping")
		default:
			rep.Failed++
			telemetry.DispatchFailures.Inc()
			d.logger.Error().Err(err).Str("task_id", task.ID).Str("task", task.Name).Msg("failed to dispatch scheduled task")
		}
	}
	return rep
}

func (d *Dispatcher) dispatchOne(ctx context.Context, now time.Time, task domain.ScheduledTask) (log domain.TaskExecutionLog, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching: %v", r)
		}
	}()

	if task.NextRunTime == nil {
		return log, errors.New("task has no next_run_time")
	}
	scheduledFor := *task.NextRunTime
	next, err := task.NextRunAfter(scheduledFor, now)
	if err != nil {
		return log, fmt.Errorf("compute next run: %w", err)
	}

	log, err = d.store.CreateExecutionLog(ctx, task, scheduledFor, next)
	if err != nil {
		return log, fmt.Errorf("create execution log: %w", err)
	}
	if err := d.exec.Execute(ctx, task, log); err != nil {
		// The executor normally closes rejected logs itself; this only
		// catches the ones it left open.
		ferr := d.store.FinishExecution(ctx, log.ID, domain.ExecFailed, err.Error(), now, 0)
		if ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			d.logger.Warn().Err(ferr).Str("execution_id", log.ID).Msg("failed to close execution log")
		}
		return log, fmt.Errorf("execute: %w", err)
	}
	return log, nil
}
