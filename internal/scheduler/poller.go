package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testhub/internal/telemetry"
)

type State int32

const (
	StateRunning State = iota + 1
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// Lease grants a single poller the right to dispatch. Acquire renews a lease
// that is already held.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	Interval time.Duration
	Once     bool
	Lease    Lease // optional
	Logger   *zerolog.Logger
}

type CycleResult struct {
	Selection Selection
	Report    DispatchReport
	// NotLeader is set when the cycle was skipped because another
	// instance holds the lease.
	NotLeader bool
}

// Poller periodically selects due tasks and dispatches them.
type Poller struct {
	store      Store
	dispatcher *Dispatcher
	interval   time.Duration
	once       bool
	lease      Lease
	logger     zerolog.Logger
	state      atomic.Int32

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewPoller(st Store, exec Executor, cfg Config) *Poller {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{
		store:      st,
		dispatcher: NewDispatcher(st, exec, logger),
		interval:   interval,
		once:       cfg.Once,
		lease:      cfg.Lease,
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}
}

func (p *Poller) State() State { return State(p.state.Load()) }

// Run executes a cycle immediately and then one per interval until ctx is
// cancelled, or after the first cycle in once mode. Cycle errors are logged
// and never end the loop on their own.
func (p *Poller) Run(ctx context.Context) error {
	p.state.Store(int32(StateRunning))
	p.logger.Info().Dur("interval", p.interval).Bool("once", p.once).Msg("scheduled task poller started")
	defer p.stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			telemetry.PollCycleErrors.Inc()
			p.logger.Error().Err(err).Msg("scheduler cycle failed")
		}
		if p.once {
			return nil
		}

		select {
		case <-ctx.Done():
			p.state.Store(int32(StateStopping))
			return nil
		case <-p.after(p.interval):
		}
		if ctx.Err() != nil {
			p.state.Store(int32(StateStopping))
			return nil
		}
	}
}

func (p *Poller) stop() {
	if p.lease != nil {
		if err := p.lease.Release(context.Background()); err != nil {
			p.logger.Warn().Err(err).Msg("failed to release scheduler lease")
		}
		telemetry.LeaseHeld.Set(0)
	}
	p.state.Store(int32(StateStopped))
	p.logger.Info().Msg("scheduled task poller stopped")
}

// RunCycle performs one selection and dispatch pass.
func (p *Poller) RunCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll cycle: %v", r)
		}
	}()
	telemetry.PollCycles.Inc()
	work := context.WithoutCancel(ctx)

	if p.lease != nil {
		held, err := p.lease.Acquire(work)
		if err != nil {
			telemetry.LeaseHeld.Set(0)
			return res, fmt.Errorf("acquire scheduler lease: %w", err)
		}
		if !held {
			telemetry.LeaseHeld.Set(0)
			p.logger.Debug().Msg("scheduler lease held elsewhere, skipping cycle")
			res.NotLeader = true
			return res, nil
		}
		telemetry.LeaseHeld.Set(1)
	}

	now := p.now()
	p.logger.Info().Time("now", now).Msg("checking scheduled tasks")
	tasks, err := p.store.ListActiveTasks(work)
	if err != nil {
		return res, fmt.Errorf("list active tasks: %w", err)
	}

	res.Selection = Select(now, tasks)
	telemetry.DueTasks.Set(float64(len(res.Selection.Due)))
	for _, w := range res.Selection.Waiting {
		p.logger.Info().Str("task_id", w.Task.ID).Str("task", w.Task.Name).Int64("wait_seconds", w.Seconds).
			Msgf("task %s waiting %d seconds", w.Task.Name, w.Seconds)
	}

	res.Report = p.dispatcher.Dispatch(ctx, now, res.Selection.Due)
	if len(res.Selection.Due) > 0 {
		p.logger.Info().Int("due", len(res.Selection.Due)).Int("dispatched", res.Report.Dispatched).
			Int("failed", res.Report.Failed).Int("skipped", res.Report.Skipped).Msg("scheduler cycle completed")
	}
	return res, nil
}
