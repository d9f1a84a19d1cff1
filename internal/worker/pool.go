package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testhub/internal/domain"
	"testhub/internal/telemetry"
)

var ErrClosed = errors.New("worker pool closed")

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// LogStore records execution progress.
type LogStore interface {
	StartExecution(ctx context.Context, id string, at time.Time) error
	FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, errText string, at time.Time, took time.Duration) error
}

type Notifier interface {
	Notify(ctx context.Context, task domain.ScheduledTask, l domain.TaskExecutionLog)
}

type Options struct {
	Size     int
	Timeout  time.Duration
	Notifier Notifier
	Logger   *zerolog.Logger
}

// Pool runs submitted executions on a bounded number of goroutines.
type Pool struct {
	store    LogStore
	handlers map[string]Handler
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	sem      chan struct{}
	stop     chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	now func() time.Time
}

func NewPool(st LogStore, handlers map[string]Handler, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Pool{
		store:    st,
		handlers: handlers,
		notifier: opts.Notifier,
		timeout:  opts.Timeout,
		logger:   logger,
		sem:      make(chan struct{}, opts.Size),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// TaskTypes lists the registered task types in sorted order.
func (p *Pool) TaskTypes() []string {
	types := make([]string, 0, len(p.handlers))
	for typ := range p.handlers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Execute queues the run and returns without waiting for it. A rejected
// submission is still finished as FAILED and notified before the error is
// returned.
func (p *Pool) Execute(ctx context.Context, task domain.ScheduledTask, l domain.TaskExecutionLog) error {
	h, ok := p.handlers[task.TaskType]
	if !ok {
		err := fmt.Errorf("no handler for task type %q", task.TaskType)
		p.finish(task, l, p.now(), err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.finish(task, l, p.now(), ErrClosed)
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case <-p.stop:
			p.finish(task, l, p.now(), errors.New("worker pool stopped before execution started"))
			return
		default:
		}
		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			p.finish(task, l, p.now(), errors.New("worker pool stopped before execution started"))
			return
		}
		defer func() { <-p.sem }()
		p.run(h, task, l)
	}()
	return nil
}

func (p *Pool) run(h Handler, task domain.ScheduledTask, l domain.TaskExecutionLog) {
	ctx := context.Background()
	started := p.now()
	if err := p.store.StartExecution(ctx, l.ID, started); err != nil {
		p.logger.Warn().Err(err).Str("execution_id", l.ID).Msg("failed to mark execution running")
	}
	l.StartedAt = &started
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.finish(task, l, started, handle(c, h, task.Payload))
}

func handle(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload)
}

func (p *Pool) finish(task domain.ScheduledTask, l domain.TaskExecutionLog, started time.Time, runErr error) {
	finished := p.now()
	took := finished.Sub(started)
	status, errText := domain.ExecSuccess, ""
	if runErr != nil {
		status, errText = domain.ExecFailed, runErr.Error()
	}

	if err := p.store.FinishExecution(context.Background(), l.ID, status, errText, finished, took); err != nil {
		p.logger.Error().Err(err).Str("execution_id", l.ID).Msg("failed to record execution result")
	}
	telemetry.Executions.WithLabelValues(string(status)).Inc()

	ev := p.logger.Info()
	if runErr != nil {
		ev = p.logger.Warn().Err(runErr)
	}
	ev.Str("task_id", task.ID).Str("task", task.Name).Str("execution_id", l.ID).
		Str("status", string(status)).Dur("took", took).Msg("execution finished")

	l.Status, l.Error, l.FinishedAt, l.DurationMS = status, errText, &finished, took.Milliseconds()
	if p.notifier != nil {
		p.notifier.Notify(context.Background(), task, l)
	}
}

// Close stops accepting work. Executions still waiting for a free worker are
// failed; running ones are left to finish. Use Wait to block until they do.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
}

func (p *Pool) Wait() { p.wg.Wait() }

// Shutdown closes the pool and waits for running executions or ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
