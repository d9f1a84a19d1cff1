package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"testhub/internal/domain"
)

type result struct {
	status  domain.ExecutionStatus
	errText string
}

type memLogs struct {
	mu       sync.Mutex
	started  map[string]bool
	finished map[string]result
}

func newMemLogs() *memLogs {
	return &memLogs{started: map[string]bool{}, finished: map[string]result{}}
}

func (m *memLogs) StartExecution(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[id] = true
	return nil
}

func (m *memLogs) FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, errText string, at time.Time, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[id] = result{status, errText}
	return nil
}

type funcHandler func(ctx context.Context, payload json.RawMessage) error

func (f funcHandler) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

type recordingNotifier struct {
	mu   sync.Mutex
	logs []domain.TaskExecutionLog
}

func (r *recordingNotifier) Notify(ctx context.Context, task domain.ScheduledTask, l domain.TaskExecutionLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

func quiet() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestPool_RecordsOutcomes(t *testing.T) {
	logs := newMemLogs()
	notifier := &recordingNotifier{}
	handlers := map[string]Handler{
		"ok":    funcHandler(func(context.Context, json.RawMessage) error { return nil }),
		"fail":  funcHandler(func(context.Context, json.RawMessage) error { return errors.New("assertion failed") }),
		"panic": funcHandler(func(context.Context, json.RawMessage) error { panic("nil map") }),
	}
	p := NewPool(logs, handlers, Options{Size: 2, Notifier: notifier, Logger: quiet()})

	for _, typ := range []string{"ok", "fail", "panic"} {
		task := domain.ScheduledTask{ID: typ, TaskType: typ}
		if err := p.Execute(context.Background(), task, domain.TaskExecutionLog{ID: "log-" + typ}); err != nil {
			t.Fatalf("submit %s: %v", typ, err)
		}
	}
	p.Wait()

	want := map[string]domain.ExecutionStatus{"log-ok": domain.ExecSuccess, "log-fail": domain.ExecFailed, "log-panic": domain.ExecFailed}
	for id, status := range want {
		if got := logs.finished[id].status; got != status {
			t.Errorf("%s status = %s, want %s", id, got, status)
		}
		if !logs.started[id] {
			t.Errorf("%s never marked running", id)
		}
	}
	if logs.finished["log-fail"].errText != "assertion failed" {
		t.Errorf("error text = %q", logs.finished["log-fail"].errText)
	}
	if len(notifier.logs) != 3 {
		t.Fatalf("notifications = %d, want 3", len(notifier.logs))
	}
	for _, l := range notifier.logs {
		if !l.Status.Terminal() || l.FinishedAt == nil {
			t.Errorf("notified with unfinished log: %+v", l)
		}
	}
}

func TestPool_ExecuteDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	handlers := map[string]Handler{
		"slow": funcHandler(func(ctx context.Context, _ json.RawMessage) error {
			<-release
			return nil
		}),
	}
	logs := newMemLogs()
	p := NewPool(logs, handlers, Options{Size: 1, Logger: quiet()})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			_ = p.Execute(context.Background(), domain.ScheduledTask{TaskType: "slow"}, domain.TaskExecutionLog{ID: string(rune('a' + i))})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked on a busy pool")
	}
	close(release)
	p.Wait()
	if len(logs.finished) != 3 {
		t.Errorf("finished = %d, want 3", len(logs.finished))
	}
}

func TestPool_RejectsUnknownTypeAndClosed(t *testing.T) {
	logs := newMemLogs()
	notifier := &recordingNotifier{}
	p := NewPool(logs, map[string]Handler{"ok": funcHandler(func(context.Context, json.RawMessage) error { return nil })},
		Options{Notifier: notifier, Logger: quiet()})
	if err := p.Execute(context.Background(), domain.ScheduledTask{TaskType: "ftp"}, domain.TaskExecutionLog{ID: "log-ftp"}); err == nil {
		t.Error("expected error for unknown task type")
	}
	p.Close()
	if err := p.Execute(context.Background(), domain.ScheduledTask{TaskType: "ok"}, domain.TaskExecutionLog{ID: "log-closed"}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	// Rejected submissions are closed and notified like any other failure.
	for _, id := range []string{"log-ftp", "log-closed"} {
		if got := logs.finished[id].status; got != domain.ExecFailed {
			t.Errorf("%s status = %s, want FAILED", id, got)
		}
	}
	if logs.finished["log-ftp"].errText != `no handler for task type "ftp"` {
		t.Errorf("error text = %q", logs.finished["log-ftp"].errText)
	}
	if len(notifier.logs) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.logs))
	}
	for _, l := range notifier.logs {
		if l.Status != domain.ExecFailed || l.FinishedAt == nil {
			t.Errorf("unexpected notified log: %+v", l)
		}
	}
}

func TestPool_TaskTypes(t *testing.T) {
	noop := funcHandler(func(context.Context, json.RawMessage) error { return nil })
	p := NewPool(newMemLogs(), map[string]Handler{"shell": noop, "http": noop}, Options{Logger: quiet()})
	got := p.TaskTypes()
	if len(got) != 2 || got[0] != "http" || got[1] != "shell" {
		t.Errorf("TaskTypes = %v", got)
	}
}

func TestPool_Timeout(t *testing.T) {
	logs := newMemLogs()
	handlers := map[string]Handler{
		"hang": funcHandler(func(ctx context.Context, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	p := NewPool(logs, handlers, Options{Timeout: 20 * time.Millisecond, Logger: quiet()})
	_ = p.Execute(context.Background(), domain.ScheduledTask{TaskType: "hang"}, domain.TaskExecutionLog{ID: "h"})
	p.Wait()
	if logs.finished["h"].status != domain.ExecFailed {
		t.Errorf("status = %s, want FAILED", logs.finished["h"].status)
	}
}
