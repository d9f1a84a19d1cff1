package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"testhub/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepo {
	t.Helper()
	repo, err := Open(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func intervalTask(name string, next time.Time) domain.ScheduledTask {
	return domain.ScheduledTask{
		Name:            name,
		TaskType:        "shell",
		Payload:         []byte(`{"command":"true"}`),
		ScheduleType:    domain.ScheduleInterval,
		IntervalSeconds: 60,
		Status:          domain.TaskActive,
		NextRunTime:     &next,
		NotifyOnFailure: true,
	}
}

func TestRepo_CreateAndGetTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	next := time.Date(2026, 5, 1, 8, 30, 0, 123456789, time.UTC)

	created, err := repo.CreateTask(ctx, intervalTask("smoke", next))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := repo.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "smoke" || got.TaskType != "shell" || string(got.Payload) != `{"command":"true"}` {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.NextRunTime == nil || !got.NextRunTime.Equal(next.Truncate(time.Microsecond)) {
		t.Errorf("NextRunTime = %v, want %v", got.NextRunTime, next)
	}
	if got.LastRunTime != nil {
		t.Errorf("LastRunTime = %v, want nil", got.LastRunTime)
	}
	if !got.NotifyOnFailure || got.NotifyOnSuccess {
		t.Errorf("notify flags = %v/%v", got.NotifyOnSuccess, got.NotifyOnFailure)
	}

	if _, err := repo.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRepo_ListActiveTasks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	late, _ := repo.CreateTask(ctx, intervalTask("late", base.Add(time.Hour)))
	early, _ := repo.CreateTask(ctx, intervalTask("early", base))
	paused := intervalTask("paused", base)
	paused.Status = domain.TaskPaused
	if _, err := repo.CreateTask(ctx, paused); err != nil {
		t.Fatal(err)
	}

	tasks, err := repo.ListActiveTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("active tasks = %d, want 2", len(tasks))
	}
	if tasks[0].ID != early.ID || tasks[1].ID != late.ID {
		t.Errorf("order = %s,%s; want early then late", tasks[0].Name, tasks[1].Name)
	}
}

func TestRepo_CreateExecutionLogClaimsOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := due.Add(time.Minute)

	task, _ := repo.CreateTask(ctx, intervalTask("claim", due))

	log, err := repo.CreateExecutionLog(ctx, task, due, &next)
	if err != nil {
		t.Fatal(err)
	}
	if log.Status != domain.ExecPending || log.TaskID != task.ID || !log.ScheduledFor.Equal(due) {
		t.Errorf("unexpected log: %+v", log)
	}

	// A second poller holding the same stale view must lose the claim.
	if _, err := repo.CreateExecutionLog(ctx, task, due, &next); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrAlreadyClaimed", err)
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if !got.NextRunTime.Equal(next) {
		t.Errorf("NextRunTime = %v, want %v", got.NextRunTime, next)
	}
	if got.LastRunTime == nil || !got.LastRunTime.Equal(due) {
		t.Errorf("LastRunTime = %v, want %v", got.LastRunTime, due)
	}

	logs, err := repo.ListExecutionLogs(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("logs = %d, want 1", len(logs))
	}
}

func TestRepo_OnceTaskCompletes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	task := intervalTask("once", due)
	task.ScheduleType = domain.ScheduleOnce
	task.IntervalSeconds = 0
	task, _ = repo.CreateTask(ctx, task)

	if _, err := repo.CreateExecutionLog(ctx, task, due, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetTask(ctx, task.ID)
	if got.Status != domain.TaskCompleted || got.NextRunTime != nil {
		t.Errorf("status=%s next=%v; want COMPLETED and nil", got.Status, got.NextRunTime)
	}
}

func TestRepo_ExecutionLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := due.Add(time.Minute)

	task, _ := repo.CreateTask(ctx, intervalTask("life", due))
	log, _ := repo.CreateExecutionLog(ctx, task, due, &next)

	if err := repo.StartExecution(ctx, log.ID, due.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := repo.FinishExecution(ctx, log.ID, domain.ExecFailed, "exit status 1", due.Add(3*time.Second), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetExecutionLog(ctx, log.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExecFailed || got.Error != "exit status 1" || got.DurationMS != 2000 {
		t.Errorf("unexpected log: %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Errorf("timestamps not recorded: %+v", got)
	}

	// Terminal logs are not rewritten.
	if err := repo.FinishExecution(ctx, log.ID, domain.ExecSuccess, "", due, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("finish twice err = %v, want ErrNotFound", err)
	}
	if err := repo.FinishExecution(ctx, log.ID, domain.ExecRunning, "", due, 0); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestRepo_RecoverStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := due.Add(time.Minute)
	repo.now = func() time.Time { return due }

	task, _ := repo.CreateTask(ctx, intervalTask("stale", due))
	log, _ := repo.CreateExecutionLog(ctx, task, due, &next)

	n, err := repo.RecoverStale(ctx, due.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got, _ := repo.GetExecutionLog(ctx, log.ID)
	if got.Status != domain.ExecFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
}

func TestRepo_NotificationSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	task, _ := repo.CreateTask(ctx, intervalTask("notify", time.Now()))

	s, err := repo.CreateNotificationSetting(ctx, domain.TaskNotificationSetting{
		TaskID:           task.ID,
		NotificationType: domain.NotifyWebhook,
		Target:           "http://hooks.local/x",
		IsEnabled:        true,
		NotifyOnFailure:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	s.IsEnabled = false
	s.NotifyOnSuccess = true
	if err := repo.UpdateNotificationSetting(ctx, s); err != nil {
		t.Fatal(err)
	}
	list, err := repo.ListNotificationSettings(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].IsEnabled || !list[0].NotifyOnSuccess || !list[0].NotifyOnFailure {
		t.Errorf("unexpected settings: %+v", list)
	}

	if _, err := repo.CreateNotificationSetting(ctx, domain.TaskNotificationSetting{TaskID: "nope", NotificationType: "log"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("setting for missing task err = %v, want ErrNotFound", err)
	}

	if err := repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	all, _ := repo.ListAllNotificationSettings(ctx)
	if len(all) != 0 {
		t.Errorf("settings survived task deletion: %+v", all)
	}
}

func TestDialectRebind(t *testing.T) {
	got := Postgres.rebind(`UPDATE t SET a=?, b=? WHERE id=?`)
	want := `UPDATE t SET a=$1, b=$2 WHERE id=$3`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if SQLite.rebind("a=?") != "a=?" {
		t.Error("sqlite query should be unchanged")
	}
}

func TestRepo_UpdateTaskLeavesScheduleAlone(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := due.Add(time.Minute)

	task, _ := repo.CreateTask(ctx, intervalTask("edit", due))
	stale := task
	if _, err := repo.CreateExecutionLog(ctx, task, due, &next); err != nil {
		t.Fatal(err)
	}

	stale.Description = "edited"
	if err := repo.UpdateTask(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetTask(ctx, task.ID)
	if got.Description != "edited" || !got.NextRunTime.Equal(next) {
		t.Errorf("description=%q next=%v; want edited and %v", got.Description, got.NextRunTime, next)
	}
}

func TestRepo_GuardedScheduleWrites(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := due.Add(time.Minute)

	task, _ := repo.CreateTask(ctx, intervalTask("guard", due))
	from := StateOf(task)
	if _, err := repo.CreateExecutionLog(ctx, task, due, &next); err != nil {
		t.Fatal(err)
	}

	if err := repo.SetTaskStatus(ctx, task.ID, from, domain.TaskPaused, &due); !errors.Is(err, ErrConflict) {
		t.Errorf("stale SetTaskStatus err = %v, want ErrConflict", err)
	}
	moved := task
	later := due.Add(time.Hour)
	moved.NextRunTime = &later
	if err := repo.RescheduleTask(ctx, moved, from); !errors.Is(err, ErrConflict) {
		t.Errorf("stale RescheduleTask err = %v, want ErrConflict", err)
	}
	if err := repo.SetTaskStatus(ctx, "missing", from, domain.TaskPaused, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task err = %v, want ErrNotFound", err)
	}

	current, _ := repo.GetTask(ctx, task.ID)
	if err := repo.SetTaskStatus(ctx, task.ID, StateOf(current), domain.TaskPaused, current.NextRunTime); err != nil {
		t.Fatal(err)
	}
	paused, _ := repo.GetTask(ctx, task.ID)
	if paused.Status != domain.TaskPaused || !paused.NextRunTime.Equal(next) {
		t.Errorf("status=%s next=%v", paused.Status, paused.NextRunTime)
	}

	paused.IntervalSeconds = 300
	paused.NextRunTime = &later
	if err := repo.RescheduleTask(ctx, paused, ScheduleState{Status: domain.TaskPaused, NextRunTime: &next}); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetTask(ctx, task.ID)
	if got.IntervalSeconds != 300 || !got.NextRunTime.Equal(later) {
		t.Errorf("interval=%d next=%v", got.IntervalSeconds, got.NextRunTime)
	}
}
