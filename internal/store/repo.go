package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testhub/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("scheduled instant already claimed")
	ErrConflict       = errors.New("task schedule changed concurrently")
)

// ScheduleState is the part of a task the poller advances on every claim.
// Writers that change it must name the state they read.
type ScheduleState struct {
	Status      domain.TaskStatus
	NextRunTime *time.Time
}

func StateOf(t domain.ScheduledTask) ScheduleState {
	return ScheduleState{Status: t.Status, NextRunTime: t.NextRunTime}
}

type Repository interface {
	CreateTask(ctx context.Context, t domain.ScheduledTask) (domain.ScheduledTask, error)
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	ListActiveTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	UpdateTask(ctx context.Context, t domain.ScheduledTask) error
	RescheduleTask(ctx context.Context, t domain.ScheduledTask, from ScheduleState) error
	DeleteTask(ctx context.Context, id string) error
	SetTaskStatus(ctx context.Context, id string, from ScheduleState, status domain.TaskStatus, nextRun *time.Time) error
	RunTaskNow(ctx context.Context, id string, at time.Time) error

	// Execution log operations
	CreateExecutionLog(ctx context.Context, task domain.ScheduledTask, scheduledFor time.Time, nextRun *time.Time) (domain.TaskExecutionLog, error)
	StartExecution(ctx context.Context, id string, at time.Time) error
	FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, errText string, at time.Time, took time.Duration) error
	GetExecutionLog(ctx context.Context, id string) (domain.TaskExecutionLog, error)
	ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]domain.TaskExecutionLog, error)
	RecoverStale(ctx context.Context, before time.Time) (int, error)

	// Notification settings
	CreateNotificationSetting(ctx context.Context, s domain.TaskNotificationSetting) (domain.TaskNotificationSetting, error)
	GetNotificationSetting(ctx context.Context, id string) (domain.TaskNotificationSetting, error)
	UpdateNotificationSetting(ctx context.Context, s domain.TaskNotificationSetting) error
	ListNotificationSettings(ctx context.Context, taskID string) ([]domain.TaskNotificationSetting, error)
	ListAllNotificationSettings(ctx context.Context) ([]domain.TaskNotificationSetting, error)

	Close() error
}

// SQLRepo implements Repository on database/sql for every Dialect.
type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ Repository = (*SQLRepo)(nil)

func New(db *sql.DB, d Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: d, now: time.Now}
}

// DB returns the underlying database connection.
func (r *SQLRepo) DB() *sql.DB { return r.db }

func (r *SQLRepo) Dialect() Dialect { return r.dialect }

func (r *SQLRepo) Close() error { return r.db.Close() }

func (r *SQLRepo) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, r.dialect.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const taskColumns = `id,name,description,task_type,payload,schedule_type,cron_expr,interval_seconds,status,next_run_time,last_run_time,notify_on_success,notify_on_failure,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.ScheduledTask, error) {
	var (
		t                  domain.ScheduledTask
		payload            []byte
		next, last         dbTime
		created, updated   dbTime
		scheduleType, stat string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.TaskType, &payload, &scheduleType, &t.CronExpr, &t.IntervalSeconds,
		&stat, &next, &last, &t.NotifyOnSuccess, &t.NotifyOnFailure, &created, &updated); err != nil {
		return domain.ScheduledTask{}, err
	}
	t.Payload = payload
	t.ScheduleType = domain.ScheduleType(scheduleType)
	t.Status = domain.TaskStatus(stat)
	t.NextRunTime = next.ptr()
	t.LastRunTime = last.ptr()
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}

func (r *SQLRepo) CreateTask(ctx context.Context, t domain.ScheduledTask) (domain.ScheduledTask, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	now := normalize(r.now())
	t.CreatedAt, t.UpdatedAt = now, now
	if t.NextRunTime != nil {
		n := normalize(*t.NextRunTime)
		t.NextRunTime = &n
	}

	_, err := r.exec(ctx, r.db, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.TaskType, []byte(t.Payload), string(t.ScheduleType), t.CronExpr, t.IntervalSeconds,
		string(t.Status), r.dialect.timePtrArg(t.NextRunTime), r.dialect.timePtrArg(t.LastRunTime),
		t.NotifyOnSuccess, t.NotifyOnFailure, r.dialect.timeArg(now), r.dialect.timeArg(now))
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("insert scheduled task: %w", err)
	}
	return t, nil
}

func (r *SQLRepo) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return t, err
}

func (r *SQLRepo) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name, id`)
}

// ListActiveTasks returns every ACTIVE task, earliest next_run_time first.
func (r *SQLRepo) ListActiveTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
WHERE status=?
ORDER BY CASE WHEN next_run_time IS NULL THEN 1 ELSE 0 END, next_run_time, id`, string(domain.TaskActive))
}

func (r *SQLRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes the task definition. Status and next_run_time are left
// alone; use RescheduleTask or SetTaskStatus to change them.
func (r *SQLRepo) UpdateTask(ctx context.Context, t domain.ScheduledTask) error {
	res, err := r.exec(ctx, r.db, `
UPDATE scheduled_tasks SET name=?,description=?,task_type=?,payload=?,schedule_type=?,cron_expr=?,interval_seconds=?,
  notify_on_success=?,notify_on_failure=?,updated_at=?
WHERE id=?`,
		t.Name, t.Description, t.TaskType, []byte(t.Payload), string(t.ScheduleType), t.CronExpr, t.IntervalSeconds,
		t.NotifyOnSuccess, t.NotifyOnFailure, r.dialect.timeArg(r.now()), t.ID)
	if err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	return mustAffect(res)
}

// RescheduleTask writes the definition together with t.Status and
// t.NextRunTime, provided the stored schedule still matches from.
func (r *SQLRepo) RescheduleTask(ctx context.Context, t domain.ScheduledTask, from ScheduleState) error {
	guard, guardArgs := r.scheduleGuard(from)
	args := []any{
		t.Name, t.Description, t.TaskType, []byte(t.Payload), string(t.ScheduleType), t.CronExpr, t.IntervalSeconds,
		string(t.Status), r.dialect.timePtrArg(t.NextRunTime), t.NotifyOnSuccess, t.NotifyOnFailure,
		r.dialect.timeArg(r.now()), t.ID,
	}
	res, err := r.exec(ctx, r.db, `
UPDATE scheduled_tasks SET name=?,description=?,task_type=?,payload=?,schedule_type=?,cron_expr=?,interval_seconds=?,
  status=?,next_run_time=?,notify_on_success=?,notify_on_failure=?,updated_at=?
WHERE id=? AND `+guard, append(args, guardArgs...)...)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return r.guarded(ctx, res, t.ID)
}

// DeleteTask removes the task together with its history and settings.
func (r *SQLRepo) DeleteTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM task_execution_logs WHERE task_id=?`,
		`DELETE FROM task_notification_settings WHERE task_id=?`,
	} {
		if _, err := r.exec(ctx, tx, q, id); err != nil {
			return fmt.Errorf("delete task children: %w", err)
		}
	}
	res, err := r.exec(ctx, tx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTaskStatus moves the task to status and nextRun, provided the stored
// schedule still matches from. A poller claim in between yields ErrConflict.
func (r *SQLRepo) SetTaskStatus(ctx context.Context, id string, from ScheduleState, status domain.TaskStatus, nextRun *time.Time) error {
	guard, guardArgs := r.scheduleGuard(from)
	args := []any{string(status), r.dialect.timePtrArg(nextRun), r.dialect.timeArg(r.now()), id}
	res, err := r.exec(ctx, r.db, `UPDATE scheduled_tasks SET status=?,next_run_time=?,updated_at=? WHERE id=? AND `+guard,
		append(args, guardArgs...)...)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return r.guarded(ctx, res, id)
}

func (r *SQLRepo) scheduleGuard(from ScheduleState) (string, []any) {
	if from.NextRunTime == nil {
		return `status=? AND next_run_time IS NULL`, []any{string(from.Status)}
	}
	return `status=? AND next_run_time=?`, []any{string(from.Status), r.dialect.timeArg(*from.NextRunTime)}
}

// guarded tells a missing task apart from one whose schedule moved.
func (r *SQLRepo) guarded(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := r.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// RunTaskNow makes the task due at the given instant and reactivates it.
// It adds a fresh instant rather than restoring a claimed one.
func (r *SQLRepo) RunTaskNow(ctx context.Context, id string, at time.Time) error {
	res, err := r.exec(ctx, r.db, `UPDATE scheduled_tasks SET status=?,next_run_time=?,updated_at=? WHERE id=?`,
		string(domain.TaskActive), r.dialect.timeArg(at), r.dialect.timeArg(r.now()), id)
	if err != nil {
		return fmt.Errorf("run task now: %w", err)
	}
	return mustAffect(res)
}

const logColumns = `id,task_id,status,scheduled_for,started_at,finished_at,duration_ms,error,created_at`

func scanLog(row rowScanner) (domain.TaskExecutionLog, error) {
	var (
		l                          domain.TaskExecutionLog
		stat                       string
		scheduled, started, finish dbTime
		created                    dbTime
	)
	if err := row.Scan(&l.ID, &l.TaskID, &stat, &scheduled, &started, &finish, &l.DurationMS, &l.Error, &created); err != nil {
		return domain.TaskExecutionLog{}, err
	}
	l.Status = domain.ExecutionStatus(stat)
	l.ScheduledFor = scheduled.Time
	l.StartedAt = started.ptr()
	l.FinishedAt = finish.ptr()
	l.CreatedAt = created.Time
	return l, nil
}

// CreateExecutionLog claims the task's current scheduled instant and records
// a PENDING log for it in one transaction. The claim only succeeds while the
// stored next_run_time still equals scheduledFor, so a given instant is
// dispatched at most once. A nil nextRun completes the task.
func (r *SQLRepo) CreateExecutionLog(ctx context.Context, task domain.ScheduledTask, scheduledFor time.Time, nextRun *time.Time) (domain.TaskExecutionLog, error) {
	now := normalize(r.now())
	status := domain.TaskActive
	if nextRun == nil {
		status = domain.TaskCompleted
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskExecutionLog{}, err
	}
	defer tx.Rollback()

	res, err := r.exec(ctx, tx, `
UPDATE scheduled_tasks SET next_run_time=?, last_run_time=?, status=?, updated_at=?
WHERE id=? AND status=? AND next_run_time=?`,
		r.dialect.timePtrArg(nextRun), r.dialect.timeArg(scheduledFor), string(status), r.dialect.timeArg(now),
		task.ID, string(domain.TaskActive), r.dialect.timeArg(scheduledFor))
	if err != nil {
		return domain.TaskExecutionLog{}, fmt.Errorf("claim scheduled instant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TaskExecutionLog{}, ErrAlreadyClaimed
	}

	l := domain.TaskExecutionLog{
		ID:           "log_" + uuid.NewString(),
		TaskID:       task.ID,
		Status:       domain.ExecPending,
		ScheduledFor: normalize(scheduledFor),
		CreatedAt:    now,
	}
	_, err = r.exec(ctx, tx, `
INSERT INTO task_execution_logs (`+logColumns+`)
VALUES (?,?,?,?,NULL,NULL,0,'',?)`,
		l.ID, l.TaskID, string(l.Status), r.dialect.timeArg(l.ScheduledFor), r.dialect.timeArg(now))
	if err != nil {
		return domain.TaskExecutionLog{}, fmt.Errorf("insert execution log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskExecutionLog{}, fmt.Errorf("commit execution log: %w", err)
	}
	return l, nil
}

func (r *SQLRepo) StartExecution(ctx context.Context, id string, at time.Time) error {
	res, err := r.exec(ctx, r.db, `UPDATE task_execution_logs SET status=?, started_at=? WHERE id=? AND status=?`,
		string(domain.ExecRunning), r.dialect.timeArg(at), id, string(domain.ExecPending))
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	return mustAffect(res)
}

func (r *SQLRepo) FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, errText string, at time.Time, took time.Duration) error {
	if !status.Terminal() {
		return fmt.Errorf("finish execution: %q is not a terminal status", status)
	}
	res, err := r.exec(ctx, r.db, `
UPDATE task_execution_logs SET status=?, error=?, finished_at=?, duration_ms=?
WHERE id=? AND status IN (?,?)`,
		string(status), errText, r.dialect.timeArg(at), took.Milliseconds(),
		id, string(domain.ExecPending), string(domain.ExecRunning))
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return mustAffect(res)
}

func (r *SQLRepo) GetExecutionLog(ctx context.Context, id string) (domain.TaskExecutionLog, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+logColumns+` FROM task_execution_logs WHERE id=?`), id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskExecutionLog{}, ErrNotFound
	}
	return l, err
}

func (r *SQLRepo) ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]domain.TaskExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
SELECT `+logColumns+` FROM task_execution_logs
WHERE task_id=? ORDER BY created_at DESC, id LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.TaskExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecoverStale fails logs that were left PENDING or RUNNING by a process
// that died before finishing them.
func (r *SQLRepo) RecoverStale(ctx context.Context, before time.Time) (int, error) {
	res, err := r.exec(ctx, r.db, `
UPDATE task_execution_logs SET status=?, error=?, finished_at=?
WHERE status IN (?,?) AND created_at < ?`,
		string(domain.ExecFailed), "abandoned: process stopped before completion", r.dialect.timeArg(r.now()),
		string(domain.ExecPending), string(domain.ExecRunning), r.dialect.timeArg(before))
	if err != nil {
		return 0, fmt.Errorf("recover stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const settingColumns = `id,task_id,notification_type,target,is_enabled,notify_on_success,notify_on_failure,created_at,updated_at`

func scanSetting(row rowScanner) (domain.TaskNotificationSetting, error) {
	var (
		s                domain.TaskNotificationSetting
		created, updated dbTime
	)
	if err := row.Scan(&s.ID, &s.TaskID, &s.NotificationType, &s.Target, &s.IsEnabled, &s.NotifyOnSuccess, &s.NotifyOnFailure, &created, &updated); err != nil {
		return domain.TaskNotificationSetting{}, err
	}
	s.CreatedAt = created.Time
	s.UpdatedAt = updated.Time
	return s, nil
}

func (r *SQLRepo) CreateNotificationSetting(ctx context.Context, s domain.TaskNotificationSetting) (domain.TaskNotificationSetting, error) {
	if s.ID == "" {
		s.ID = "ntf_" + uuid.NewString()
	}
	if _, err := r.GetTask(ctx, s.TaskID); err != nil {
		return domain.TaskNotificationSetting{}, fmt.Errorf("notification setting task %s: %w", s.TaskID, err)
	}
	now := normalize(r.now())
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.exec(ctx, r.db, `
INSERT INTO task_notification_settings (`+settingColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.NotificationType, s.Target, s.IsEnabled, s.NotifyOnSuccess, s.NotifyOnFailure,
		r.dialect.timeArg(now), r.dialect.timeArg(now))
	if err != nil {
		return domain.TaskNotificationSetting{}, fmt.Errorf("insert notification setting: %w", err)
	}
	return s, nil
}

func (r *SQLRepo) GetNotificationSetting(ctx context.Context, id string) (domain.TaskNotificationSetting, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+settingColumns+` FROM task_notification_settings WHERE id=?`), id)
	s, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskNotificationSetting{}, ErrNotFound
	}
	return s, err
}

func (r *SQLRepo) UpdateNotificationSetting(ctx context.Context, s domain.TaskNotificationSetting) error {
	res, err := r.exec(ctx, r.db, `
UPDATE task_notification_settings SET notification_type=?,target=?,is_enabled=?,notify_on_success=?,notify_on_failure=?,updated_at=?
WHERE id=?`,
		s.NotificationType, s.Target, s.IsEnabled, s.NotifyOnSuccess, s.NotifyOnFailure, r.dialect.timeArg(r.now()), s.ID)
	if err != nil {
		return fmt.Errorf("update notification setting: %w", err)
	}
	return mustAffect(res)
}

func (r *SQLRepo) ListNotificationSettings(ctx context.Context, taskID string) ([]domain.TaskNotificationSetting, error) {
	return r.querySettings(ctx, `SELECT `+settingColumns+` FROM task_notification_settings WHERE task_id=? ORDER BY created_at, id`, taskID)
}

func (r *SQLRepo) ListAllNotificationSettings(ctx context.Context) ([]domain.TaskNotificationSetting, error) {
	return r.querySettings(ctx, `SELECT `+settingColumns+` FROM task_notification_settings ORDER BY task_id, created_at, id`)
}

func (r *SQLRepo) querySettings(ctx context.Context, query string, args ...any) ([]domain.TaskNotificationSetting, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query notification settings: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskNotificationSetting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
