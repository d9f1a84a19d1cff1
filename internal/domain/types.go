package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "ACTIVE"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
)

type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "ONCE"
	ScheduleInterval ScheduleType = "INTERVAL"
	ScheduleCron     ScheduleType = "CRON"
)

type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "PENDING"
	ExecRunning ExecutionStatus = "RUNNING"
	ExecSuccess ExecutionStatus = "SUCCESS"
	ExecFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed
}

// ScheduledTask is a task definition plus its scheduling metadata.
type ScheduledTask struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	TaskType        string          `json:"task_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ScheduleType    ScheduleType    `json:"schedule_type"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	IntervalSeconds int             `json:"interval_seconds,omitempty"`
	Status          TaskStatus      `json:"status"`
	NextRunTime     *time.Time      `json:"next_run_time,omitempty"`
	LastRunTime     *time.Time      `json:"last_run_time,omitempty"`
	NotifyOnSuccess bool            `json:"notify_on_success"`
	NotifyOnFailure bool            `json:"notify_on_failure"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TaskExecutionLog records one attempt to run a ScheduledTask.
type TaskExecutionLog struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Status       ExecutionStatus `json:"status"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TaskNotificationSetting is a delivery channel attached to a task. Its
// success/failure flags are independent of the ones on ScheduledTask.
type TaskNotificationSetting struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	NotificationType string    `json:"notification_type"`
	Target           string    `json:"target,omitempty"`
	IsEnabled        bool      `json:"is_enabled"`
	NotifyOnSuccess  bool      `json:"notify_on_success"`
	NotifyOnFailure  bool      `json:"notify_on_failure"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	NotifyWebhook = "webhook"
	NotifyLog     = "log"
	NotifyEmail   = "email"
)
