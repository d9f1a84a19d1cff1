package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"testhub/internal/domain"
	"testhub/internal/telemetry"
)

// Policy decides which of the two sets of success/failure flags gate a
// delivery: the task's own flags, the setting's, either, or both.
type Policy string

const (
	PolicyTask    Policy = "task"
	PolicySetting Policy = "setting"
	PolicyAny     Policy = "any"
	PolicyAll     Policy = "all"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyTask, PolicySetting, PolicyAny, PolicyAll:
		return p, nil
	case "":
		return PolicyTask, nil
	default:
		return "", fmt.Errorf("unknown notification policy %q", s)
	}
}

// Wants reports whether setting should receive a notification for a run of
// task that ended with the given outcome.
func (p Policy) Wants(task domain.ScheduledTask, setting domain.TaskNotificationSetting, success bool) bool {
	if !setting.IsEnabled {
		return false
	}
	taskFlag, settingFlag := task.NotifyOnFailure, setting.NotifyOnFailure
	if success {
		taskFlag, settingFlag = task.NotifyOnSuccess, setting.NotifyOnSuccess
	}
	switch p {
	case PolicySetting:
		return settingFlag
	case PolicyAny:
		return taskFlag || settingFlag
	case PolicyAll:
		return taskFlag && settingFlag
	default:
		return taskFlag
	}
}

type SettingsSource interface {
	ListNotificationSettings(ctx context.Context, taskID string) ([]domain.TaskNotificationSetting, error)
}

type Options struct {
	Policy     Policy
	Timeout    time.Duration
	RatePerSec int
	Client     *http.Client
	Logger     *zerolog.Logger
}

// Service delivers execution results to the channels configured per task.
type Service struct {
	settings SettingsSource
	policy   Policy
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewService(src SettingsSource, opts Options) *Service {
	if opts.Policy == "" {
		opts.Policy = PolicyTask
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Service{
		settings: src,
		policy:   opts.Policy,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

// Notify sends the finished execution to every matching channel. Delivery
// problems are logged and counted, never returned.
func (s *Service) Notify(ctx context.Context, task domain.ScheduledTask, l domain.TaskExecutionLog) {
	if !l.Status.Terminal() {
		return
	}
	settings, err := s.settings.ListNotificationSettings(ctx, task.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to load notification settings")
		return
	}
	success := l.Status == domain.ExecSuccess
	for _, setting := range settings {
		if !s.policy.Wants(task, setting, success) {
			continue
		}
		if err := s.deliver(ctx, task, l, setting); err != nil {
			telemetry.Notifications.WithLabelValues(setting.NotificationType, "error").Inc()
			s.logger.Warn().Err(err).Str("task_id", task.ID).Str("setting_id", setting.ID).
				Str("channel", setting.NotificationType).Msg("notification not delivered")
			continue
		}
		telemetry.Notifications.WithLabelValues(setting.NotificationType, "sent").Inc()
	}
}

func (s *Service) deliver(ctx context.Context, task domain.ScheduledTask, l domain.TaskExecutionLog, setting domain.TaskNotificationSetting) error {
	switch setting.NotificationType {
	case domain.NotifyLog:
		ev := s.logger.Info()
		if l.Status != domain.ExecSuccess {
			ev = s.logger.Warn()
		}
		ev.Str("task_id", task.ID).Str("task", task.Name).Str("execution_id", l.ID).
			Str("status", string(l.Status)).Str("error", l.Error).Msg("task execution notification")
		return nil
	case domain.NotifyWebhook:
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		return s.postWebhook(ctx, setting.Target, newMessage(task, l))
	default:
		return fmt.Errorf("notification type %q is not supported", setting.NotificationType)
	}
}
