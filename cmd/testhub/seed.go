package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"testhub/internal/domain"
	"testhub/internal/store"
)

type seedTask struct {
	task    domain.ScheduledTask
	setting *domain.TaskNotificationSetting
}

func seedTasks() []seedTask {
	return []seedTask{
		{
			task: domain.ScheduledTask{
				Name:            "api health check",
				Description:     "GET /health every five minutes",
				TaskType:        "http",
				Payload:         json.RawMessage(`{"url":"http://localhost:8080/health","expect_status":[200]}`),
				ScheduleType:    domain.ScheduleInterval,
				IntervalSeconds: 300,
				NotifyOnFailure: true,
			},
			setting: &domain.TaskNotificationSetting{
				NotificationType: domain.NotifyLog,
				IsEnabled:        true,
				NotifyOnFailure:  true,
			},
		},
		{
			task: domain.ScheduledTask{
				Name:         "nightly smoke suite",
				Description:  "Runs the UI smoke suite at 02:30 UTC",
				TaskType:     "shell",
				Payload:      json.RawMessage(`{"command":"echo","args":["running smoke suite"]}`),
				ScheduleType: domain.ScheduleCron,
				CronExpr:     "30 2 * * *",
			},
		},
		{
			task: domain.ScheduledTask{
				Name:            "one-off warmup",
				TaskType:        "shell",
				Payload:         json.RawMessage(`{"command":"true"}`),
				ScheduleType:    domain.ScheduleOnce,
				NotifyOnSuccess: true,
			},
		},
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	created, err := seed(ctx, repo, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d scheduled tasks\n", created)
	return nil
}

// seed inserts the example tasks whose names are not taken yet.
func seed(ctx context.Context, repo store.Repository, now time.Time) (int, error) {
	existing, err := repo.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(existing))
	for _, t := range existing {
		names[t.Name] = true
	}

	created := 0
	for _, s := range seedTasks() {
		if names[s.task.Name] {
			log.Debug().Str("task", s.task.Name).Msg("seed task already exists")
			continue
		}
		task := s.task
		task.Status = domain.TaskActive
		if task.NextRunTime, err = task.InitialRunTime(nil, now); err != nil {
			return created, fmt.Errorf("seed %q: %w", s.task.Name, err)
		}
		task, err = repo.CreateTask(ctx, task)
		if err != nil {
			return created, fmt.Errorf("seed %q: %w", s.task.Name, err)
		}
		if s.setting != nil {
			setting := *s.setting
			setting.TaskID = task.ID
			if _, err := repo.CreateNotificationSetting(ctx, setting); err != nil {
				return created, fmt.Errorf("seed %q notification: %w", s.task.Name, err)
			}
		}
		created++
	}
	return created, nil
}
