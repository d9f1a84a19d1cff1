package notify

import (
	"context"
	"fmt"
	"io"

	"testhub/internal/domain"
)

type ReportSource interface {
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	ListAllNotificationSettings(ctx context.Context) ([]domain.TaskNotificationSetting, error)
}

// WriteReport prints every task's notification flags next to its first
// notification setting, followed by the full list of settings.
func WriteReport(ctx context.Context, w io.Writer, src ReportSource) error {
	tasks, err := src.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	settings, err := src.ListAllNotificationSettings(ctx)
	if err != nil {
		return fmt.Errorf("list notification settings: %w", err)
	}

	first := make(map[string]domain.TaskNotificationSetting, len(settings))
	for _, s := range settings {
		if _, ok := first[s.TaskID]; !ok {
			first[s.TaskID] = s
		}
	}

	p := &printer{w: w}
	p.line("=== Notification settings check ===")
	p.line("Scheduled tasks: %d", len(tasks))
	p.line("Notification settings: %d", len(settings))

	p.line("\nScheduled tasks:")
	for _, t := range tasks {
		p.line("- ID: %s, Name: %s", t.ID, t.Name)
		p.line("  notify on success: %t", t.NotifyOnSuccess)
		p.line("  notify on failure: %t", t.NotifyOnFailure)
		if s, ok := first[t.ID]; ok {
			p.line("  setting: ID %s, type %s, enabled %t", s.ID, s.NotificationType, s.IsEnabled)
		} else {
			p.line("  setting: none")
		}
	}

	p.line("\nNotification settings:")
	for _, s := range settings {
		p.line("- ID: %s, Task ID: %s", s.ID, s.TaskID)
		p.line("  type: %s, enabled: %t", s.NotificationType, s.IsEnabled)
		p.line("  notify on success: %t, notify on failure: %t", s.NotifyOnSuccess, s.NotifyOnFailure)
	}

	p.line("\n=== Check complete ===")
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}
