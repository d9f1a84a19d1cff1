package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"testhub/internal/domain"
)

// Message is the JSON body posted to webhook targets.
type Message struct {
	TaskID       string     `json:"task_id"`
	Task         string     `json:"task"`
	ExecutionID  string     `json:"execution_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
}

func newMessage(task domain.ScheduledTask, l domain.TaskExecutionLog) Message {
	return Message{
		TaskID:       task.ID,
		Task:         task.Name,
		ExecutionID:  l.ID,
		Status:       string(l.Status),
		Error:        l.Error,
		ScheduledFor: l.ScheduledFor,
		StartedAt:    l.StartedAt,
		FinishedAt:   l.FinishedAt,
		DurationMS:   l.DurationMS,
	}
}

func (s *Service) postWebhook(ctx context.Context, target string, msg Message) error {
	if target == "" {
		return errors.New("webhook target is empty")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
