package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"testhub/internal/domain"
	"testhub/internal/store"
	"testhub/internal/telemetry"
)

type Server struct {
	r         *chi.Mux
	repo      store.Repository
	taskTypes map[string]bool
	now       func() time.Time
}

type Options struct {
	// TaskTypes restricts task_type to the types an executor can run.
	// Empty accepts any type.
	TaskTypes []string
	Debug     bool
}

func NewServer(repo store.Repository, opts Options) http.Handler {
	return newServer(repo, opts, time.Now).r
}

func newServer(repo store.Repository, opts Options, now func() time.Time) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, now: now}
	if len(opts.TaskTypes) > 0 {
		s.taskTypes = make(map[string]bool, len(opts.TaskTypes))
		for _, typ := range opts.TaskTypes {
			s.taskTypes[typ] = true
		}
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api/scheduled-tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Put("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/pause", s.pauseTask)
		r.Post("/{id}/resume", s.resumeTask)
		r.Post("/{id}/run-now", s.runTaskNow)
		r.Get("/{id}/executions", s.listExecutions)
		r.Get("/{id}/notification-settings", s.listSettings)
		r.Post("/{id}/notification-settings", s.createSetting)
	})
	r.Get("/api/executions/{id}", s.getExecution)
	r.Put("/api/notification-settings/{id}", s.updateSetting)

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskReq struct {
	Name            string              `json:"name"`
	Description     *string             `json:"description"`
	TaskType        string              `json:"task_type"`
	Payload         json.RawMessage     `json:"payload"`
	ScheduleType    domain.ScheduleType `json:"schedule_type"`
	CronExpr        string              `json:"cron_expr"`
	IntervalSeconds int                 `json:"interval_seconds"`
	StartAt         *time.Time          `json:"start_at"`
	NotifyOnSuccess *bool               `json:"notify_on_success"`
	NotifyOnFailure *bool               `json:"notify_on_failure"`
}

// apply copies the fields present in the request onto t and reports whether
// the schedule changed.
func (req taskReq) apply(t *domain.ScheduledTask) bool {
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.TaskType != "" {
		t.TaskType = req.TaskType
	}
	if req.Payload != nil {
		t.Payload = req.Payload
	}
	if req.NotifyOnSuccess != nil {
		t.NotifyOnSuccess = *req.NotifyOnSuccess
	}
	if req.NotifyOnFailure != nil {
		t.NotifyOnFailure = *req.NotifyOnFailure
	}

	changed := req.StartAt != nil
	if req.ScheduleType != "" && req.ScheduleType != t.ScheduleType {
		t.ScheduleType = req.ScheduleType
		changed = true
	}
	if req.CronExpr != "" && req.CronExpr != t.CronExpr {
		t.CronExpr = req.CronExpr
		changed = true
	}
	if req.IntervalSeconds != 0 && req.IntervalSeconds != t.IntervalSeconds {
		t.IntervalSeconds = req.IntervalSeconds
		changed = true
	}
	return changed
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task := domain.ScheduledTask{Status: domain.TaskActive}
	req.apply(&task)
	if err := s.validate(task); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	next, err := task.InitialRunTime(req.StartAt, s.now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}
	task.NextRunTime = next

	created, err := s.repo.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	from := store.StateOf(task)
	rescheduled := req.apply(&task)
	if err := s.validate(task); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	// Only a schedule change touches next_run_time, and then only if the
	// poller has not advanced it since the task was read.
	if !rescheduled || task.Status == domain.TaskCompleted {
		err := s.repo.UpdateTask(r.Context(), task)
		if err != nil {
			storeError(w, err)
			return
		}
		s.respondTask(w, r, task.ID)
		return
	}
	next, err := task.InitialRunTime(req.StartAt, s.now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}
	task.NextRunTime = next
	if err := s.repo.RescheduleTask(r.Context(), task, from); err != nil {
		storeError(w, err)
		return
	}
	s.respondTask(w, r, task.ID)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status == domain.TaskCompleted {
		http.Error(w, "task already completed", http.StatusConflict)
		return
	}
	if err := s.repo.SetTaskStatus(r.Context(), task.ID, store.StateOf(task), domain.TaskPaused, task.NextRunTime); err != nil {
		storeError(w, err)
		return
	}
	s.respondTask(w, r, task.ID)
}

// resumeTask reactivates a paused task. A due time that passed while paused
// is moved forward so the backlog is not replayed.
func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status == domain.TaskCompleted {
		http.Error(w, "task already completed", http.StatusConflict)
		return
	}
	now := s.now()
	next := task.NextRunTime
	if next == nil || (next.Before(now) && task.ScheduleType != domain.ScheduleOnce) {
		var err error
		if next, err = task.InitialRunTime(nil, now); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if err := s.repo.SetTaskStatus(r.Context(), task.ID, store.StateOf(task), domain.TaskActive, next); err != nil {
		storeError(w, err)
		return
	}
	s.respondTask(w, r, task.ID)
}

func (s *Server) runTaskNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.RunTaskNow(r.Context(), id, s.now()); err != nil {
		storeError(w, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	logs, err := s.repo.ListExecutionLogs(r.Context(), task.ID, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if logs == nil {
		logs = []domain.TaskExecutionLog{}
	}
	writeJSON(w, 200, logs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	l, err := s.repo.GetExecutionLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, 200, l)
}

type settingReq struct {
	NotificationType string  `json:"notification_type"`
	Target           *string `json:"target"`
	IsEnabled        *bool   `json:"is_enabled"`
	NotifyOnSuccess  *bool   `json:"notify_on_success"`
	NotifyOnFailure  *bool   `json:"notify_on_failure"`
}

func (req settingReq) apply(s *domain.TaskNotificationSetting) {
	if req.NotificationType != "" {
		s.NotificationType = req.NotificationType
	}
	if req.Target != nil {
		s.Target = *req.Target
	}
	if req.IsEnabled != nil {
		s.IsEnabled = *req.IsEnabled
	}
	if req.NotifyOnSuccess != nil {
		s.NotifyOnSuccess = *req.NotifyOnSuccess
	}
	if req.NotifyOnFailure != nil {
		s.NotifyOnFailure = *req.NotifyOnFailure
	}
}

func validateSetting(s domain.TaskNotificationSetting) error {
	switch s.NotificationType {
	case domain.NotifyWebhook:
		if s.Target == "" {
			return errors.New("target is required for webhook notifications")
		}
	case domain.NotifyLog, domain.NotifyEmail:
	default:
		return errors.New("notification_type must be webhook, log or email")
	}
	return nil
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	settings, err := s.repo.ListNotificationSettings(r.Context(), task.ID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if settings == nil {
		settings = []domain.TaskNotificationSetting{}
	}
	writeJSON(w, 200, settings)
}

func (s *Server) createSetting(w http.ResponseWriter, r *http.Request) {
	var req settingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	setting := domain.TaskNotificationSetting{TaskID: chi.URLParam(r, "id"), IsEnabled: true}
	req.apply(&setting)
	if err := validateSetting(setting); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	created, err := s.repo.CreateNotificationSetting(r.Context(), setting)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := s.repo.GetNotificationSetting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	var req settingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req.apply(&setting)
	if err := validateSetting(setting); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.repo.UpdateNotificationSetting(r.Context(), setting); err != nil {
		storeError(w, err)
		return
	}
	updated, err := s.repo.GetNotificationSetting(r.Context(), setting.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) validate(task domain.ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if s.taskTypes != nil && !s.taskTypes[task.TaskType] {
		return fmt.Errorf("unknown task_type %q", task.TaskType)
	}
	return nil
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (domain.ScheduledTask, bool) {
	task, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return domain.ScheduledTask{}, false
	}
	return task, true
}

func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, 200, task)
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "task was rescheduled concurrently, reload and retry", http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
