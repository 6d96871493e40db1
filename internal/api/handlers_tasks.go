package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autotask/internal/core"
	"autotask/internal/store"
)

type retryOverrideRequest struct {
	MaxRetries *int  `json:"max_retries"`
	BaseDelayS *int  `json:"base_delay_s"`
	MaxDelayS  *int  `json:"max_delay_s"`
	Critical   *bool `json:"critical"`
}

type createTaskRequest struct {
	Name        string                `json:"name"`
	Shell       string                `json:"shell"`
	Prompt      string                `json:"prompt"`
	Schedule    string                `json:"schedule"`
	Priority    *int                  `json:"priority"`
	TimeoutSecs *int                  `json:"timeout_s"`
	WorkingDir  *string               `json:"working_dir"`
	Paused      bool                  `json:"paused"`
	Retry       *retryOverrideRequest `json:"retry"`
}

type updateTaskRequest struct {
	Name        *string               `json:"name"`
	Shell       *string               `json:"shell"`
	Prompt      *string               `json:"prompt"`
	Schedule    *string               `json:"schedule"`
	Priority    *int                  `json:"priority"`
	TimeoutSecs *int                  `json:"timeout_s"`
	WorkingDir  *string               `json:"working_dir"`
	Paused      *bool                 `json:"paused"`
	Retry       *retryOverrideRequest `json:"retry"`
}

type taskResponse struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	ActionKind          string                `json:"action_kind"`
	ActionSpec          string                `json:"action_spec"`
	Schedule            string                `json:"schedule"`
	Priority            int                   `json:"priority"`
	TimeoutSecs         *int                  `json:"timeout_s,omitempty"`
	WorkingDir          *string               `json:"working_dir,omitempty"`
	Status              string                `json:"status"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	TotalFailures       int                   `json:"total_failures"`
	Retry               *retryOverrideRequest `json:"retry,omitempty"`
	LastRunAt           *string               `json:"last_run_at,omitempty"`
	LastSuccessAt       *string               `json:"last_success_at,omitempty"`
	NextRunAt           *string               `json:"next_run_at,omitempty"`
	CreatedAt           string                `json:"created_at"`
	UpdatedAt           string                `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Shell = strings.TrimSpace(req.Shell)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Schedule = strings.TrimSpace(req.Schedule)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if req.Schedule == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "schedule is required")
		return
	}
	if req.TimeoutSecs != nil && *req.TimeoutSecs < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeout_s must be non-negative")
		return
	}

	action, err := actionFromFields(req.Shell, req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	schedule, err := core.ParseSchedule(req.Schedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}

	status := core.TaskStatusActive
	if req.Paused {
		status = core.TaskStatusPaused
	}

	task := &core.Task{
		ID:       core.NewID(),
		Name:     req.Name,
		Action:   action,
		Schedule: schedule,
		Priority: 5,
		Status:   status,
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.TimeoutSecs != nil && *req.TimeoutSecs > 0 {
		timeout := *req.TimeoutSecs
		task.TimeoutSeconds = &timeout
	}
	if req.WorkingDir != nil {
		trimmed := strings.TrimSpace(*req.WorkingDir)
		if trimmed != "" {
			task.WorkingDir = &trimmed
		}
	}
	if req.Retry != nil {
		task.Retry = req.Retry.toOverride()
	}

	if status == core.TaskStatusActive {
		now := time.Now().UTC()
		if schedule.Kind == core.ScheduleOnce {
			task.NextRunAt = &now
		} else {
			task.NextRunAt = schedule.NextRun(now)
		}
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "conflict", "task name already exists")
			return
		}
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}

	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusActive, core.TaskStatusPaused, core.TaskStatusCompleted, core.TaskStatusDisabled:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active, paused, completed or disabled")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
			return
		}
		task.Name = trimmed
	}
	if req.Shell != nil || req.Prompt != nil {
		var shell, prompt string
		if req.Shell != nil {
			shell = strings.TrimSpace(*req.Shell)
		}
		if req.Prompt != nil {
			prompt = strings.TrimSpace(*req.Prompt)
		}
		action, err := actionFromFields(shell, prompt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		task.Action = action
	}

	scheduleChanged := false
	if req.Schedule != nil {
		descriptor := strings.TrimSpace(*req.Schedule)
		schedule, err := core.ParseSchedule(descriptor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
		task.Schedule = schedule
		scheduleChanged = true
	}

	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.TimeoutSecs != nil {
		if *req.TimeoutSecs < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "timeout_s must be non-negative")
			return
		}
		if *req.TimeoutSecs == 0 {
			task.TimeoutSeconds = nil
		} else {
			timeout := *req.TimeoutSecs
			task.TimeoutSeconds = &timeout
		}
	}
	if req.WorkingDir != nil {
		trimmed := strings.TrimSpace(*req.WorkingDir)
		if trimmed == "" {
			task.WorkingDir = nil
		} else {
			task.WorkingDir = &trimmed
		}
	}
	if req.Retry != nil {
		task.Retry = req.Retry.toOverride()
	}

	statusChanged := false
	if req.Paused != nil {
		if *req.Paused && task.Status != core.TaskStatusPaused {
			task.Status = core.TaskStatusPaused
			statusChanged = true
		}
		if !*req.Paused && task.Status != core.TaskStatusActive {
			task.Status = core.TaskStatusActive
			statusChanged = true
		}
	}

	if task.Status == core.TaskStatusActive && (scheduleChanged || statusChanged) {
		now := time.Now().UTC()
		if task.Schedule.Kind == core.ScheduleOnce {
			task.NextRunAt = &now
		} else {
			task.NextRunAt = task.Schedule.NextRun(now)
		}
	}
	if task.Status == core.TaskStatusPaused {
		task.NextRunAt = nil
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "conflict", "task name already exists")
			return
		}
		s.logger.Error("update task", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadTask resolves {taskID} and writes the error response itself on failure.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return nil, false
	}
	return task, true
}

func actionFromFields(shell, prompt string) (core.Action, error) {
	switch {
	case shell != "" && prompt != "":
		return core.Action{}, errors.New("shell and prompt are mutually exclusive")
	case shell != "":
		return core.NewShellAction(shell)
	case prompt != "":
		return core.NewPromptAction(prompt)
	default:
		return core.Action{}, errors.New("either shell or prompt is required")
	}
}

func (r *retryOverrideRequest) toOverride() core.RetryOverride {
	override := core.RetryOverride{MaxRetries: r.MaxRetries, Critical: r.Critical}
	if r.BaseDelayS != nil {
		d := time.Duration(*r.BaseDelayS) * time.Second
		override.BaseDelay = &d
	}
	if r.MaxDelayS != nil {
		d := time.Duration(*r.MaxDelayS) * time.Second
		override.MaxDelay = &d
	}
	return override
}

func retryToResponse(override core.RetryOverride) *retryOverrideRequest {
	if override.MaxRetries == nil && override.BaseDelay == nil && override.MaxDelay == nil && override.Critical == nil {
		return nil
	}
	resp := &retryOverrideRequest{MaxRetries: override.MaxRetries, Critical: override.Critical}
	if override.BaseDelay != nil {
		secs := int(*override.BaseDelay / time.Second)
		resp.BaseDelayS = &secs
	}
	if override.MaxDelay != nil {
		secs := int(*override.MaxDelay / time.Second)
		resp.MaxDelayS = &secs
	}
	return resp
}

func taskToResponse(task *core.Task) taskResponse {
	var last, success, next *string
	if task.LastRunAt != nil {
		formatted := task.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if task.LastSuccessAt != nil {
		formatted := task.LastSuccessAt.UTC().Format(time.RFC3339)
		success = &formatted
	}
	if task.NextRunAt != nil {
		formatted := task.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}
	return taskResponse{
		ID:                  task.ID,
		Name:                task.Name,
		ActionKind:          string(task.Action.Kind),
		ActionSpec:          task.Action.Spec,
		Schedule:            task.Schedule.Descriptor(),
		Priority:            task.Priority,
		TimeoutSecs:         task.TimeoutSeconds,
		WorkingDir:          task.WorkingDir,
		Status:              string(task.Status),
		ConsecutiveFailures: task.ConsecutiveFailures,
		TotalFailures:       task.TotalFailures,
		Retry:               retryToResponse(task.Retry),
		LastRunAt:           last,
		LastSuccessAt:       success,
		NextRunAt:           next,
		CreatedAt:           task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
