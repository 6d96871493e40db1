package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"autotask/internal/core"
)

type schedulePreviewRequest struct {
	Schedule string `json:"schedule"`
	Count    int    `json:"count"`
	From     string `json:"from"`
}

type schedulePreviewResponse struct {
	Schedule string   `json:"schedule"`
	Next     []string `json:"next"`
}

// handleSchedulePreview evaluates a schedule descriptor without creating a
// task, so callers can sanity-check cron expressions and intervals.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Schedule = strings.TrimSpace(req.Schedule)
	if req.Schedule == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "schedule is required")
		return
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Count > 50 {
		req.Count = 50
	}

	schedule, err := core.ParseSchedule(req.Schedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}

	from := time.Now().UTC()
	if req.From != "" {
		parsed, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "from must be RFC3339")
			return
		}
		from = parsed.UTC()
	}

	occurrences := schedule.NextOccurrences(from, req.Count)
	next := make([]string, 0, len(occurrences))
	for _, t := range occurrences {
		next = append(next, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{
		Schedule: schedule.Descriptor(),
		Next:     next,
	})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	run, err := s.dispatcher.RunTaskNow(r.Context(), task)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "conflict", "task is already running")
			return
		}
		s.logger.Error("run task now", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// handleResetTask clears a task's failure state and puts it back on the
// schedule, including tasks that were disabled after exhausting retries.
func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.backoff.Reset(r.Context(), task, time.Now().UTC()); err != nil {
		s.logger.Error("reset task", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleFailureReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.backoff.Report(r.Context(), time.Now().UTC())
	if err != nil {
		s.logger.Error("build failure report", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
