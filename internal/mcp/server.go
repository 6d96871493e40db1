package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"autotask/internal/core"
	"autotask/internal/store"
)

// MCPServer exposes task management as MCP tools, over stdio or mounted on
// the HTTP API.
type MCPServer struct {
	store      *store.Store
	dispatcher *core.Dispatcher
	backoff    *core.Controller
	logger     *slog.Logger
	inner      *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, dispatcher *core.Dispatcher, backoff *core.Controller, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:      store,
		dispatcher: dispatcher,
		backoff:    backoff,
		logger:     logger,
	}
	s.inner = server.NewMCPServer(
		"autotask",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.inner)
	return s
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.inner)
}

// ServeHTTP serves the MCP protocol over streamable HTTP.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools() {
	s.inner.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a scheduled task. Schedule is 'interval:<duration>' (e.g. interval:15m), 'cron:<expr>' with a 5-field cron expression, or 'once'."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Unique task name"),
		),
		mcp.WithString("shell",
			mcp.Description("Shell command to run (mutually exclusive with prompt)"),
		),
		mcp.WithString("prompt",
			mcp.Description("Agent prompt to run (mutually exclusive with shell)"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Schedule descriptor, e.g. 'interval:30m', 'cron:0 9 * * 1-5', 'once'"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Dispatch priority, higher runs first (default 5)"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Per-attempt timeout in seconds"),
			mcp.Min(0),
		),
		mcp.WithString("working_dir",
			mcp.Description("Working directory for the task process"),
		),
		mcp.WithBoolean("critical",
			mcp.Description("Alert when the task is disabled after exhausting retries"),
		),
	), s.handleCreateTask)

	s.inner.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Filter: active, paused, completed or disabled"),
			mcp.Enum("active", "paused", "completed", "disabled"),
		),
	), s.handleListTasks)

	s.inner.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get task details"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	s.inner.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("Update task configuration"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("shell",
			mcp.Description("New shell command"),
		),
		mcp.WithString("prompt",
			mcp.Description("New agent prompt"),
		),
		mcp.WithString("schedule",
			mcp.Description("New schedule descriptor"),
		),
		mcp.WithNumber("priority",
			mcp.Description("New dispatch priority"),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Pause or resume the task"),
		),
	), s.handleUpdateTask)

	s.inner.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its run history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	s.inner.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task immediately, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	s.inner.AddTool(mcp.NewTool("task_reset",
		mcp.WithDescription("Clear a task's failure state and put it back on its schedule, including disabled tasks"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleResetTask)

	s.inner.AddTool(mcp.NewTool("task_runs",
		mcp.WithDescription("Show the run history of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.inner.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Get the captured output of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	s.inner.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the next occurrences of a schedule descriptor"),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Schedule descriptor"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of occurrences, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleSchedulePreview)

	s.inner.AddTool(mcp.NewTool("failure_report",
		mcp.WithDescription("Summarize failing, disabled and recently recovered tasks"),
	), s.handleFailureReport)

	s.logger.Info("MCP tools registered", "count", 11)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	shell := strings.TrimSpace(mcp.ParseString(request, "shell", ""))
	prompt := strings.TrimSpace(mcp.ParseString(request, "prompt", ""))
	descriptor := strings.TrimSpace(mcp.ParseString(request, "schedule", ""))

	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	var action core.Action
	var err error
	switch {
	case shell != "" && prompt != "":
		return mcp.NewToolResultError("shell and prompt are mutually exclusive"), nil
	case shell != "":
		action, err = core.NewShellAction(shell)
	case prompt != "":
		action, err = core.NewPromptAction(prompt)
	default:
		return mcp.NewToolResultError("either shell or prompt is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	schedule, err := core.ParseSchedule(descriptor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}

	task := &core.Task{
		ID:       core.NewID(),
		Name:     name,
		Action:   action,
		Schedule: schedule,
		Priority: 5,
		Status:   core.TaskStatusActive,
	}
	if priority := mcp.ParseFloat64(request, "priority", 0); priority != 0 {
		task.Priority = int(priority)
	}
	if timeout := mcp.ParseFloat64(request, "timeout_seconds", 0); timeout > 0 {
		secs := int(timeout)
		task.TimeoutSeconds = &secs
	}
	if dir := strings.TrimSpace(mcp.ParseString(request, "working_dir", "")); dir != "" {
		task.WorkingDir = &dir
	}
	if critical := mcp.ParseBoolean(request, "critical", false); critical {
		task.Retry.Critical = &critical
	}

	now := time.Now().UTC()
	if schedule.Kind == core.ScheduleOnce {
		task.NextRunAt = &now
	} else {
		task.NextRunAt = schedule.NextRun(now)
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	s.logger.Info("task created", "task_id", task.ID, "schedule", descriptor)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s",
		task.ID, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		statusFilter = &status
	}

	tasks, err := s.store.ListTasks(ctx, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	result := fmt.Sprintf("Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		result += fmt.Sprintf("[%s] %s (%s)\n", t.Status, t.Name, t.ID)
		result += fmt.Sprintf("  Action: %s: %s\n", t.Action.Kind, truncateString(t.Action.Spec, 60))
		result += fmt.Sprintf("  Schedule: %s  Priority: %d\n", t.Schedule.Descriptor(), t.Priority)
		if t.ConsecutiveFailures > 0 {
			result += fmt.Sprintf("  Consecutive failures: %d\n", t.ConsecutiveFailures)
		}
		if t.NextRunAt != nil {
			result += fmt.Sprintf("  Next run: %s\n", formatTime(t.NextRunAt))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errRes := s.loadTask(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	result := fmt.Sprintf("Task ID: %s\n", task.ID)
	result += fmt.Sprintf("Name: %s\n", task.Name)
	result += fmt.Sprintf("Status: %s\n", task.Status)
	result += fmt.Sprintf("Action: %s: %s\n", task.Action.Kind, task.Action.Spec)
	result += fmt.Sprintf("Schedule: %s\n", task.Schedule.Descriptor())
	result += fmt.Sprintf("Priority: %d\n", task.Priority)
	if task.TimeoutSeconds != nil {
		result += fmt.Sprintf("Timeout: %d seconds\n", *task.TimeoutSeconds)
	}
	if task.WorkingDir != nil {
		result += fmt.Sprintf("Working dir: %s\n", *task.WorkingDir)
	}
	result += fmt.Sprintf("Consecutive failures: %d (total %d)\n", task.ConsecutiveFailures, task.TotalFailures)
	if task.LastRunAt != nil {
		result += fmt.Sprintf("Last run: %s\n", formatTime(task.LastRunAt))
	}
	if task.LastSuccessAt != nil {
		result += fmt.Sprintf("Last success: %s\n", formatTime(task.LastSuccessAt))
	}
	if task.NextRunAt != nil {
		result += fmt.Sprintf("Next run: %s\n", formatTime(task.NextRunAt))
	}
	result += fmt.Sprintf("Created: %s\n", formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errRes := s.loadTask(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	if shell := strings.TrimSpace(mcp.ParseString(request, "shell", "")); shell != "" {
		action, err := core.NewShellAction(shell)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task.Action = action
	}
	if prompt := strings.TrimSpace(mcp.ParseString(request, "prompt", "")); prompt != "" {
		action, err := core.NewPromptAction(prompt)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task.Action = action
	}

	scheduleChanged := false
	if descriptor := strings.TrimSpace(mcp.ParseString(request, "schedule", "")); descriptor != "" {
		schedule, err := core.ParseSchedule(descriptor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}
		task.Schedule = schedule
		scheduleChanged = true
	}
	if priority := mcp.ParseFloat64(request, "priority", 0); priority != 0 {
		task.Priority = int(priority)
	}

	statusChanged := false
	paused := mcp.ParseBoolean(request, "paused", task.Status == core.TaskStatusPaused)
	if paused && task.Status != core.TaskStatusPaused {
		task.Status = core.TaskStatusPaused
		statusChanged = true
	}
	if !paused && task.Status == core.TaskStatusPaused {
		task.Status = core.TaskStatusActive
		statusChanged = true
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

	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("update task", "task_id", task.ID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s\nStatus: %s", task.ID, task.Status)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errRes := s.loadTask(ctx, request)
	if errRes != nil {
		return errRes, nil
	}
	run, err := s.dispatcher.RunTaskNow(ctx, task)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultError("task is already running"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nTask ID: %s\nRun ID: %s", task.ID, run.ID)), nil
}

func (s *MCPServer) handleResetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errRes := s.loadTask(ctx, request)
	if errRes != nil {
		return errRes, nil
	}
	if err := s.backoff.Reset(ctx, task, time.Now().UTC()); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reset task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task reset: %s\nNext run: %s",
		task.ID, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	result := fmt.Sprintf("Last %d runs:\n\n", len(runs))
	for _, r := range runs {
		result += fmt.Sprintf("[%s] %s\n", r.Status, r.ID)
		if r.StartedAt != nil {
			result += fmt.Sprintf("    Started: %s\n", formatTime(r.StartedAt))
		}
		if r.EndedAt != nil {
			result += fmt.Sprintf("    Ended: %s\n", formatTime(r.EndedAt))
		}
		if r.DurationMS != nil {
			result += fmt.Sprintf("    Duration: %dms\n", *r.DurationMS)
		}
		if r.Error != nil {
			result += fmt.Sprintf("    Error: %s\n", truncateString(*r.Error, 120))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	log, err := s.store.ReadRunLog(runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run log not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read run log: %v", err)), nil
	}
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		lines := strings.Split(log, "\n")
		if len(lines) > tail {
			log = strings.Join(lines[len(lines)-tail:], "\n")
		}
	}
	if log == "" {
		return mcp.NewToolResultText("(empty log)"), nil
	}
	return mcp.NewToolResultText(log), nil
}

func (s *MCPServer) handleSchedulePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descriptor := strings.TrimSpace(mcp.ParseString(request, "schedule", ""))
	count := int(mcp.ParseFloat64(request, "count", 5))

	schedule, err := core.ParseSchedule(descriptor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}

	occurrences := schedule.NextOccurrences(time.Now().UTC(), count)
	if len(occurrences) == 0 {
		return mcp.NewToolResultText("Schedule has no future occurrences"), nil
	}
	result := fmt.Sprintf("Next %d occurrences of %s:\n", len(occurrences), schedule.Descriptor())
	for i, t := range occurrences {
		result += fmt.Sprintf("  %d. %s\n", i+1, t.UTC().Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleFailureReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.backoff.Report(ctx, time.Now().UTC())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build report: %v", err)), nil
	}

	if len(report.Failing) == 0 && len(report.Critical) == 0 && len(report.Recovered) == 0 {
		return mcp.NewToolResultText("All tasks healthy"), nil
	}
	var result string
	if len(report.Critical) > 0 {
		result += fmt.Sprintf("Disabled tasks (%d):\n", len(report.Critical))
		for _, h := range report.Critical {
			result += fmt.Sprintf("  %s: %d consecutive failures\n", h.Name, h.ConsecutiveFailures)
		}
		result += "\n"
	}
	if len(report.Failing) > 0 {
		result += fmt.Sprintf("Failing tasks (%d):\n", len(report.Failing))
		for _, h := range report.Failing {
			result += fmt.Sprintf("  %s: %d consecutive failures, next retry %s\n",
				h.Name, h.ConsecutiveFailures, formatTime(h.NextRunAt))
		}
		result += "\n"
	}
	if len(report.Recovered) > 0 {
		result += fmt.Sprintf("Recently recovered (%d):\n", len(report.Recovered))
		for _, h := range report.Recovered {
			result += fmt.Sprintf("  %s: last success %s\n", h.Name, formatTime(h.LastSuccessAt))
		}
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) loadTask(ctx context.Context, request mcp.CallToolRequest) (*core.Task, *mcp.CallToolResult) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err))
	}
	return task, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
