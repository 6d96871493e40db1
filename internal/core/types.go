package core

import (
	"context"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive TaskStatus = "active"
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusCompleted is the terminal state for a "once" task that ran
	// successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusDisabled is the terminal state reached after exhausting the
	// retry budget. Only an explicit reset reactivates the task.
	TaskStatusDisabled TaskStatus = "disabled"
)

// RunStatus describes the state of an individual execution attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusTimeout RunStatus = "timeout"
)

// Terminal reports whether a run status is final. Terminal runs are never
// mutated again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusTimeout
}

// RetryOverride carries per-task retry policy overrides stored on the task
// row. A nil field means "use the resolved policy value".
type RetryOverride struct {
	MaxRetries *int
	BaseDelay  *time.Duration
	MaxDelay   *time.Duration
	Critical   *bool
}

// Task represents one named, schedulable unit of recurring or one-shot work.
type Task struct {
	ID                  string
	Name                string
	Action              Action
	Schedule            Schedule
	Priority            int
	TimeoutSeconds      *int
	WorkingDir          *string
	Status              TaskStatus
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	TotalFailures       int
	Retry               RetryOverride
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsActive reports whether the dispatcher should ever consider this task.
func (t *Task) IsActive() bool {
	return t.Status == TaskStatusActive
}

// Timeout returns the per-attempt wall-clock budget, falling back to def when
// the task does not set one.
func (t *Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds != nil && *t.TimeoutSeconds > 0 {
		return time.Duration(*t.TimeoutSeconds) * time.Second
	}
	return def
}

// Run captures a single execution attempt of a task. Rows are append-only:
// once a run reaches a terminal status it is never modified.
type Run struct {
	ID          string
	TaskID      string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	ExitCode    *int
	Output      string
	Error       *string
	DurationMS  *int64
	CreatedAt   time.Time
}

// Store abstracts the persistence layer used by the dispatcher and the
// backoff controller. All coordination happens through atomic
// read-claim-write operations here, never through in-process locks, so state
// survives a process restart.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error)

	// FetchDue returns active tasks with next_run_at <= now, ordered by
	// priority DESC then next_run_at ASC, capped at limit.
	FetchDue(ctx context.Context, limit int, now time.Time) ([]*Task, error)

	// Claim atomically marks the start of an attempt: it clears next_run_at
	// (conditional on the task still being due, active, and without an
	// execution already in flight) and inserts the running execution record
	// in the same transaction. Returns ErrNotDue when another claimant won
	// the race or a run is still going.
	Claim(ctx context.Context, taskID string, now time.Time) (*Run, error)

	// InsertAdHocRun creates a running record for a manual trigger, guarded
	// so a task with an execution already in flight cannot get a second one.
	InsertAdHocRun(ctx context.Context, taskID string, now time.Time) (*Run, error)

	// Run operations
	FinalizeRun(ctx context.Context, runID string, status RunStatus, endedAt time.Time, exitCode *int, output string, errMsg *string) error
	ListRunningRuns(ctx context.Context) ([]*Run, error)

	// Scheduling-state writes owned by the backoff controller.
	RecordTaskSuccess(ctx context.Context, taskID string, now time.Time, nextRunAt *time.Time, status TaskStatus) error
	RecordTaskFailure(ctx context.Context, taskID string, failures int, nextRunAt *time.Time) error
	DisableTask(ctx context.Context, taskID string) error
	ResetTask(ctx context.Context, taskID string, nextRunAt *time.Time) error

	// Log helpers
	EnsureRunLogDir(runID string) error
	RunLogPath(runID string) string
	PruneOldRunLogs(ctx context.Context, taskID string) error
}
