package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autotask/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, action_kind, action_spec, working_dir, schedule_kind, schedule_spec,
	priority, timeout_seconds, status, next_run_at, last_run_at, last_success_at,
	consecutive_failures, total_failures, retry_max_retries, retry_base_delay_s, retry_max_delay_s, retry_critical,
	created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, name, action_kind, action_spec, working_dir, schedule_kind, schedule_spec,
			priority, timeout_seconds, status, is_active, next_run_at, last_run_at, last_success_at,
			consecutive_failures, total_failures, retry_max_retries, retry_base_delay_s, retry_max_delay_s, retry_critical,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Action.Kind, task.Action.Spec, nullableString(task.WorkingDir),
		task.Schedule.Kind, scheduleSpec(task.Schedule), task.Priority, nullableInt(task.TimeoutSeconds),
		task.Status, boolToInt(task.Status == core.TaskStatusActive),
		nullableTime(task.NextRunAt), nullableTime(task.LastRunAt), nullableTime(task.LastSuccessAt),
		task.ConsecutiveFailures, task.TotalFailures,
		nullableInt(task.Retry.MaxRetries), nullableSeconds(task.Retry.BaseDelay), nullableSeconds(task.Retry.MaxDelay),
		nullableBool(task.Retry.Critical),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, action_kind = ?, action_spec = ?, working_dir = ?, schedule_kind = ?, schedule_spec = ?,
			priority = ?, timeout_seconds = ?, status = ?, is_active = ?, next_run_at = ?,
			retry_max_retries = ?, retry_base_delay_s = ?, retry_max_delay_s = ?, retry_critical = ?,
			updated_at = ?
		WHERE id = ?
	`, task.Name, task.Action.Kind, task.Action.Spec, nullableString(task.WorkingDir),
		task.Schedule.Kind, scheduleSpec(task.Schedule), task.Priority, nullableInt(task.TimeoutSeconds),
		task.Status, boolToInt(task.Status == core.TaskStatusActive), nullableTime(task.NextRunAt),
		nullableInt(task.Retry.MaxRetries), nullableSeconds(task.Retry.BaseDelay), nullableSeconds(task.Retry.MaxDelay),
		nullableBool(task.Retry.Critical),
		formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return taskFromRow(row)
}

func (s *Store) GetTaskByName(ctx context.Context, name string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	return taskFromRow(row)
}

func taskFromRow(row *sql.Row) (*core.Task, error) {
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY priority DESC, name ASC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks ORDER BY priority DESC, name ASC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FetchDue returns active tasks whose next_run_at has passed, highest
// priority first, oldest slot first among ties.
func (s *Store) FetchDue(ctx context.Context, limit int, now time.Time) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY priority DESC, next_run_at ASC
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Claim atomically marks the start of an attempt. The conditional UPDATE
// clears next_run_at only while the task is still due, active, and has no
// execution in flight, and the affected-row count decides the race: a second
// claimant sees zero rows and gets ErrNotDue. The running-record guard keeps
// a due tick from starting a second execution while an ad-hoc run is still
// going. The running execution record is inserted in the same transaction,
// so exactly one record exists per dispatch attempt.
func (s *Store) Claim(ctx context.Context, taskID string, now time.Time) (*core.Run, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	nowStr := formatTime(now)

	var scheduledAt string
	err = tx.QueryRowContext(ctx, `
		SELECT next_run_at FROM tasks
		WHERE id = ? AND is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM runs WHERE task_id = tasks.id AND status = 'running')
	`, taskID, nowStr).Scan(&scheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotDue
	}
	if err != nil {
		return nil, fmt.Errorf("read due slot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET next_run_at = NULL, last_run_at = ?, updated_at = ?
		WHERE id = ? AND is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM runs WHERE task_id = tasks.id AND status = 'running')
	`, nowStr, nowStr, taskID, nowStr)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task rows: %w", err)
	}
	if rows == 0 {
		return nil, core.ErrNotDue
	}

	run := &core.Run{
		ID:          core.NewID(),
		TaskID:      taskID,
		Status:      core.RunStatusRunning,
		ScheduledAt: mustParseTime(scheduledAt),
		StartedAt:   &now,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, scheduled_at, started_at, output, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
	`, run.ID, run.TaskID, run.Status, scheduledAt, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

// RecordTaskSuccess resets the failure counter, stamps last_success_at, and
// schedules the next slot (or retires a one-shot task).
func (s *Store) RecordTaskSuccess(ctx context.Context, taskID string, now time.Time, nextRunAt *time.Time, status core.TaskStatus) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET consecutive_failures = 0, last_success_at = ?, next_run_at = ?, status = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(now), nullableTime(nextRunAt), status,
		boolToInt(status == core.TaskStatusActive), formatTime(now), taskID)
	if err != nil {
		return fmt.Errorf("record task success: %w", err)
	}
	return nil
}

// RecordTaskFailure stores the advanced failure counter and the retry slot.
func (s *Store) RecordTaskFailure(ctx context.Context, taskID string, failures int, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET consecutive_failures = ?, total_failures = total_failures + 1, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, failures, nullableTime(nextRunAt), formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	return nil
}

// DisableTask moves a task to the Disabled terminal state: inactive, no next
// slot, the final failure counted.
func (s *Store) DisableTask(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, is_active = 0, next_run_at = NULL,
			consecutive_failures = consecutive_failures + 1, total_failures = total_failures + 1,
			updated_at = ?
		WHERE id = ?
	`, core.TaskStatusDisabled, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("disable task: %w", err)
	}
	return nil
}

// ResetTask clears failure state and reactivates the task.
func (s *Store) ResetTask(ctx context.Context, taskID string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET consecutive_failures = 0, status = ?, is_active = 1, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, core.TaskStatusActive, nullableTime(nextRunAt), formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id            string
		name          string
		actionKind    string
		actionSpec    string
		workingDir    sql.NullString
		scheduleKind  string
		scheduleSpec  string
		priority      int
		timeout       sql.NullInt64
		status        string
		nextRun       sql.NullString
		lastRun       sql.NullString
		lastSuccess   sql.NullString
		consecFails   int
		totalFails    int
		retryMax      sql.NullInt64
		retryBase     sql.NullInt64
		retryMaxDelay sql.NullInt64
		retryCritical sql.NullInt64
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&id, &name, &actionKind, &actionSpec, &workingDir, &scheduleKind, &scheduleSpec,
		&priority, &timeout, &status, &nextRun, &lastRun, &lastSuccess,
		&consecFails, &totalFails, &retryMax, &retryBase, &retryMaxDelay, &retryCritical,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	schedule, err := scheduleFromColumns(scheduleKind, scheduleSpec)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	task := &core.Task{
		ID:                  id,
		Name:                name,
		Action:              core.Action{Kind: core.ActionKind(actionKind), Spec: actionSpec},
		Schedule:            schedule,
		Priority:            priority,
		Status:              core.TaskStatus(status),
		ConsecutiveFailures: consecFails,
		TotalFailures:       totalFails,
		CreatedAt:           mustParseTime(createdAt),
		UpdatedAt:           mustParseTime(updatedAt),
	}
	if workingDir.Valid {
		task.WorkingDir = &workingDir.String
	}
	if timeout.Valid {
		val := int(timeout.Int64)
		task.TimeoutSeconds = &val
	}
	if nextRun.Valid {
		t := mustParseTime(nextRun.String)
		task.NextRunAt = &t
	}
	if lastRun.Valid {
		t := mustParseTime(lastRun.String)
		task.LastRunAt = &t
	}
	if lastSuccess.Valid {
		t := mustParseTime(lastSuccess.String)
		task.LastSuccessAt = &t
	}
	if retryMax.Valid {
		val := int(retryMax.Int64)
		task.Retry.MaxRetries = &val
	}
	if retryBase.Valid {
		val := time.Duration(retryBase.Int64) * time.Second
		task.Retry.BaseDelay = &val
	}
	if retryMaxDelay.Valid {
		val := time.Duration(retryMaxDelay.Int64) * time.Second
		task.Retry.MaxDelay = &val
	}
	if retryCritical.Valid {
		val := retryCritical.Int64 != 0
		task.Retry.Critical = &val
	}
	return task, nil
}

func scheduleSpec(s core.Schedule) string {
	switch s.Kind {
	case core.ScheduleInterval:
		return s.Every.String()
	case core.ScheduleCron:
		return s.Expr
	default:
		return ""
	}
}

func scheduleFromColumns(kind, spec string) (core.Schedule, error) {
	switch core.ScheduleKind(kind) {
	case core.ScheduleInterval:
		every, err := time.ParseDuration(spec)
		if err != nil {
			return core.Schedule{}, fmt.Errorf("invalid stored interval %q: %w", spec, err)
		}
		return core.Schedule{Kind: core.ScheduleInterval, Every: every}, nil
	case core.ScheduleCron:
		return core.Schedule{Kind: core.ScheduleCron, Expr: spec}, nil
	case core.ScheduleOnce:
		return core.Schedule{Kind: core.ScheduleOnce}, nil
	default:
		return core.Schedule{}, fmt.Errorf("unknown stored schedule kind %q", kind)
	}
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return boolToInt(*value)
}

func nullableSeconds(value *time.Duration) any {
	if value == nil {
		return nil
	}
	return int64(*value / time.Second)
}

// timeFormat pads the fraction to nine digits so timestamp columns compare
// correctly as TEXT. A bare-second RFC 3339 string sorts after any
// fractional one in the same second, which would hold cron slots back.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(value time.Time) string {
	return value.UTC().Format(timeFormat)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// mustParseTime decodes a timestamp column written by this store. A zero
// time on a corrupt value beats tearing down the caller.
func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
