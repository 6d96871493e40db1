package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autotask/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, task_id, status, scheduled_at, started_at, ended_at, exit_code, output, error, duration_ms, created_at`

// InsertAdHocRun records a manually triggered attempt. The NOT EXISTS guard
// keeps at most one running record per task, which is the same rule the
// dispatcher enforces in memory.
func (s *Store) InsertAdHocRun(ctx context.Context, taskID string, now time.Time) (*core.Run, error) {
	run := &core.Run{
		ID:          core.NewID(),
		TaskID:      taskID,
		Status:      core.RunStatusRunning,
		ScheduledAt: now,
		StartedAt:   &now,
		CreatedAt:   now,
	}
	nowStr := formatTime(now)
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, scheduled_at, started_at, output, created_at)
		SELECT ?, ?, ?, ?, ?, '', ?
		WHERE NOT EXISTS (SELECT 1 FROM runs WHERE task_id = ? AND status = ?)
	`, run.ID, taskID, core.RunStatusRunning, nowStr, nowStr, nowStr, taskID, core.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("insert ad-hoc run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert ad-hoc run rows: %w", err)
	}
	if rows == 0 {
		return nil, core.ErrAlreadyRunning
	}
	return run, nil
}

// FinalizeRun moves a running record into a terminal state. Terminal records
// are immutable: the UPDATE matches only status = 'running', and a zero row
// count means the record was already finalized or never existed.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status core.RunStatus, endedAt time.Time, exitCode *int, output string, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize run %s: %q is not a terminal status", runID, status)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	var startedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT started_at FROM runs WHERE id = ? AND status = ?
	`, runID, core.RunStatusRunning).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("read run start: %w", err)
	}

	var durationMS any
	if startedAt.Valid {
		started := mustParseTime(startedAt.String)
		if !started.IsZero() {
			durationMS = endedAt.Sub(started).Milliseconds()
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, exit_code = ?, output = ?, error = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, status, formatTime(endedAt), nullableInt(exitCode), output,
		nullableString(errMsg), durationMS, runID, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run rows: %w", err)
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// ListRunningRuns returns every record still marked running. After a restart
// these are orphans from the previous process.
func (s *Store) ListRunningRuns(ctx context.Context) ([]*core.Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC
	`, core.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns run history, newest first. An empty taskID lists across
// all tasks.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if taskID != "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?
		`, taskID, limit, offset)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RunLogPath returns where the full process output of a run lives on disk.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.StateDir, "logs", runID+".log")
}

func (s *Store) EnsureRunLogDir(runID string) error {
	dir := filepath.Dir(s.RunLogPath(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}
	return nil
}

func (s *Store) ReadRunLog(runID string) (string, error) {
	data, err := os.ReadFile(s.RunLogPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrRunNotFound
		}
		return "", fmt.Errorf("read run log: %w", err)
	}
	return string(data), nil
}

// PruneOldRunLogs removes log files beyond the retention window for a task.
// Database rows are kept, only the bulky on-disk output goes.
func (s *Store) PruneOldRunLogs(ctx context.Context, taskID string) error {
	if s.LogRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM runs WHERE task_id = ? ORDER BY created_at DESC LIMIT -1 OFFSET ?
	`, taskID, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query prunable runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan prunable run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(s.RunLogPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove run log %s: %w", id, err)
		}
	}
	return nil
}

func collectRuns(rows *sql.Rows) ([]*core.Run, error) {
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id          string
		taskID      string
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		exitCode    sql.NullInt64
		output      string
		errMsg      sql.NullString
		durationMS  sql.NullInt64
		createdAt   string
	)
	if err := scanner.Scan(&id, &taskID, &status, &scheduledAt, &startedAt, &endedAt,
		&exitCode, &output, &errMsg, &durationMS, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:          id,
		TaskID:      taskID,
		Status:      core.RunStatus(status),
		ScheduledAt: mustParseTime(scheduledAt),
		Output:      output,
		CreatedAt:   mustParseTime(createdAt),
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := mustParseTime(endedAt.String)
		run.EndedAt = &t
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		run.ExitCode = &val
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	return run, nil
}
