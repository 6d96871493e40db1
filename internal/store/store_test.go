package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotask/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.DB.Close() })
	return st
}

func makeTask(t *testing.T, name string, priority int, nextRunAt *time.Time) *core.Task {
	t.Helper()
	action, err := core.NewShellAction("echo " + name)
	require.NoError(t, err)
	return &core.Task{
		ID:        core.NewID(),
		Name:      name,
		Action:    action,
		Schedule:  core.Schedule{Kind: core.ScheduleInterval, Every: 10 * time.Minute},
		Priority:  priority,
		Status:    core.TaskStatusActive,
		NextRunAt: nextRunAt,
	}
}

func TestInsertAndGetTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := makeTask(t, "reporter", 7, &next)
	timeout := 120
	task.TimeoutSeconds = &timeout
	dir := "/tmp/work"
	task.WorkingDir = &dir
	maxRetries := 5
	baseDelay := 90 * time.Second
	critical := true
	task.Retry = core.RetryOverride{MaxRetries: &maxRetries, BaseDelay: &baseDelay, Critical: &critical}

	require.NoError(t, st.InsertTask(ctx, task))

	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, loaded.ID)
	assert.Equal(t, "reporter", loaded.Name)
	assert.Equal(t, core.ActionShell, loaded.Action.Kind)
	assert.Equal(t, "echo reporter", loaded.Action.Spec)
	assert.Equal(t, core.ScheduleInterval, loaded.Schedule.Kind)
	assert.Equal(t, 10*time.Minute, loaded.Schedule.Every)
	assert.Equal(t, 7, loaded.Priority)
	require.NotNil(t, loaded.TimeoutSeconds)
	assert.Equal(t, 120, *loaded.TimeoutSeconds)
	require.NotNil(t, loaded.WorkingDir)
	assert.Equal(t, "/tmp/work", *loaded.WorkingDir)
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, next.Equal(*loaded.NextRunAt))
	require.NotNil(t, loaded.Retry.MaxRetries)
	assert.Equal(t, 5, *loaded.Retry.MaxRetries)
	require.NotNil(t, loaded.Retry.BaseDelay)
	assert.Equal(t, 90*time.Second, *loaded.Retry.BaseDelay)
	require.NotNil(t, loaded.Retry.Critical)
	assert.True(t, *loaded.Retry.Critical)
	assert.Nil(t, loaded.Retry.MaxDelay)

	byName, err := st.GetTaskByName(ctx, "reporter")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byName.ID)
}

func TestGetTaskNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = st.GetTaskByName(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFetchDueOrdersByPriorityThenSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	early := now.Add(-2 * time.Minute)
	late := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	low := makeTask(t, "low", 1, &early)
	high := makeTask(t, "high", 9, &late)
	mid1 := makeTask(t, "mid-early", 5, &early)
	mid2 := makeTask(t, "mid-late", 5, &late)
	notDue := makeTask(t, "future", 9, &future)
	paused := makeTask(t, "paused", 9, &early)
	paused.Status = core.TaskStatusPaused

	for _, task := range []*core.Task{low, high, mid1, mid2, notDue, paused} {
		require.NoError(t, st.InsertTask(ctx, task))
	}

	due, err := st.FetchDue(ctx, 10, now)
	require.NoError(t, err)
	names := make([]string, 0, len(due))
	for _, task := range due {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{"high", "mid-early", "mid-late", "low"}, names)
}

func TestClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "claimer", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))

	run, err := st.Claim(ctx, task.ID, now)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	assert.True(t, slot.Equal(run.ScheduledAt), "run must record the slot it served")

	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.NextRunAt, "claim must clear the slot")
	require.NotNil(t, loaded.LastRunAt)
	assert.True(t, now.Equal(*loaded.LastRunAt))

	// The slot is gone, so a second claimant loses.
	_, err = st.Claim(ctx, task.ID, now)
	assert.ErrorIs(t, err, core.ErrNotDue)
}

func TestClaimRejectsFutureSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(time.Hour)

	task := makeTask(t, "early-bird", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))

	_, err := st.Claim(ctx, task.ID, now)
	assert.ErrorIs(t, err, core.ErrNotDue)
}

func TestClaimRejectsWhileRunInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "busy", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))

	// A manual trigger is in flight when the slot comes due.
	adhoc, err := st.InsertAdHocRun(ctx, task.ID, now)
	require.NoError(t, err)

	_, err = st.Claim(ctx, task.ID, now)
	assert.ErrorIs(t, err, core.ErrNotDue, "claim must not start a second execution")

	running, err := st.ListRunningRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.NextRunAt, "slot must survive the rejected claim")
	assert.True(t, slot.Equal(*loaded.NextRunAt))

	// Once the ad-hoc run finalizes, the slot can be claimed.
	require.NoError(t, st.FinalizeRun(ctx, adhoc.ID, core.RunStatusSuccess, now.Add(time.Second), nil, "ok", nil))
	run, err := st.Claim(ctx, task.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, slot.Equal(run.ScheduledAt))
}

func TestDueComparisonSurvivesFractionalNow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	// Cron slots land on whole seconds; the clock rarely does.
	slot := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := slot.Add(123 * time.Millisecond)

	task := makeTask(t, "cron-ish", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))

	due, err := st.FetchDue(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "cron-ish", due[0].Name)

	run, err := st.Claim(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, slot.Equal(run.ScheduledAt))
}

func TestInsertAdHocRunRejectsConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := makeTask(t, "manual", 5, nil)
	require.NoError(t, st.InsertTask(ctx, task))

	run, err := st.InsertAdHocRun(ctx, task.ID, now)
	require.NoError(t, err)

	_, err = st.InsertAdHocRun(ctx, task.ID, now.Add(time.Second))
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)

	// After the run finalizes, manual triggers work again.
	require.NoError(t, st.FinalizeRun(ctx, run.ID, core.RunStatusSuccess, now.Add(2*time.Second), nil, "ok", nil))
	_, err = st.InsertAdHocRun(ctx, task.ID, now.Add(3*time.Second))
	assert.NoError(t, err)
}

func TestFinalizeRunComputesDurationAndIsImmutable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "finisher", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))
	run, err := st.Claim(ctx, task.ID, now)
	require.NoError(t, err)

	code := 0
	ended := now.Add(2 * time.Second)
	require.NoError(t, st.FinalizeRun(ctx, run.ID, core.RunStatusSuccess, ended, &code, "done", nil))

	loaded, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSuccess, loaded.Status)
	assert.Equal(t, "done", loaded.Output)
	require.NotNil(t, loaded.DurationMS)
	assert.Equal(t, int64(2000), *loaded.DurationMS)

	// Terminal records never change.
	errMsg := "late failure"
	err = st.FinalizeRun(ctx, run.ID, core.RunStatusFailed, ended.Add(time.Second), nil, "", &errMsg)
	assert.ErrorIs(t, err, ErrRunNotFound)

	unchanged, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSuccess, unchanged.Status)
	assert.Equal(t, "done", unchanged.Output)
}

func TestFinalizeRunRejectsNonTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	err := st.FinalizeRun(context.Background(), "whatever", core.RunStatusRunning, time.Now(), nil, "", nil)
	assert.Error(t, err)
}

func TestListRunningRunsFindsOrphans(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "orphaned", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))
	run, err := st.Claim(ctx, task.ID, now)
	require.NoError(t, err)

	running, err := st.ListRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, run.ID, running[0].ID)

	require.NoError(t, st.FinalizeRun(ctx, run.ID, core.RunStatusFailed, now.Add(time.Second), nil, "", nil))
	running, err = st.ListRunningRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestRecordTaskSuccessSchedulesNextSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := makeTask(t, "winner", 5, nil)
	require.NoError(t, st.InsertTask(ctx, task))
	require.NoError(t, st.RecordTaskFailure(ctx, task.ID, 2, nil))

	next := now.Add(10 * time.Minute)
	require.NoError(t, st.RecordTaskSuccess(ctx, task.ID, now, &next, core.TaskStatusActive))

	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ConsecutiveFailures)
	assert.Equal(t, 1, loaded.TotalFailures, "total failures survive recovery")
	require.NotNil(t, loaded.LastSuccessAt)
	assert.True(t, now.Equal(*loaded.LastSuccessAt))
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, next.Equal(*loaded.NextRunAt))
}

func TestCompletedTaskLeavesDispatchPool(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "one-shot", 5, &slot)
	task.Schedule = core.Schedule{Kind: core.ScheduleOnce}
	require.NoError(t, st.InsertTask(ctx, task))

	require.NoError(t, st.RecordTaskSuccess(ctx, task.ID, now, nil, core.TaskStatusCompleted))

	due, err := st.FetchDue(ctx, 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, loaded.Status)
}

func TestDisableAndResetTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := now.Add(-time.Minute)

	task := makeTask(t, "flaky", 5, &slot)
	require.NoError(t, st.InsertTask(ctx, task))
	require.NoError(t, st.RecordTaskFailure(ctx, task.ID, 3, &slot))

	require.NoError(t, st.DisableTask(ctx, task.ID))
	loaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusDisabled, loaded.Status)
	assert.Equal(t, 4, loaded.ConsecutiveFailures)
	assert.Nil(t, loaded.NextRunAt)

	due, err := st.FetchDue(ctx, 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "disabled tasks are never fetched")

	next := now.Add(10 * time.Minute)
	require.NoError(t, st.ResetTask(ctx, task.ID, &next))
	loaded, err = st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusActive, loaded.Status)
	assert.Equal(t, 0, loaded.ConsecutiveFailures)
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, next.Equal(*loaded.NextRunAt))
}

func TestDeleteTaskCascadesRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := makeTask(t, "doomed", 5, nil)
	require.NoError(t, st.InsertTask(ctx, task))
	run, err := st.InsertAdHocRun(ctx, task.ID, now)
	require.NoError(t, err)

	require.NoError(t, st.DeleteTask(ctx, task.ID))
	_, err = st.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, st.DeleteTask(ctx, task.ID), ErrTaskNotFound)
}

func TestPruneOldRunLogsHonorsRetention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := makeTask(t, "noisy", 5, nil)
	require.NoError(t, st.InsertTask(ctx, task))

	var runIDs []string
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		run, err := st.InsertAdHocRun(ctx, task.ID, now)
		require.NoError(t, err)
		require.NoError(t, st.EnsureRunLogDir(run.ID))
		require.NoError(t, os.WriteFile(st.RunLogPath(run.ID), []byte(fmt.Sprintf("log %d", i)), 0o644))
		require.NoError(t, st.FinalizeRun(ctx, run.ID, core.RunStatusSuccess, now.Add(time.Second), nil, "", nil))
		runIDs = append(runIDs, run.ID)
	}

	require.NoError(t, st.PruneOldRunLogs(ctx, task.ID))

	// Retention is 3: the two oldest logs are gone, the rest remain.
	for i, runID := range runIDs {
		_, err := os.Stat(st.RunLogPath(runID))
		if i < 2 {
			assert.True(t, os.IsNotExist(err), "log %d should be pruned", i)
		} else {
			assert.NoError(t, err, "log %d should be retained", i)
		}
	}

	// Database rows survive pruning.
	runs, err := st.ListRuns(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}
