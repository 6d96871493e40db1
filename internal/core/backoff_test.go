package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for controller and dispatcher tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	runs  map[string]*Run

	fetchErr error
	claimErr error
}

func newFakeStore(tasks ...*Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*Task{}, runs: map[string]*Run{}}
	for _, task := range tasks {
		copied := *task
		s.tasks[task.ID] = &copied
	}
	return s
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Name == name {
			copied := *task
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", name)
}

func (s *fakeStore) ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for _, task := range s.tasks {
		if status == nil || task.Status == *status {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}
	return tasks, nil
}

func (s *fakeStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var due []*Task
	for _, task := range s.tasks {
		if task.Status == TaskStatusActive && task.NextRunAt != nil && !task.NextRunAt.After(now) {
			copied := *task
			due = append(due, &copied)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *fakeStore) Claim(ctx context.Context, taskID string, now time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	task, ok := s.tasks[taskID]
	if !ok || task.Status != TaskStatusActive || task.NextRunAt == nil || task.NextRunAt.After(now) {
		return nil, ErrNotDue
	}
	for _, run := range s.runs {
		if run.TaskID == taskID && run.Status == RunStatusRunning {
			return nil, ErrNotDue
		}
	}
	scheduled := *task.NextRunAt
	task.NextRunAt = nil
	task.LastRunAt = &now
	run := &Run{
		ID:          NewID(),
		TaskID:      taskID,
		Status:      RunStatusRunning,
		ScheduledAt: scheduled,
		StartedAt:   &now,
		CreatedAt:   now,
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *fakeStore) InsertAdHocRun(ctx context.Context, taskID string, now time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.TaskID == taskID && run.Status == RunStatusRunning {
			return nil, ErrAlreadyRunning
		}
	}
	run := &Run{
		ID:          NewID(),
		TaskID:      taskID,
		Status:      RunStatusRunning,
		ScheduledAt: now,
		StartedAt:   &now,
		CreatedAt:   now,
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *fakeStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, endedAt time.Time, exitCode *int, output string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != RunStatusRunning {
		return fmt.Errorf("run %s not running", runID)
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.ExitCode = exitCode
	run.Output = output
	run.Error = errMsg
	return nil
}

func (s *fakeStore) ListRunningRuns(ctx context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var running []*Run
	for _, run := range s.runs {
		if run.Status == RunStatusRunning {
			copied := *run
			running = append(running, &copied)
		}
	}
	return running, nil
}

func (s *fakeStore) RecordTaskSuccess(ctx context.Context, taskID string, now time.Time, nextRunAt *time.Time, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[taskID]
	task.ConsecutiveFailures = 0
	task.LastSuccessAt = &now
	task.NextRunAt = nextRunAt
	task.Status = status
	return nil
}

func (s *fakeStore) RecordTaskFailure(ctx context.Context, taskID string, failures int, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[taskID]
	task.ConsecutiveFailures = failures
	task.TotalFailures++
	task.NextRunAt = nextRunAt
	return nil
}

func (s *fakeStore) DisableTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[taskID]
	task.Status = TaskStatusDisabled
	task.ConsecutiveFailures++
	task.TotalFailures++
	task.NextRunAt = nil
	return nil
}

func (s *fakeStore) ResetTask(ctx context.Context, taskID string, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[taskID]
	task.ConsecutiveFailures = 0
	task.Status = TaskStatusActive
	task.NextRunAt = nextRunAt
	return nil
}

func (s *fakeStore) EnsureRunLogDir(runID string) error { return nil }

func (s *fakeStore) RunLogPath(runID string) string { return "" }

func (s *fakeStore) PruneOldRunLogs(ctx context.Context, taskID string) error { return nil }

func (s *fakeStore) task(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.tasks[id]
	return &copied
}

func (s *fakeStore) run(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.runs[id]
	return &copied
}

func (s *fakeStore) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.runs {
		if run.Status == RunStatusRunning {
			count++
		}
	}
	return count
}

// fakeAlerter records critical alerts.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []CriticalAlert
}

func (a *fakeAlerter) CriticalFailure(ctx context.Context, alert CriticalAlert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intervalTask(id string, every time.Duration, nextRunAt *time.Time) *Task {
	return &Task{
		ID:        id,
		Name:      id,
		Action:    Action{Kind: ActionShell, Spec: "true"},
		Schedule:  Schedule{Kind: ScheduleInterval, Every: every},
		Priority:  5,
		Status:    TaskStatusActive,
		NextRunAt: nextRunAt,
	}
}

func testPolicies() Policies {
	return Policies{Default: Policy{
		MaxRetries:      3,
		BaseDelay:       time.Minute,
		MaxDelay:        time.Hour,
		ExponentialBase: 2,
	}}
}

func TestRetryDelayDoublesFromBase(t *testing.T) {
	policy := testPolicies().Default

	assert.Equal(t, time.Minute, RetryDelay(policy, 1))
	assert.Equal(t, 2*time.Minute, RetryDelay(policy, 2))
	assert.Equal(t, 4*time.Minute, RetryDelay(policy, 3))
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	policy := testPolicies().Default

	assert.Equal(t, time.Hour, RetryDelay(policy, 10))
	assert.Equal(t, time.Hour, RetryDelay(policy, 100))
}

func TestRetryDelayMonotonic(t *testing.T) {
	policy := testPolicies().Default

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := RetryDelay(policy, n)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease at n=%d", n)
		prev = d
	}
}

func TestPoliciesResolutionOrder(t *testing.T) {
	namedRetries := 5
	rowRetries := 7
	critical := true
	policies := testPolicies()
	policies.ByName = map[string]RetryOverride{
		"reporter": {MaxRetries: &namedRetries, Critical: &critical},
	}

	task := intervalTask("t1", time.Minute, nil)
	task.Name = "reporter"

	resolved := policies.For(task)
	assert.Equal(t, 5, resolved.MaxRetries)
	assert.True(t, resolved.Critical)

	// The task row override wins over the named policy.
	task.Retry.MaxRetries = &rowRetries
	resolved = policies.For(task)
	assert.Equal(t, 7, resolved.MaxRetries)
}

func TestOnFailureSchedulesBackoffRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 10*time.Minute, nil)
	st := newFakeStore(task)
	ctrl := NewController(st, testPolicies(), nil, testLogger())

	disabled, err := ctrl.OnFailure(context.Background(), task, "exit status 1", now)
	require.NoError(t, err)
	assert.False(t, disabled)

	stored := st.task("t1")
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, now.Add(time.Minute), *stored.NextRunAt)

	// Second and third failures back off exponentially.
	disabled, err = ctrl.OnFailure(context.Background(), task, "exit status 1", now)
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Equal(t, now.Add(2*time.Minute), *st.task("t1").NextRunAt)

	disabled, err = ctrl.OnFailure(context.Background(), task, "exit status 1", now)
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Equal(t, now.Add(4*time.Minute), *st.task("t1").NextRunAt)
}

func TestOnFailureDisablesWhenBudgetExhausted(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 10*time.Minute, nil)
	task.ConsecutiveFailures = 3
	task.TotalFailures = 7
	st := newFakeStore(task)
	alerter := &fakeAlerter{}
	critical := true
	policies := testPolicies()
	policies.ByName = map[string]RetryOverride{"t1": {Critical: &critical}}
	ctrl := NewController(st, policies, alerter, testLogger())

	disabled, err := ctrl.OnFailure(context.Background(), task, "exit status 1", now)
	require.NoError(t, err)
	assert.True(t, disabled)

	stored := st.task("t1")
	assert.Equal(t, TaskStatusDisabled, stored.Status)
	assert.Nil(t, stored.NextRunAt)

	// The caller's copy mirrors the store after disablement.
	assert.Equal(t, TaskStatusDisabled, task.Status)
	assert.Equal(t, 4, task.ConsecutiveFailures)
	assert.Equal(t, 8, task.TotalFailures)
	require.Equal(t, 1, alerter.count())
	assert.Equal(t, "t1", alerter.alerts[0].TaskName)
	assert.Equal(t, 4, alerter.alerts[0].Failures)
}

func TestOnFailureNoAlertForNonCritical(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 10*time.Minute, nil)
	task.ConsecutiveFailures = 3
	st := newFakeStore(task)
	alerter := &fakeAlerter{}
	ctrl := NewController(st, testPolicies(), alerter, testLogger())

	disabled, err := ctrl.OnFailure(context.Background(), task, "exit status 1", now)
	require.NoError(t, err)
	assert.True(t, disabled)
	assert.Equal(t, 0, alerter.count())
}

func TestOnSuccessResetsFailureState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 10*time.Minute, nil)
	task.ConsecutiveFailures = 2
	st := newFakeStore(task)
	ctrl := NewController(st, testPolicies(), nil, testLogger())

	require.NoError(t, ctrl.OnSuccess(context.Background(), task, now))

	stored := st.task("t1")
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Equal(t, TaskStatusActive, stored.Status)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, now.Add(10*time.Minute), *stored.NextRunAt)
	require.NotNil(t, stored.LastSuccessAt)
	assert.Equal(t, now, *stored.LastSuccessAt)
}

func TestOnSuccessCompletesOneShotTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 0, nil)
	task.Schedule = Schedule{Kind: ScheduleOnce}
	st := newFakeStore(task)
	ctrl := NewController(st, testPolicies(), nil, testLogger())

	require.NoError(t, ctrl.OnSuccess(context.Background(), task, now))

	stored := st.task("t1")
	assert.Equal(t, TaskStatusCompleted, stored.Status)
	assert.Nil(t, stored.NextRunAt)
}

func TestResetReactivatesDisabledTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := intervalTask("t1", 10*time.Minute, nil)
	task.Status = TaskStatusDisabled
	task.ConsecutiveFailures = 4
	st := newFakeStore(task)
	ctrl := NewController(st, testPolicies(), nil, testLogger())

	require.NoError(t, ctrl.Reset(context.Background(), task, now))

	stored := st.task("t1")
	assert.Equal(t, TaskStatusActive, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, now.Add(10*time.Minute), *stored.NextRunAt)
}

func TestReportBucketsTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	healthy := intervalTask("healthy", time.Minute, nil)
	failing := intervalTask("failing", time.Minute, nil)
	failing.ConsecutiveFailures = 2
	disabled := intervalTask("disabled", time.Minute, nil)
	disabled.Status = TaskStatusDisabled
	disabled.ConsecutiveFailures = 4
	recovered := intervalTask("recovered", time.Minute, nil)
	recovered.TotalFailures = 3
	recovered.LastSuccessAt = &now

	critical := true
	policies := testPolicies()
	policies.ByName = map[string]RetryOverride{"disabled": {Critical: &critical}}

	st := newFakeStore(healthy, failing, disabled, recovered)
	ctrl := NewController(st, policies, nil, testLogger())

	report, err := ctrl.Report(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, report.Failing, 2)
	require.Len(t, report.Critical, 1)
	assert.Equal(t, "disabled", report.Critical[0].Name)
	require.Len(t, report.Recovered, 1)
	assert.Equal(t, "recovered", report.Recovered[0].Name)
}
