package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy is the effective retry/circuit-breaker configuration for one task.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// Critical tasks emit an operator alert when they are disabled.
	Critical bool
}

// Policies resolves the effective policy for a task: configured defaults,
// overridden per task name, overridden again by the task row itself.
type Policies struct {
	Default Policy
	ByName  map[string]RetryOverride
}

// DefaultPolicy mirrors the historical defaults of the error handler this
// controller replaces.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Minute,
		MaxDelay:        time.Hour,
		ExponentialBase: 2,
	}
}

// For returns the effective policy for the task.
func (p Policies) For(task *Task) Policy {
	effective := p.Default
	if effective.ExponentialBase <= 1 {
		effective.ExponentialBase = 2
	}
	apply := func(o RetryOverride) {
		if o.MaxRetries != nil {
			effective.MaxRetries = *o.MaxRetries
		}
		if o.BaseDelay != nil {
			effective.BaseDelay = *o.BaseDelay
		}
		if o.MaxDelay != nil {
			effective.MaxDelay = *o.MaxDelay
		}
		if o.Critical != nil {
			effective.Critical = *o.Critical
		}
	}
	if named, ok := p.ByName[task.Name]; ok {
		apply(named)
	}
	apply(task.Retry)
	return effective
}

// CriticalAlert is the structured message handed to the alerting collaborator
// when a critical task is permanently disabled.
type CriticalAlert struct {
	TaskName  string
	Failures  int
	LastError string
}

// Alerter receives critical-failure notifications. The controller guarantees
// at most one call per disablement transition.
type Alerter interface {
	CriticalFailure(ctx context.Context, alert CriticalAlert)
}

// Controller owns the per-task failure state machine:
//
//	Healthy -> Retrying(1) -> ... -> Retrying(max) -> Disabled
//
// with any success returning the task to Healthy. All state lives on the task
// row (consecutive_failures, next_run_at, status), never in process memory,
// so the machine survives restarts.
type Controller struct {
	store    Store
	policies Policies
	alerter  Alerter
	logger   *slog.Logger
}

// NewController constructs a backoff controller. alerter may be nil.
func NewController(store Store, policies Policies, alerter Alerter, logger *slog.Logger) *Controller {
	return &Controller{store: store, policies: policies, alerter: alerter, logger: logger}
}

// RetryDelay computes the backoff before the n-th consecutive retry
// (n >= 1). The first retry waits exactly BaseDelay; each further failure
// multiplies by ExponentialBase, capped at MaxDelay. Monotonically
// non-decreasing in n.
func RetryDelay(p Policy, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.ExponentialBase)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// OnSuccess transitions the task to Healthy and schedules its next slot.
// "once" tasks are marked completed and never rescheduled.
func (c *Controller) OnSuccess(ctx context.Context, task *Task, now time.Time) error {
	status := TaskStatusActive
	var nextRun *time.Time
	if task.Schedule.Kind == ScheduleOnce {
		status = TaskStatusCompleted
	} else {
		nextRun = task.Schedule.NextRun(now)
	}
	if err := c.store.RecordTaskSuccess(ctx, task.ID, now, nextRun, status); err != nil {
		return fmt.Errorf("record task success: %w", err)
	}
	task.ConsecutiveFailures = 0
	task.LastSuccessAt = &now
	task.NextRunAt = nextRun
	task.Status = status
	return nil
}

// OnFailure advances the failure count and either schedules a retry with
// exponential backoff or disables the task once the budget is exhausted.
// Returns true when the task was disabled.
func (c *Controller) OnFailure(ctx context.Context, task *Task, errMsg string, now time.Time) (bool, error) {
	policy := c.policies.For(task)
	failures := task.ConsecutiveFailures + 1

	if failures > policy.MaxRetries {
		if err := c.store.DisableTask(ctx, task.ID); err != nil {
			return false, fmt.Errorf("disable task: %w", err)
		}
		task.ConsecutiveFailures = failures
		task.TotalFailures++
		task.Status = TaskStatusDisabled
		task.NextRunAt = nil
		c.logger.Error("task disabled after exhausting retries",
			"task", task.Name, "failures", failures, "err", errMsg)
		if policy.Critical && c.alerter != nil {
			c.alerter.CriticalFailure(ctx, CriticalAlert{
				TaskName:  task.Name,
				Failures:  failures,
				LastError: errMsg,
			})
		}
		return true, nil
	}

	delay := RetryDelay(policy, failures)
	nextRun := now.Add(delay)
	if err := c.store.RecordTaskFailure(ctx, task.ID, failures, &nextRun); err != nil {
		return false, fmt.Errorf("record task failure: %w", err)
	}
	task.ConsecutiveFailures = failures
	task.TotalFailures++
	task.NextRunAt = &nextRun
	c.logger.Warn("task failed, retry scheduled",
		"task", task.Name, "failures", failures, "retry_in", delay, "err", errMsg)
	return false, nil
}

// Reset clears the failure state of a task and reactivates it, the manual
// escape hatch out of the Disabled state.
func (c *Controller) Reset(ctx context.Context, task *Task, now time.Time) error {
	nextRun := task.Schedule.NextRun(now)
	if nextRun == nil {
		// Resetting a one-shot task re-arms it immediately.
		nextRun = &now
	}
	if err := c.store.ResetTask(ctx, task.ID, nextRun); err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	task.ConsecutiveFailures = 0
	task.Status = TaskStatusActive
	task.NextRunAt = nextRun
	c.logger.Info("task reset", "task", task.Name, "next_run_at", nextRun)
	return nil
}

// TaskHealth is one entry of a failure report.
type TaskHealth struct {
	Name                string     `json:"name"`
	Status              TaskStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
}

// FailureReport summarizes failing, critical and recovered tasks for
// operators.
type FailureReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Failing     []TaskHealth `json:"failing_tasks"`
	Critical    []TaskHealth `json:"critical_tasks"`
	Recovered   []TaskHealth `json:"recovered_tasks"`
}

// Report builds a failure report from current store state.
func (c *Controller) Report(ctx context.Context, now time.Time) (*FailureReport, error) {
	tasks, err := c.store.ListTasks(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	report := &FailureReport{
		GeneratedAt: now,
		Failing:     []TaskHealth{},
		Critical:    []TaskHealth{},
		Recovered:   []TaskHealth{},
	}
	for _, task := range tasks {
		health := TaskHealth{
			Name:                task.Name,
			Status:              task.Status,
			ConsecutiveFailures: task.ConsecutiveFailures,
			TotalFailures:       task.TotalFailures,
			LastSuccessAt:       task.LastSuccessAt,
			NextRunAt:           task.NextRunAt,
		}
		switch {
		case task.ConsecutiveFailures > 0 || task.Status == TaskStatusDisabled:
			report.Failing = append(report.Failing, health)
			if c.policies.For(task).Critical {
				report.Critical = append(report.Critical, health)
			}
		case task.TotalFailures > 0 && task.LastSuccessAt != nil:
			report.Recovered = append(report.Recovered, health)
		}
	}
	return report, nil
}
