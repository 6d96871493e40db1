package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"autotask/internal/metrics"
)

var (
	// ErrNotDue is returned by Store.Claim when the task was no longer due
	// and active at claim time, typically because another claimant won.
	ErrNotDue = errors.New("task is not due")
	// ErrAlreadyRunning is returned when a manual trigger races an in-flight
	// execution of the same task.
	ErrAlreadyRunning = errors.New("task is already running")
)

// DispatcherConfig controls the polling loop.
type DispatcherConfig struct {
	// TickInterval is the fixed polling cadence.
	TickInterval time.Duration
	// BatchSize caps how many due tasks one tick fetches.
	BatchSize int
	// Workers bounds concurrent executions; 1 means strictly sequential.
	Workers int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Dispatcher is the scheduler loop. Each tick it fetches due tasks from the
// store, claims and dispatches them to the executor, and feeds results to the
// backoff controller. It assumes a single active instance per store.
type Dispatcher struct {
	store    Store
	executor Executor
	backoff  *Controller
	logger   *slog.Logger
	cfg      DispatcherConfig

	sem chan struct{}
	wg  sync.WaitGroup

	// running guards against double-dispatch within this process. The
	// authoritative guard is the store's atomic claim; this map only defends
	// against stale in-memory scheduling state.
	running sync.Map // taskID -> struct{}{}
}

// NewDispatcher constructs a dispatcher with the given dependencies.
func NewDispatcher(store Store, executor Executor, backoff *Controller, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    store,
		executor: executor,
		backoff:  backoff,
		logger:   logger,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// RecoverOrphans finalizes execution records left in status running by a
// previous crash and feeds each one to the backoff controller as a failure.
// Must run before the loop starts; without it a crash mid-execution silently
// loses the failure signal and the task appears perpetually running.
func (d *Dispatcher) RecoverOrphans(ctx context.Context, now time.Time) error {
	runs, err := d.store.ListRunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		reason := "orphaned by restart"
		if err := d.store.FinalizeRun(ctx, run.ID, RunStatusFailed, now, nil, run.Output, &reason); err != nil {
			d.logger.Error("finalize orphaned run", "run_id", run.ID, "err", err)
			continue
		}
		metrics.RunsOrphaned.Inc()
		task, err := d.store.GetTask(ctx, run.TaskID)
		if err != nil {
			d.logger.Error("load task for orphaned run", "task_id", run.TaskID, "err", err)
			continue
		}
		disabled, err := d.backoff.OnFailure(ctx, task, reason, now)
		if err != nil {
			d.logger.Error("record orphan failure", "task", task.Name, "err", err)
			continue
		}
		if disabled {
			metrics.TasksDisabled.Inc()
		}
		d.logger.Warn("recovered orphaned execution", "task", task.Name, "run_id", run.ID)
	}
	if len(runs) > 0 {
		d.logger.Info("orphan recovery complete", "recovered", len(runs))
	}
	return nil
}

// Run blocks in the scheduling loop until ctx is cancelled, then stops
// fetching new work and drains in-flight executions before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"tick", d.cfg.TickInterval, "batch", d.cfg.BatchSize, "workers", d.cfg.Workers)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher draining in-flight executions")
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick fetches and dispatches one batch of due tasks. A store error aborts
// only this tick: losing the store must not crash the loop or be mistaken
// for a task failure.
func (d *Dispatcher) tick(ctx context.Context) {
	now := time.Now().UTC()
	tasks, err := d.store.FetchDue(ctx, d.cfg.BatchSize, now)
	if err != nil {
		metrics.TickErrors.Inc()
		d.logger.Error("fetch due tasks, skipping tick", "err", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	d.logger.Debug("due tasks found", "count", len(tasks))

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if d.isRunning(task.ID) {
			d.logger.Info("skipping dispatch, task already running in this process", "task", task.Name)
			continue
		}
		run, err := d.store.Claim(ctx, task.ID, now)
		if err != nil {
			if errors.Is(err, ErrNotDue) {
				continue
			}
			d.logger.Error("claim task", "task", task.Name, "err", err)
			continue
		}
		d.launch(ctx, task, run)
	}
}

// RunTaskNow triggers an immediate execution outside the schedule, used by
// the operator control surfaces.
func (d *Dispatcher) RunTaskNow(ctx context.Context, task *Task) (*Run, error) {
	if d.isRunning(task.ID) {
		return nil, ErrAlreadyRunning
	}
	run, err := d.store.InsertAdHocRun(ctx, task.ID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	d.launch(ctx, task, run)
	return run, nil
}

func (d *Dispatcher) launch(ctx context.Context, task *Task, run *Run) {
	d.sem <- struct{}{}
	d.running.Store(task.ID, struct{}{})
	d.wg.Add(1)
	metrics.TasksDispatched.Inc()
	metrics.RunsInFlight.Inc()
	// Executions and their store writes survive loop cancellation so a
	// graceful shutdown never leaves half-written records behind.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			d.running.Delete(task.ID)
			<-d.sem
			metrics.RunsInFlight.Dec()
			d.wg.Done()
		}()
		d.execute(execCtx, task, run)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, task *Task, run *Run) {
	d.logger.Info("executing task", "task", task.Name, "run_id", run.ID,
		"action", task.Action.Kind, "priority", task.Priority)

	logPath := ""
	if err := d.store.EnsureRunLogDir(run.ID); err != nil {
		d.logger.Warn("ensure run log dir", "run_id", run.ID, "err", err)
	} else {
		logPath = d.store.RunLogPath(run.ID)
	}

	outcome := d.executor.Run(ctx, task, logPath)
	endedAt := time.Now().UTC()

	if err := d.store.FinalizeRun(ctx, run.ID, outcome.Status, endedAt, outcome.ExitCode, outcome.Output, outcome.ErrMsg); err != nil {
		d.logger.Error("finalize run", "task", task.Name, "run_id", run.ID, "err", err)
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(outcome.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(outcome.Status)).Observe(outcome.Duration.Seconds())

	if outcome.Status == RunStatusSuccess {
		if err := d.backoff.OnSuccess(ctx, task, endedAt); err != nil {
			d.logger.Error("record success", "task", task.Name, "err", err)
		}
	} else {
		errMsg := string(outcome.Status)
		if outcome.ErrMsg != nil {
			errMsg = *outcome.ErrMsg
		}
		disabled, err := d.backoff.OnFailure(ctx, task, errMsg, endedAt)
		if err != nil {
			d.logger.Error("record failure", "task", task.Name, "err", err)
		} else if disabled {
			metrics.TasksDisabled.Inc()
		}
	}

	if err := d.store.PruneOldRunLogs(ctx, task.ID); err != nil {
		d.logger.Warn("prune run logs", "task", task.Name, "err", err)
	}
	d.logger.Info("task completed", "task", task.Name, "run_id", run.ID,
		"status", outcome.Status, "duration", outcome.Duration)
}

func (d *Dispatcher) isRunning(taskID string) bool {
	_, ok := d.running.Load(taskID)
	return ok
}
