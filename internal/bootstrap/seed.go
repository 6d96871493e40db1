// Package bootstrap seeds an empty task store from a JSON definitions file,
// so a fresh deployment starts with its standing schedule in place.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"autotask/internal/core"
	"autotask/internal/store"
)

// taskSeed is one entry of the seed file. Exactly one of Shell or Prompt
// must be set.
type taskSeed struct {
	Name       string `json:"name"`
	Shell      string `json:"shell,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Schedule   string `json:"schedule"`
	Priority   *int   `json:"priority,omitempty"`
	TimeoutSec *int   `json:"timeout_seconds,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Critical   *bool  `json:"critical,omitempty"`
}

// Seed loads task definitions from path and inserts them when the store is
// empty. A store that already holds tasks is left untouched, so operator
// edits survive restarts.
func Seed(ctx context.Context, st *store.Store, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	count, err := st.CountTasks(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if count > 0 {
		logger.Debug("store already seeded", "tasks", count)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seeds []taskSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	now := time.Now().UTC()
	for _, seed := range seeds {
		task, err := seed.toTask(now)
		if err != nil {
			return fmt.Errorf("seed task %q: %w", seed.Name, err)
		}
		if err := st.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("insert seed task %q: %w", seed.Name, err)
		}
		logger.Info("seeded task", "task", task.Name, "schedule", task.Schedule.Descriptor())
	}
	logger.Info("seeded empty store", "tasks", len(seeds))
	return nil
}

func (s taskSeed) toTask(now time.Time) (*core.Task, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	var action core.Action
	var err error
	switch {
	case s.Shell != "" && s.Prompt != "":
		return nil, fmt.Errorf("both shell and prompt set")
	case s.Shell != "":
		action, err = core.NewShellAction(s.Shell)
	case s.Prompt != "":
		action, err = core.NewPromptAction(s.Prompt)
	default:
		return nil, fmt.Errorf("neither shell nor prompt set")
	}
	if err != nil {
		return nil, err
	}

	schedule, err := core.ParseSchedule(s.Schedule)
	if err != nil {
		return nil, err
	}

	task := &core.Task{
		ID:        core.NewID(),
		Name:      s.Name,
		Action:    action,
		Schedule:  schedule,
		Priority:  5,
		Status:    core.TaskStatusActive,
		NextRunAt: schedule.NextRun(now),
		Retry:     core.RetryOverride{Critical: s.Critical},
	}
	if schedule.Kind == core.ScheduleOnce {
		run := now
		task.NextRunAt = &run
	}
	if s.Priority != nil {
		task.Priority = *s.Priority
	}
	if s.TimeoutSec != nil {
		task.TimeoutSeconds = s.TimeoutSec
	}
	if s.WorkingDir != "" {
		dir := s.WorkingDir
		task.WorkingDir = &dir
	}
	return task, nil
}
