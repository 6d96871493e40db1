package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Outcome is the result of one execution attempt as observed by the
// executor: final status, captured (truncated) output, and timing.
type Outcome struct {
	Status   RunStatus
	ExitCode *int
	Output   string
	ErrMsg   *string
	Duration time.Duration
}

// Executor runs one task's action under its timeout. Implementations hold no
// task-specific state; all side effects are confined to the spawned process.
type Executor interface {
	Run(ctx context.Context, task *Task, logPath string) Outcome
}

// ExecutorConfig controls how actions are spawned.
type ExecutorConfig struct {
	// AgentCommand is the argv prefix for prompt actions, e.g.
	// ["claude", "--dangerously-skip-permissions", "-p"].
	AgentCommand []string
	// HomeDir is the default working directory for spawned processes.
	HomeDir string
	// DefaultTimeout applies when a task does not set its own.
	DefaultTimeout time.Duration
	// OutputLimit caps the bytes of stdout/stderr buffered per stream.
	OutputLimit int
	// KillGrace is the window between SIGTERM and SIGKILL on timeout.
	KillGrace time.Duration
}

const (
	defaultOutputLimit = 64 << 10
	defaultKillGrace   = 5 * time.Second
)

// ProcessExecutor spawns actions as external processes.
type ProcessExecutor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewProcessExecutor creates a new executor.
func NewProcessExecutor(cfg ExecutorConfig, logger *slog.Logger) *ProcessExecutor {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if len(cfg.AgentCommand) == 0 {
		cfg.AgentCommand = []string{"claude", "--dangerously-skip-permissions", "-p"}
	}
	return &ProcessExecutor{cfg: cfg, logger: logger}
}

// Run executes the task's action and blocks until it completes, times out,
// or fails to start. A timeout first sends SIGTERM to the process group,
// then SIGKILL after the grace window. Timeouts are reported as a distinct
// status so diagnostics can tell them apart from ordinary failures.
func (e *ProcessExecutor) Run(ctx context.Context, task *Task, logPath string) Outcome {
	started := time.Now()

	var logWriter io.Writer = io.Discard
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			e.logger.Warn("open run log file", "task", task.Name, "path", logPath, "err", err)
		} else {
			defer logFile.Close()
			logWriter = &syncWriter{w: logFile}
		}
	}

	stdout := newCappedBuffer(e.cfg.OutputLimit)
	stderr := newCappedBuffer(e.cfg.OutputLimit)

	argv := task.Action.Argv(e.cfg.AgentCommand)
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204
	cmd.Stdout = io.MultiWriter(logWriter, stdout)
	cmd.Stderr = io.MultiWriter(logWriter, stderr)
	cmd.Env = os.Environ()
	cmd.Dir = e.cfg.HomeDir
	if task.WorkingDir != nil && *task.WorkingDir != "" {
		cmd.Dir = *task.WorkingDir
	}
	// Own process group so timeout cleanup reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("failed to start command: %v", err)
		return Outcome{
			Status:   RunStatusFailed,
			ErrMsg:   &msg,
			Duration: time.Since(started),
		}
	}

	timeout := task.Timeout(e.cfg.DefaultTimeout)
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		e.logger.Warn("task exceeded timeout, sending termination",
			"task", task.Name, "timeout", timeout)
		terminateGroup(cmd.Process, syscall.SIGTERM)
		time.AfterFunc(e.cfg.KillGrace, func() {
			terminateGroup(cmd.Process, syscall.SIGKILL)
		})
	})
	// Hard cancellation kills the group immediately; graceful shutdown hands
	// the executor a non-cancellable context and drains instead.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminateGroup(cmd.Process, syscall.SIGKILL)
		case <-waitDone:
		}
	}()
	waitErr := cmd.Wait()
	close(waitDone)
	watchdog.Stop()
	duration := time.Since(started)

	if timedOut.Load() {
		msg := fmt.Sprintf("timed out after %s", timeout)
		return Outcome{Status: RunStatusTimeout, Output: stdout.String(), ErrMsg: &msg, Duration: duration}
	}

	if waitErr == nil {
		code := 0
		return Outcome{Status: RunStatusSuccess, ExitCode: &code, Output: stdout.String(), Duration: duration}
	}

	outcome := Outcome{Status: RunStatusFailed, Output: stdout.String(), Duration: duration}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		outcome.ExitCode = &code
	}
	msg := stderr.String()
	if msg == "" {
		msg = waitErr.Error()
	}
	outcome.ErrMsg = &msg
	return outcome
}

func terminateGroup(process *os.Process, sig syscall.Signal) {
	if process == nil {
		return
	}
	if err := syscall.Kill(-process.Pid, sig); err != nil {
		_ = process.Signal(sig)
	}
}

// cappedBuffer keeps the first limit bytes written and drops the rest,
// recording that truncation happened.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remain := b.limit - len(b.buf); remain > 0 {
		if len(p) > remain {
			b.buf = append(b.buf, p[:remain]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n...[output truncated]"
	}
	return string(b.buf)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
