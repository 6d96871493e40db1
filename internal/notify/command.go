package notify

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandNotifier runs a local program for each notification. The title and
// body are passed as the first and second argument, so anything from a shell
// script to a desktop notifier can receive alerts.
type CommandNotifier struct {
	command string
	timeout time.Duration
}

// NewCommandNotifier creates a notifier backed by a local command.
func NewCommandNotifier(command string) (*CommandNotifier, error) {
	if command == "" {
		return nil, fmt.Errorf("notify command is empty")
	}
	return &CommandNotifier{command: command, timeout: 30 * time.Second}, nil
}

func (c *CommandNotifier) Send(ctx context.Context, title, body string) error {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, title, body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command failed: %w (output: %s)", err, string(out))
	}
	return nil
}
