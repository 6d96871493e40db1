package notify

import (
	"context"
	"fmt"
	"log/slog"

	"autotask/internal/core"
)

// Alerter adapts a Notifier to the backoff controller's critical-failure
// hook. Delivery errors are logged and swallowed so a broken alert channel
// never blocks the failure state machine.
type Alerter struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewAlerter(notifier Notifier, logger *slog.Logger) *Alerter {
	return &Alerter{notifier: notifier, logger: logger}
}

func (a *Alerter) CriticalFailure(ctx context.Context, alert core.CriticalAlert) {
	title := fmt.Sprintf("Critical task disabled: %s", alert.TaskName)
	body := fmt.Sprintf("Task %q was disabled after %d consecutive failures.\nLast error: %s",
		alert.TaskName, alert.Failures, alert.LastError)
	if err := a.notifier.Send(ctx, title, body); err != nil {
		a.logger.Error("failed to deliver critical alert", "task", alert.TaskName, "err", err)
	}
}

// FromConfig assembles the notifier chain from configured channels. With no
// channels configured the result is a no-op.
func FromConfig(webhookURL, command string, logger *slog.Logger) Notifier {
	var notifiers []Notifier
	if webhookURL != "" {
		if n, err := NewWebhookNotifier(webhookURL); err == nil {
			notifiers = append(notifiers, n)
		} else {
			logger.Warn("webhook notifier disabled", "err", err)
		}
	}
	if command != "" {
		if n, err := NewCommandNotifier(command); err == nil {
			notifiers = append(notifiers, n)
		} else {
			logger.Warn("command notifier disabled", "err", err)
		}
	}
	if len(notifiers) == 0 {
		return &NoOpNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}
