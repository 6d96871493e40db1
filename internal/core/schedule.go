package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleKind discriminates the schedule variants.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule is a tagged schedule descriptor: repeat every fixed interval, fire
// on a calendar expression, or fire a single time then retire.
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration // interval only
	Expr  string        // cron only
}

// ParseSchedule parses the textual descriptor forms "interval:<duration>",
// "cron:<5-field expression>" and "once".
func ParseSchedule(descriptor string) (Schedule, error) {
	descriptor = strings.TrimSpace(descriptor)
	switch {
	case descriptor == string(ScheduleOnce):
		return Schedule{Kind: ScheduleOnce}, nil
	case strings.HasPrefix(descriptor, "interval:"):
		every, err := time.ParseDuration(strings.TrimPrefix(descriptor, "interval:"))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval: %w", err)
		}
		if every <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive, got %s", every)
		}
		return Schedule{Kind: ScheduleInterval, Every: every}, nil
	case strings.HasPrefix(descriptor, "cron:"):
		expr := strings.TrimSpace(strings.TrimPrefix(descriptor, "cron:"))
		if _, err := ParseCron(expr); err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleCron, Expr: expr}, nil
	default:
		return Schedule{}, fmt.Errorf("unknown schedule descriptor %q", descriptor)
	}
}

// Descriptor returns the canonical textual form, the inverse of ParseSchedule.
func (s Schedule) Descriptor() string {
	switch s.Kind {
	case ScheduleInterval:
		return "interval:" + s.Every.String()
	case ScheduleCron:
		return "cron:" + s.Expr
	default:
		return string(ScheduleOnce)
	}
}

// NextRun maps the schedule plus a reference time to the next eligible run
// time. It is pure and idempotent: the dispatcher recomputes schedules from
// store state after a restart instead of trusting in-memory timers, so the
// same inputs must always yield the same output. "once" returns nil: no
// further runs.
func (s Schedule) NextRun(ref time.Time) *time.Time {
	switch s.Kind {
	case ScheduleInterval:
		next := ref.Add(s.Every)
		return &next
	case ScheduleCron:
		schedule, err := ParseCron(s.Expr)
		if err != nil {
			return nil
		}
		next := schedule.Next(ref)
		if next.IsZero() {
			return nil
		}
		return &next
	default:
		return nil
	}
}

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n eligible run times from a base time,
// used by the schedule preview endpoints. For "once" it returns nothing.
func (s Schedule) NextOccurrences(base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	ref := base
	for i := 0; i < n; i++ {
		next := s.NextRun(ref)
		if next == nil {
			break
		}
		times = append(times, *next)
		ref = *next
	}
	return times
}
