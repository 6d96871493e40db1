// Package metrics exposes Prometheus metrics for the scheduling loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotask_tasks_dispatched_total",
			Help: "Total number of task executions dispatched",
		},
	)
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotask_runs_completed_total",
			Help: "Total number of finished execution attempts by status",
		},
		[]string{"status"},
	)
	RunsOrphaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotask_runs_orphaned_total",
			Help: "Total number of running execution records reconciled after a restart",
		},
	)
	TasksDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotask_tasks_disabled_total",
			Help: "Total number of tasks permanently disabled after exhausting retries",
		},
	)
	TickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotask_tick_errors_total",
			Help: "Total number of dispatcher ticks aborted by store errors",
		},
	)
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotask_runs_in_flight",
			Help: "Current number of executions in flight",
		},
	)
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autotask_run_duration_seconds",
			Help:    "Execution attempt duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
)
