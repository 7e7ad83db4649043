// Package metrics exposes Prometheus instrumentation for the compute
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksSubmitted counts accepted submissions by priority.
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creb_compute_tasks_submitted_total",
			Help: "Total number of tasks accepted into the queue.",
		},
		[]string{"priority"},
	)

	// TasksCompleted counts tasks that produced a successful result.
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creb_compute_tasks_completed_total",
			Help: "Total number of tasks completed successfully.",
		},
		[]string{"kind"},
	)

	// TasksFailed counts terminal failures by error class.
	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creb_compute_tasks_failed_total",
			Help: "Total number of tasks that failed terminally.",
		},
		[]string{"class"},
	)

	// TaskRetries counts re-enqueues after a retryable failure.
	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "creb_compute_task_retries_total",
			Help: "Total number of task retry attempts.",
		},
	)

	// QueueLength tracks the number of pending tasks.
	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "creb_compute_queue_length",
			Help: "Number of tasks currently waiting in the queue.",
		},
	)

	// TaskWaitSeconds observes time between enqueue and dispatch.
	TaskWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "creb_compute_task_wait_seconds",
			Help:    "Time tasks spend waiting in the queue.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TaskDurationSeconds observes kernel execution time by kind.
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creb_compute_task_duration_seconds",
			Help:    "Kernel execution time per task.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(TaskWaitSeconds)
	prometheus.MustRegister(TaskDurationSeconds)
}
