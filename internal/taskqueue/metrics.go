package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursed_tasks_enqueued_total",
		Help: "Tasks published to the broker, by queue.",
	}, []string{"queue"})

	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursed_tasks_processed_total",
		Help: "Task delivery attempts that finished, by queue and outcome.",
	}, []string{"queue", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coursed_task_duration_seconds",
		Help:    "Wall-clock duration of task executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"queue"})
)
