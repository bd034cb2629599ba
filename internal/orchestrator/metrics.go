package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stereodsm",
		Subsystem: "orchestrator",
		Name:      "tasks_submitted_total",
		Help:      "Tasks handed to an execution backend.",
	}, []string{"kind", "backend"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stereodsm",
		Subsystem: "orchestrator",
		Name:      "tasks_finished_total",
		Help:      "Tasks that produced a result, by status.",
	}, []string{"kind", "status"})

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stereodsm",
		Subsystem: "orchestrator",
		Name:      "tasks_in_flight",
		Help:      "Submitted tasks without a result yet.",
	})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stereodsm",
		Subsystem: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Execution time of tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind"})

	duplicateResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stereodsm",
		Subsystem: "orchestrator",
		Name:      "duplicate_results_total",
		Help:      "Completions dropped because their task already had a result.",
	})
)
