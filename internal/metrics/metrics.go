package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueuedTotal counts jobs accepted by the producer
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"topic", "kind"},
	)

	// JobsClaimedTotal counts successful claims
	JobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"topic"},
	)

	// JobsProcessedTotal counts handler outcomes: completed, retried, failed, lease_lost
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_processed_total",
			Help: "Total number of job attempts by outcome",
		},
		[]string{"topic", "kind", "outcome"},
	)

	// JobDuration observes handler run time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobqueue_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic", "kind"},
	)

	// JobsInState mirrors store stats per topic and state
	JobsInState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobqueue_jobs",
			Help: "Number of jobs per topic and state",
		},
		[]string{"topic", "state"},
	)

	// JobsRecoveredTotal counts jobs returned by the visibility sweep
	JobsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_recovered_total",
			Help: "Total number of stale active jobs recovered",
		},
	)

	// JobsPrunedTotal counts jobs deleted by retention
	JobsPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_pruned_total",
			Help: "Total number of finished jobs removed by retention",
		},
		[]string{"topic"},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeLeaseLost = "lease_lost"
)
