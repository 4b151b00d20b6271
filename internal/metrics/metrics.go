package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	}, []string{"type"})

	JobsClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_claimed_total",
		Help: "Total number of successful claims",
	}, []string{"type"})

	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_claim_conflicts_total",
		Help: "Total number of claims lost to another worker or to a status change",
	})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	}, []string{"type"})

	JobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_retried_total",
		Help: "Total number of failed attempts rescheduled for retry",
	}, []string{"type"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_failed_total",
		Help: "Total number of jobs that failed permanently",
	}, []string{"type"})

	JobsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_jobs_cancelled_total",
		Help: "Total number of jobs cancelled before running",
	})

	JobsCleanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_jobs_cleaned_total",
		Help: "Total number of terminal jobs deleted by cleanup",
	})

	StaleJobsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_stale_jobs_recovered_total",
		Help: "Total number of running jobs failed by stale recovery",
	})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_processing_duration_seconds",
		Help:    "Time taken by job handlers in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobqueue_batch_duration_seconds",
		Help:    "Time taken to run one batch in seconds",
		Buckets: prometheus.DefBuckets,
	})

	BatchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_batch_errors_total",
		Help: "Total number of batches aborted by a storage error",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_active_workers",
		Help: "Current number of active workers",
	})

	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_jobs",
		Help: "Current number of jobs by status",
	}, []string{"status"})
)
