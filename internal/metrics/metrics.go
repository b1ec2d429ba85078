package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_jobs_submitted_total",
		Help: "Total number of jobs accepted by the submission service",
	})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_jobs_completed_total",
		Help: "Total number of jobs that reached DONE",
	})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historysynth_jobs_failed_total",
		Help: "Total number of jobs that reached FAILED, by error code",
	}, []string{"code"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "historysynth_stage_duration_seconds",
		Help:    "Time spent in a pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"stage"})

	PoolRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historysynth_pool_rejected_total",
		Help: "Tasks rejected because the pool queue was full",
	}, []string{"pool"})

	PoolCallerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historysynth_pool_caller_runs_total",
		Help: "Tasks executed on the submitting goroutine because the pool queue was full",
	}, []string{"pool"})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "historysynth_pool_queue_depth",
		Help: "Current number of queued tasks per pool",
	}, []string{"pool"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "historysynth_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})

	ThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_throttled_total",
		Help: "Calls rejected by the outbound rate limiter",
	})

	RetryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_retry_attempts_total",
		Help: "Retried outbound call attempts",
	})

	WatchdogTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_watchdog_timed_out_total",
		Help: "Jobs failed by the stall sweep",
	})

	WatchdogResumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_watchdog_resumed_total",
		Help: "FETCHED jobs handed back to the processor by the stall sweep",
	})

	WatchdogPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_watchdog_purged_total",
		Help: "Terminal jobs deleted by the retention sweep",
	})

	NotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historysynth_notify_failures_total",
		Help: "Completion signals a notifier failed to deliver",
	}, []string{"notifier"})

	HTTPThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historysynth_http_throttled_total",
		Help: "API requests refused by the per-client rate limit",
	})
)
