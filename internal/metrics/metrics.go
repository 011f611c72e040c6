package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks workflow events applied per repository
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_events_processed_total",
			Help: "Total number of workflow events processed",
		},
		[]string{"repository"},
	)

	// EventsRejected tracks events rejected by the ordering guard
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_events_rejected_total",
			Help: "Total number of workflow events rejected",
		},
		[]string{"repository", "reason"},
	)

	// FailuresClassified tracks classified failures per category and severity
	FailuresClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_failures_classified_total",
			Help: "Total number of pipeline failures classified",
		},
		[]string{"category", "severity"},
	)

	// RecoveriesTotal tracks finished recoveries per type and outcome
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_recoveries_total",
			Help: "Total number of recovery attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	// RecoveryDuration tracks executor call latency per recovery type
	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipewatch_recovery_duration_seconds",
			Help:    "Recovery executor call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// CheckpointsSaved tracks stored checkpoints per repository
	CheckpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_checkpoints_saved_total",
			Help: "Total number of workflow checkpoints saved",
		},
		[]string{"repository"},
	)

	// CheckpointValidations tracks validation outcomes
	CheckpointValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_checkpoint_validations_total",
			Help: "Total number of checkpoint validations by result",
		},
		[]string{"result"},
	)

	// NoticesEmitted tracks failure notices sent to the notification port
	NoticesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_notices_emitted_total",
			Help: "Total number of failure notices emitted",
		},
		[]string{"repository", "escalated"},
	)

	// OpenFailures tracks currently unresolved failures per repository
	OpenFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipewatch_open_failures",
			Help: "Number of unresolved pipeline failures",
		},
		[]string{"repository"},
	)

	// ActiveRecoveries tracks pending/in-progress recoveries per repository
	ActiveRecoveries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipewatch_active_recoveries",
			Help: "Number of pending or in-progress recoveries",
		},
		[]string{"repository"},
	)

	// DBConnectionPoolUsage tracks database pool saturation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipewatch_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
