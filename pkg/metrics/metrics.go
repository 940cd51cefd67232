package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Committer metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_commits_total",
			Help: "Total number of commits by result",
		},
		[]string{"result"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_commit_duration_seconds",
			Help:    "Time taken to validate and persist a commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OCCConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_occ_conflicts_total",
			Help: "Total number of commits aborted by OCC validation",
		},
	)

	MaxRepeatableTs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_max_repeatable_timestamp",
			Help: "Greatest timestamp proven safe for snapshot reads (nanoseconds since epoch)",
		},
	)

	// Write log metrics
	WriteLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_write_log_commits",
			Help: "Number of commits currently held in the write log ring",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_subscriptions_active",
			Help: "Number of unfired subscriptions on the write log",
		},
	)

	// Retention metrics
	RetentionMinSnapshotTs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_retention_min_snapshot_timestamp",
			Help: "Retention floor by cursor type (nanoseconds since epoch)",
		},
		[]string{"type"},
	)

	RetentionConfirmedDeletedTs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_retention_confirmed_deleted_timestamp",
			Help: "Checkpoint below which expired rows are confirmed deleted, by cursor type",
		},
		[]string{"type"},
	)

	RetentionLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_retention_lag_seconds",
			Help: "How far the retention checkpoint lags behind now, by cursor type",
		},
		[]string{"type"},
	)

	RetentionRowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_retention_rows_deleted_total",
			Help: "Total rows physically deleted by retention, by cursor type",
		},
		[]string{"type"},
	)

	RetentionCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_retention_cycle_duration_seconds",
			Help:    "Duration of one retention delete cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	WritesShedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_writes_shed_total",
			Help: "Total writes rejected because retention is falling behind",
		},
	)

	// Function runner metrics
	FunctionsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_functions_running",
			Help: "Functions currently holding an admission permit, by udf type",
		},
		[]string{"udf_type"},
	)

	FunctionsWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_functions_waiting",
			Help: "Functions waiting on the admission semaphore, by udf type",
		},
		[]string{"udf_type"},
	)

	FunctionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_functions_rejected_total",
			Help: "Functions rejected by admission control, by udf type",
		},
		[]string{"udf_type"},
	)

	FunctionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_function_duration_seconds",
			Help:    "Function execution duration in seconds, by udf type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"udf_type"},
	)

	MutationRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_mutation_retries_total",
			Help: "Mutation attempts beyond the first, by reason",
		},
		[]string{"reason"},
	)

	// Streaming export metrics
	ExportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_export_rows_total",
			Help: "Rows returned by streaming export, by endpoint",
		},
		[]string{"endpoint"},
	)

	ExportPageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_export_page_duration_seconds",
			Help:    "Time taken to assemble one export page in seconds, by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Import metrics
	ImportRowsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_import_rows_written_total",
			Help: "Total rows staged by snapshot imports",
		},
	)

	ImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_imports_total",
			Help: "Snapshot imports by terminal state",
		},
		[]string{"state"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(OCCConflictsTotal)
	prometheus.MustRegister(MaxRepeatableTs)
	prometheus.MustRegister(WriteLogSize)
	prometheus.MustRegister(SubscriptionsActive)

	// Register retention metrics
	prometheus.MustRegister(RetentionMinSnapshotTs)
	prometheus.MustRegister(RetentionConfirmedDeletedTs)
	prometheus.MustRegister(RetentionLagSeconds)
	prometheus.MustRegister(RetentionRowsDeleted)
	prometheus.MustRegister(RetentionCycleDuration)
	prometheus.MustRegister(WritesShedTotal)

	// Register function runner metrics
	prometheus.MustRegister(FunctionsRunning)
	prometheus.MustRegister(FunctionsWaiting)
	prometheus.MustRegister(FunctionsRejectedTotal)
	prometheus.MustRegister(FunctionDuration)
	prometheus.MustRegister(MutationRetriesTotal)

	// Register export and import metrics
	prometheus.MustRegister(ExportRowsTotal)
	prometheus.MustRegister(ExportPageDuration)
	prometheus.MustRegister(ImportRowsWritten)
	prometheus.MustRegister(ImportsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
