// Package telemetry holds the Prometheus collectors of the pipeline service.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters and histograms recorded by the executor, the
// refresh controller and the callback dispatcher
type Metrics struct {
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	StageExecutions  *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	RefreshRequests  *prometheus.CounterVec
	CallbackAttempts *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_pipeline_runs_total",
				Help: "Total number of pipeline runs by workflow and final status",
			},
			[]string{"workflow", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compass_pipeline_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"workflow"},
		),
		StageExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_pipeline_stage_executions_total",
				Help: "Total number of stage outcomes",
			},
			[]string{"workflow", "stage", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compass_pipeline_stage_duration_seconds",
				Help:    "Duration of executed stages including retries",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"workflow", "stage"},
		),
		StageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_pipeline_stage_retries_total",
				Help: "Total number of stage attempts after the first",
			},
			[]string{"workflow", "stage"},
		),
		RefreshRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_pipeline_refresh_requests_total",
				Help: "Refresh requests by result (submitted, deduplicated, failed)",
			},
			[]string{"result"},
		),
		CallbackAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_pipeline_callback_deliveries_total",
				Help: "Callback deliveries by result",
			},
			[]string{"result"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "compass_pipeline_active_runs",
				Help: "Number of pipeline runs currently executing",
			},
		),
	}
}

// NewNop returns metrics registered on a private registry, for tests and
// one-shot CLI runs
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
