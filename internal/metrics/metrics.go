package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_cptec_calls_total",
			Help: "Total CPTEC API calls",
		},
		[]string{"endpoint", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clima_cptec_latency_seconds",
			Help:    "CPTEC API call latency in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_observations_ingested_total",
			Help: "Total observations stored",
		},
		[]string{"station"},
	)

	ForecastsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_forecasts_ingested_total",
			Help: "Total forecast rows stored",
		},
		[]string{"city"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_pipeline_runs_total",
			Help: "Pipeline runs by flow and terminal status",
		},
		[]string{"flow", "status"},
	)

	PipelineRunsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_pipeline_runs_skipped_total",
			Help: "Scheduled runs skipped because the flow was still running",
		},
		[]string{"flow"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clima_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"flow", "stage"},
	)

	DriftPValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clima_drift_p_value",
			Help: "Latest drift test p-value per feature",
		},
		[]string{"feature"},
	)

	DriftDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clima_drift_detected_total",
			Help: "Drift checks that found drift",
		},
	)

	Retrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_retrains_total",
			Help: "Model retrains by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	WalkForwardFoldFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clima_walkforward_fold_failures_total",
			Help: "Walk-forward folds whose fit failed",
		},
		[]string{"mode"},
	)

	PredictionsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clima_predictions_published_total",
			Help: "Predictions persisted by the retrain flow",
		},
	)
)
