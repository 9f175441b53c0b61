// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 训练
	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_training_runs_total",
			Help: "Training runs by trigger state and outcome",
		},
		[]string{"state", "outcome"},
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamrank_training_duration_seconds",
			Help:    "Duration of a training run",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	TrainingSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_training_skipped_total",
			Help: "Staleness checks that did not train",
		},
		[]string{"reason"},
	)

	ModelLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrank_model_loss",
			Help: "Held-out loss of the most recently evaluated model",
		},
		[]string{"model"},
	)

	// 产物
	ArtifactSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_artifact_saves_total",
			Help: "Artifact save decisions",
		},
		[]string{"model", "result"}, // saved, skipped, error
	)

	ModelReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_model_reloads_total",
			Help: "Hot reloads of the live model",
		},
		[]string{"model"},
	)

	// Host/Proxy
	HostExecDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamrank_host_exec_duration_seconds",
			Help:    "Duration of EXEC requests handled by the host",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "key"},
	)

	HostExecErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_host_exec_errors_total",
			Help: "EXEC requests that returned an error",
		},
		[]string{"model", "key"},
	)

	// 打分
	RankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrank_rank_requests_total",
			Help: "Rank requests by strategy actually used",
		},
		[]string{"strategy"},
	)
)
