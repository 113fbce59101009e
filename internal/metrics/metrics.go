package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelscore_upstream_calls_total",
			Help: "Total upstream provider calls",
		},
		[]string{"source", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelscore_upstream_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ObservationsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelscore_observations_ingested_total",
			Help: "Total reconciled hourly observations stored",
		},
	)

	ForecastsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelscore_forecasts_ingested_total",
			Help: "Total forecast records stored",
		},
		[]string{"model"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelscore_records_dropped_total",
			Help: "Records discarded at ingestion, by reason",
		},
		[]string{"reason"},
	)

	VerificationRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelscore_verification_records_total",
			Help: "Total verification records written",
		},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelscore_cycle_duration_seconds",
			Help:    "Update cycle duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	LeaderboardCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelscore_leaderboard_cache_total",
			Help: "Leaderboard cache lookups by result",
		},
		[]string{"result"},
	)
)
